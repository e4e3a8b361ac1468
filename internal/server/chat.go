package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ineyio/chatquota"
	"github.com/ineyio/chatquota/internal/logger"
)

// apiError is a chat turn refused before any reply was streamed.
type apiError struct {
	status  int
	code    string
	message string
	denial  *chatquota.Denial
}

func (e *apiError) event() chatquota.WireEvent {
	if e.denial != nil {
		return chatquota.WireEvent{Event: chatquota.EventDenied, Denial: e.denial}
	}
	return chatquota.WireEvent{Event: chatquota.EventError, Error: e.message}
}

// validSessionID bounds client-chosen IDs, which become store keys. Empty
// is valid and asks for a new session.
func validSessionID(id string) bool {
	if len(id) > maxSessionIDBytes || !utf8.ValidString(id) {
		return false
	}
	for _, r := range id {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func invalidSessionID() *apiError {
	return &apiError{
		status:  http.StatusBadRequest,
		code:    "invalid_request",
		message: fmt.Sprintf("sessionId must be at most %d bytes of printable text", maxSessionIDBytes),
	}
}

// turn is an admitted chat turn whose reply stream is open.
type turn struct {
	decision chatquota.Decision
	src      *chatquota.AccountedSource
	asm      *chatquota.Assembler
}

// open validates the request, charges the session and opens the reply
// stream. The reservation is rolled back if the upstream cannot start.
func (s *Server) open(ctx context.Context, req chatquota.ChatRequest) (*turn, *apiError) {
	log := logger.FromContext(ctx)

	if !validSessionID(req.SessionID) {
		return nil, invalidSessionID()
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return nil, &apiError{status: http.StatusBadRequest, code: "invalid_request", message: "message is required"}
	}
	if n := utf8.RuneCountInString(msg); n > s.maxMessageChars {
		return nil, &apiError{
			status:  http.StatusBadRequest,
			code:    "message_too_long",
			message: fmt.Sprintf("message has %d characters, the limit is %d", n, s.maxMessageChars),
		}
	}
	for _, m := range req.History {
		if m.Role != chatquota.RoleUser && m.Role != chatquota.RoleAssistant {
			return nil, &apiError{status: http.StatusBadRequest, code: "invalid_request", message: fmt.Sprintf("invalid history role %q", m.Role)}
		}
	}

	name := s.upstream.Name()
	if !s.health.Allow(name) {
		return nil, &apiError{status: http.StatusServiceUnavailable, code: "upstream_unavailable", message: "the assistant is temporarily unavailable, please try again shortly"}
	}

	d := s.manager.CheckAndReserve(req.SessionID, chatquota.EstimateCost(msg))
	if !d.Allowed {
		denial := chatquota.NewDenial(d)
		return nil, &apiError{status: http.StatusTooManyRequests, code: "quota_exceeded", message: denial.Message, denial: &denial}
	}

	history := append(slices.Clone(req.History), chatquota.Message{Role: chatquota.RoleUser, Content: msg})
	src, err := s.upstream.Stream(ctx, history)
	if err != nil {
		if rbErr := s.manager.Rollback(d.Reservation); rbErr != nil {
			log.Warn("rollback failed", zap.String("session", d.SessionID), zap.Error(rbErr))
		}
		if ctx.Err() == nil && !chatquota.IsFatal(err) {
			s.health.RecordFailure(name)
		}
		log.Warn("upstream stream failed", zap.String("upstream", name), zap.Error(err))

		if errors.Is(err, chatquota.ErrRateLimited) {
			return nil, &apiError{status: http.StatusServiceUnavailable, code: "upstream_busy", message: "the assistant is busy, please try again shortly"}
		}
		return nil, &apiError{status: http.StatusBadGateway, code: "upstream_error", message: "the assistant could not start a reply"}
	}

	asm := chatquota.NewAssembler(s.assemblerOpts...)
	asm.AppendUser(msg)
	return &turn{
		decision: d,
		src:      chatquota.NewAccountedSource(src, s.manager, d.Reservation),
		asm:      asm,
	}, nil
}

// eventSink delivers wire events to the client.
type eventSink interface {
	send(ev chatquota.WireEvent) error
}

// stream drives the reply through the assembler and forwards each new piece
// of text. The closing event carries the session's quota after settlement.
func (s *Server) stream(ctx context.Context, t *turn, sink eventSink) {
	log := logger.FromContext(ctx)
	name := s.upstream.Name()
	sessionID := t.decision.SessionID
	turnID := uuid.NewString()

	if err := sink.send(chatquota.WireEvent{Event: chatquota.EventStart, SessionID: sessionID, TurnID: turnID}); err != nil {
		_ = t.src.Close()
		log.Debug("client gone before start", zap.Error(err))
		return
	}

	var last chatquota.Snapshot
	sent := 0
	for snap := range t.asm.Consume(ctx, turnID, t.src) {
		last = snap
		if snap.Terminal() {
			continue
		}
		delta := snap.Reply.Content[sent:]
		sent = len(snap.Reply.Content)
		if err := sink.send(chatquota.WireEvent{Event: chatquota.EventDelta, TurnID: turnID, Content: delta}); err != nil {
			log.Debug("client gone mid-reply", zap.String("turn", turnID), zap.Error(err))
			break
		}
	}

	// The source is closed and the reservation settled once the loop ends.
	usage := s.manager.GetUsageInfo(sessionID)

	var err error
	switch last.State {
	case chatquota.StateCompleted:
		s.health.RecordSuccess(name)
		err = sink.send(chatquota.WireEvent{Event: chatquota.EventEnd, SessionID: sessionID, TurnID: turnID, Usage: &usage})
	case chatquota.StateFailed:
		if !errors.Is(last.Err, context.Canceled) {
			s.health.RecordFailure(name)
		}
		log.Warn("reply failed", zap.String("turn", turnID), zap.Error(last.Err))
		err = sink.send(chatquota.WireEvent{
			Event:     chatquota.EventError,
			SessionID: sessionID,
			TurnID:    turnID,
			Usage:     &usage,
			Error:     "the reply was interrupted, please try again",
		})
	}
	if err != nil {
		log.Debug("client gone before final event", zap.String("turn", turnID), zap.Error(err))
	}
}

// chat handles POST /api/chat, streaming the reply as server-sent events.
func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req chatquota.ChatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &apiError{status: http.StatusBadRequest, code: "bad_request", message: "Invalid request body: " + err.Error()})
		return
	}

	t, apiErr := s.open(r.Context(), req)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s.stream(r.Context(), t, &sseSink{w: w, rc: http.NewResponseController(w)})
}

type sseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *sseSink) send(ev chatquota.WireEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flush event: %w", err)
	}
	return nil
}

// chatWS handles GET /api/chat/ws. The client sends one ChatRequest frame
// and receives the reply as wire-event frames, then a normal close.
func (s *Server) chatWS(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxRequestBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsRequestTimeout))

	var req chatquota.ChatRequest
	if err := conn.ReadJSON(&req); err != nil {
		log.Debug("websocket request read failed", zap.Error(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client sends nothing more; a read error means it went away.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	sink := &wsSink{conn: conn}
	t, apiErr := s.open(ctx, req)
	if apiErr != nil {
		_ = sink.send(apiErr.event())
	} else {
		s.stream(ctx, t, sink)
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}

type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) send(ev chatquota.WireEvent) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := s.conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("write websocket event: %w", err)
	}
	return nil
}
