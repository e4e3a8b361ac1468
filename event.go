package chatquota

import (
	"fmt"
	"time"
)

// EventType tags a wire event sent to chat clients.
type EventType string

const (
	EventStart  EventType = "start"
	EventDelta  EventType = "delta"
	EventEnd    EventType = "end"
	EventError  EventType = "error"
	EventDenied EventType = "denied"
)

// WireEvent is one frame of a streamed reply, sent as an SSE data line or a
// WebSocket text message.
type WireEvent struct {
	Event     EventType `json:"event"`
	SessionID string    `json:"sessionId,omitempty"`
	TurnID    string    `json:"turnId,omitempty"`
	Content   string    `json:"content,omitempty"`
	Usage     *Usage    `json:"usage,omitempty"`
	Denial    *Denial   `json:"denial,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Denial explains a refused chat turn in terms a user can act on.
type Denial struct {
	Limit             Limit     `json:"limit"`
	RemainingTokens   int64     `json:"remainingTokens"`
	RemainingMessages int64     `json:"remainingMessages"`
	ResetTime         time.Time `json:"resetTime"`
	Message           string    `json:"message"`
}

// NewDenial describes a decision that was not allowed.
func NewDenial(d Decision) Denial {
	var reason string
	switch d.Limit {
	case LimitMessages:
		reason = "Daily message limit reached"
	case LimitTokens:
		reason = "Daily token limit reached"
	default:
		reason = "Daily quota"
	}
	return Denial{
		Limit:             d.Limit,
		RemainingTokens:   d.RemainingTokens,
		RemainingMessages: d.RemainingMessages,
		ResetTime:         d.ResetTime,
		Message: fmt.Sprintf("%s: %d messages / %d tokens remaining today. Resets at %s.",
			reason, d.RemainingMessages, d.RemainingTokens, d.ResetTime.Format("Jan 2 15:04 MST")),
	}
}

// ChatRequest is the body of a chat turn sent to the server.
type ChatRequest struct {
	SessionID string    `json:"sessionId"`
	Message   string    `json:"message"`
	History   []Message `json:"history,omitempty"`
}

// SessionResponse is returned when a session is provisioned.
type SessionResponse struct {
	SessionID string `json:"sessionId"`
}

// ErrorResponse is the body of a failed API call.
type ErrorResponse struct {
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Denial  *Denial `json:"denial,omitempty"`
}
