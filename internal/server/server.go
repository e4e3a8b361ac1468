// Package server exposes the quota manager and reply streaming over HTTP.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ineyio/chatquota"
	"github.com/ineyio/chatquota/internal/metrics"
)

const (
	defaultMaxMessageChars = 4000
	maxRequestBytes        = 256 << 10
	maxSessionIDBytes      = 128
	wsRequestTimeout       = 30 * time.Second
	wsWriteTimeout         = 10 * time.Second
)

// Config wires the server's dependencies.
type Config struct {
	Manager          *chatquota.Manager
	Upstream         chatquota.Upstream
	Health           *chatquota.HealthTracker // nil creates one
	Meter            chatquota.Meter          // passed to each reply assembler
	AssemblerOptions []chatquota.AssemblerOption
	MaxMessageChars  int
	Logger           *zap.Logger
	Gatherer         prometheus.Gatherer // nil disables /metrics
}

// Server handles session, usage and chat requests.
type Server struct {
	manager         *chatquota.Manager
	upstream        chatquota.Upstream
	health          *chatquota.HealthTracker
	assemblerOpts   []chatquota.AssemblerOption
	maxMessageChars int
	logger          *zap.Logger
	gatherer        prometheus.Gatherer
	upgrader        websocket.Upgrader
}

// New creates a Server.
func New(cfg Config) *Server {
	s := &Server{
		manager:         cfg.Manager,
		upstream:        cfg.Upstream,
		health:          cfg.Health,
		assemblerOpts:   cfg.AssemblerOptions,
		maxMessageChars: cfg.MaxMessageChars,
		logger:          cfg.Logger,
		gatherer:        cfg.Gatherer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if s.manager == nil {
		s.manager = chatquota.NewManager()
	}
	if s.health == nil {
		s.health = chatquota.NewHealthTracker(nil)
	}
	if s.maxMessageChars <= 0 {
		s.maxMessageChars = defaultMaxMessageChars
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if cfg.Meter != nil {
		s.assemblerOpts = append(s.assemblerOpts, chatquota.WithAssemblerMeter(cfg.Meter))
	}
	return s
}

// Router returns the HTTP handler with all routes and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(jsonRecoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(metrics.Middleware())

	r.Get("/healthz", s.healthz)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", s.createSession)
		r.Get("/usage/{sessionID}", s.getUsage)
		r.Post("/chat", s.chat)
		r.Get("/chat/ws", s.chatWS)
	})
	return r
}

// createSession handles POST /api/sessions.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	id := s.manager.NewSession()
	writeJSON(w, http.StatusCreated, chatquota.SessionResponse{SessionID: id})
}

// getUsage handles GET /api/usage/{sessionID}.
func (s *Server) getUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if !validSessionID(id) {
		writeError(w, invalidSessionID())
		return
	}
	writeJSON(w, http.StatusOK, s.manager.GetUsageInfo(id))
}

type healthResponse struct {
	Status   string `json:"status"`
	Upstream string `json:"upstream"`
	Health   string `json:"upstreamHealth"`
	Sessions int    `json:"sessions"`
}

// healthz handles GET /healthz.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	name := s.upstream.Name()
	state := s.health.GetHealth(name)

	status := http.StatusOK
	resp := healthResponse{
		Status:   "ok",
		Upstream: name,
		Health:   state.String(),
		Sessions: s.manager.Len(),
	}
	if state == chatquota.HealthUnhealthy {
		status = http.StatusServiceUnavailable
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, e *apiError) {
	writeJSON(w, e.status, chatquota.ErrorResponse{
		Code:    e.code,
		Message: e.message,
		Denial:  e.denial,
	})
}
