package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-phone/pkg/callrecord"
	"github.com/vango-go/vai-phone/pkg/gateway/config"
	"github.com/vango-go/vai-phone/pkg/gateway/handlers"
	"github.com/vango-go/vai-phone/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-phone/pkg/gateway/live/session"
	"github.com/vango-go/vai-phone/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-phone/pkg/gateway/metrics"
	"github.com/vango-go/vai-phone/pkg/gateway/mw"
)

// Deps are the per-process collaborators shared by every call session.
type Deps struct {
	Agent     session.AgentDialer
	Settings  session.SettingsSource
	Clips     session.ClipSource
	Transform session.Transformer
	Records   callrecord.Sink
	Metrics   *metrics.Relay
	Checks    []handlers.ReadyCheck
}

type Server struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux

	lifecycle *lifecycle.Lifecycle
	sessions  *sessions.Tracker
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		mux:       http.NewServeMux(),
		lifecycle: &lifecycle.Lifecycle{},
		sessions:  sessions.NewTracker(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
		Checks:    s.deps.Checks,
	})
	s.mux.Handle("/twilio", handlers.MediaStreamHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
		Agent:     s.deps.Agent,
		Settings:  s.deps.Settings,
		Clips:     s.deps.Clips,
		Transform: s.deps.Transform,
		Records:   s.deps.Records,
		Metrics:   s.deps.Metrics,
	})
	if s.cfg.MetricsEnabled && s.deps.Metrics != nil {
		s.mux.Handle("/metrics", s.deps.Metrics.Handler())
	}
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining makes /readyz fail and /twilio refuse new calls.
func (s *Server) SetDraining(draining bool) {
	s.lifecycle.SetDraining(draining)
}

func (s *Server) ActiveSessions() int {
	return s.sessions.Count()
}

// WaitSessions blocks until every call session has ended or ctx is done.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

// CancelSessions ends all running call sessions and returns how many were
// signalled.
func (s *Server) CancelSessions() int {
	return s.sessions.CancelAll()
}
