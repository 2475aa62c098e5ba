package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-phone/pkg/callrecord"
	"github.com/vango-go/vai-phone/pkg/gateway/apierror"
	"github.com/vango-go/vai-phone/pkg/gateway/config"
	"github.com/vango-go/vai-phone/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-phone/pkg/gateway/live/session"
	"github.com/vango-go/vai-phone/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-phone/pkg/gateway/metrics"
	"github.com/vango-go/vai-phone/pkg/gateway/mw"
)

// MediaStreamHandler accepts Twilio Media Streams connections on /twilio and
// runs one call session per connection.
type MediaStreamHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker

	Agent     session.AgentDialer
	Settings  session.SettingsSource
	Clips     session.ClipSource
	Transform session.Transformer
	Records   callrecord.Sink
	Metrics   *metrics.Relay
}

func (h MediaStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		apierror.Write(w, http.StatusMethodNotAllowed, &apierror.Error{
			Type:      apierror.ErrInvalidRequest,
			Message:   "method not allowed",
			Code:      "method_not_allowed",
			RequestID: reqID,
		})
		return
	}
	if h.Lifecycle.IsDraining() {
		apierror.Write(w, http.StatusServiceUnavailable, &apierror.Error{
			Type:      apierror.ErrOverloaded,
			Message:   "relay is draining",
			Code:      "draining",
			RequestID: reqID,
		})
		return
	}
	sessionID := "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	slot, ok := h.Sessions.Reserve(sessionID, h.Config.MaxSessions)
	if !ok {
		apierror.Write(w, http.StatusServiceUnavailable, &apierror.Error{
			Type:      apierror.ErrOverloaded,
			Message:   "too many active calls",
			Code:      "max_sessions",
			RequestID: reqID,
		})
		return
	}
	defer slot.Release()

	handshakeTimeout := h.Config.WSHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	upgrader := websocket.Upgrader{
		HandshakeTimeout: handshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Agent:     h.Agent,
		Settings:  h.Settings,
		Clips:     h.Clips,
		Transform: h.Transform,
		Records:   h.Records,
		Metrics:   h.Metrics,
		Logger:    h.Logger,
		SessionID: sessionID,
		RequestID: reqID,
		Config:    h.Config.Session(),
		StartTime: time.Now(),
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("call session init failed", "request_id", reqID, "error", err)
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session init failed"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	slot.Attach(s.Cancel)

	// Run closes the caller connection on every exit path.
	if err := s.Run(); err != nil {
		if h.Logger != nil {
			h.Logger.Warn("call session ended with error", "session_id", sessionID, "request_id", reqID, "error", err)
		}
	}
}
