package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-phone/pkg/gateway/apierror"
	"github.com/vango-go/vai-phone/pkg/gateway/config"
	"github.com/vango-go/vai-phone/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-phone/pkg/gateway/live/session"
	"github.com/vango-go/vai-phone/pkg/gateway/live/sessions"
)

type staticSettings string

func (s staticSettings) Load(context.Context) ([]byte, error) { return []byte(s), nil }

func decodeAPIError(t *testing.T, rr *httptest.ResponseRecorder) *apierror.Error {
	t.Helper()
	var env apierror.Envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error == nil {
		t.Fatalf("missing error in %s", rr.Body.String())
	}
	return env.Error
}

func TestMediaStreamHandler_RejectsNonGET(t *testing.T) {
	rr := httptest.NewRecorder()
	MediaStreamHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/twilio", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", rr.Code)
	}
	if e := decodeAPIError(t, rr); e.Code != "method_not_allowed" {
		t.Fatalf("code=%q", e.Code)
	}
}

func TestMediaStreamHandler_RejectsWhileDraining(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)

	rr := httptest.NewRecorder()
	MediaStreamHandler{Lifecycle: lc}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/twilio", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rr.Code)
	}
	if e := decodeAPIError(t, rr); e.Type != apierror.ErrOverloaded || e.Code != "draining" {
		t.Fatalf("error=%+v", e)
	}
}

func TestMediaStreamHandler_RejectsAtCapacity(t *testing.T) {
	tr := sessions.NewTracker()
	slot, _ := tr.Reserve("call_1", 0)
	defer slot.Release()

	rr := httptest.NewRecorder()
	MediaStreamHandler{Config: config.Config{MaxSessions: 1}, Sessions: tr}.
		ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/twilio", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rr.Code)
	}
	if e := decodeAPIError(t, rr); e.Code != "max_sessions" {
		t.Fatalf("code=%q", e.Code)
	}
}

func TestMediaStreamHandler_RunsTrackedCallSession(t *testing.T) {
	agentConns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token dg-test" {
			t.Errorf("authorization=%q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		agentConns <- conn
	}))
	defer agentSrv.Close()

	tr := sessions.NewTracker()
	h := MediaStreamHandler{
		Config:   config.Config{MaxSessions: 4, WSHandshakeTimeout: time.Second},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Sessions: tr,
		Agent:    session.WSAgentDialer{URL: agentSrv.URL, APIKey: "dg-test"},
		Settings: staticSettings(`{"type":"Settings"}`),
	}
	relaySrv := httptest.NewServer(h)
	defer relaySrv.Close()

	caller, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(relaySrv.URL, "http")+"/twilio", nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer caller.Close()

	var agent *websocket.Conn
	select {
	case agent = <-agentConns:
	case <-time.After(2 * time.Second):
		t.Fatalf("agent was not dialed")
	}
	defer agent.Close()

	_ = agent.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := agent.ReadMessage()
	if err != nil {
		t.Fatalf("read settings: %v", err)
	}
	if mt != websocket.TextMessage || string(data) != `{"type":"Settings"}` {
		t.Fatalf("first agent message type=%d data=%s", mt, data)
	}

	ids := tr.IDs()
	if len(ids) != 1 || !strings.HasPrefix(ids[0], "call_") {
		t.Fatalf("tracked ids=%v", ids)
	}

	if err := caller.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA1"}}`)); err != nil {
		t.Fatalf("write stop: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if !tr.Wait(ctx) {
		t.Fatalf("session was not unregistered after stop")
	}
}

func TestMediaStreamHandler_InitFailureClosesCallerAndFreesSlot(t *testing.T) {
	tr := sessions.NewTracker()
	h := MediaStreamHandler{
		Config:   config.Config{MaxSessions: 1},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Sessions: tr,
		Settings: staticSettings(`{"type":"Settings"}`),
	}
	relaySrv := httptest.NewServer(h)
	defer relaySrv.Close()

	caller, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(relaySrv.URL, "http")+"/twilio", nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer caller.Close()

	_ = caller.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = caller.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
		t.Fatalf("read err=%v, want close 1011", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !tr.Wait(ctx) {
		t.Fatalf("slot was not released after init failure")
	}
}
