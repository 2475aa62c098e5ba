package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/vai-phone/pkg/gateway/config"
	"github.com/vango-go/vai-phone/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-phone/pkg/gateway/live/sessions"
)

func decodeReady(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return resp
}

func TestHealthHandler_OK(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestReadyHandler_Ready(t *testing.T) {
	tr := sessions.NewTracker()
	slot, _ := tr.Reserve("call_1", 0)
	defer slot.Release()

	h := ReadyHandler{
		Config:    config.Config{MaxSessions: 10, Transform: config.TransformNone},
		Lifecycle: &lifecycle.Lifecycle{},
		Sessions:  tr,
		Checks: []ReadyCheck{{Name: "redis", Check: func(context.Context) error {
			return nil
		}}},
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	resp := decodeReady(t, rr)
	if ok, _ := resp["ok"].(bool); !ok {
		t.Fatalf("expected ok=true, body=%s", rr.Body.String())
	}
	if n, _ := resp["active_sessions"].(float64); n != 1 {
		t.Fatalf("active_sessions=%v, want 1", resp["active_sessions"])
	}
	if resp["outbound_mode"] != "immediate" {
		t.Fatalf("outbound_mode=%v", resp["outbound_mode"])
	}
}

func TestReadyHandler_DrainingNotReady(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)

	rr := httptest.NewRecorder()
	ReadyHandler{Lifecycle: lc}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	resp := decodeReady(t, rr)
	if d, _ := resp["draining"].(bool); !d {
		t.Fatalf("expected draining=true")
	}
	if since, _ := resp["draining_since"].(string); since == "" {
		t.Fatalf("expected draining_since, body=%s", rr.Body.String())
	}
}

func TestReadyHandler_FailedCheckNotReady(t *testing.T) {
	h := ReadyHandler{Checks: []ReadyCheck{{Name: "redis", Check: func(context.Context) error {
		return errors.New("connection refused")
	}}}}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	resp := decodeReady(t, rr)
	issues, _ := resp["issues"].([]any)
	if len(issues) != 1 || issues[0] != "redis: connection refused" {
		t.Fatalf("issues=%v", resp["issues"])
	}
}
