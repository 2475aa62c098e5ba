package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/vai-phone/pkg/gateway/config"
	"github.com/vango-go/vai-phone/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-phone/pkg/gateway/live/sessions"
)

const readyCheckTimeout = 2 * time.Second

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyCheck probes a dependency the relay needs before accepting calls.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
	Checks    []ReadyCheck
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK               bool     `json:"ok"`
		Draining         bool     `json:"draining"`
		DrainingSince    string   `json:"draining_since,omitempty"`
		ActiveSessions   int      `json:"active_sessions"`
		MaxSessions      int      `json:"max_sessions"`
		OutboundMode     string   `json:"outbound_mode"`
		Transform        string   `json:"transform"`
		SuppressionScope string   `json:"suppression_scope"`
		FillerPolicy     string   `json:"filler_policy"`
		Issues           []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 2)
	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
	defer cancel()
	for _, c := range h.Checks {
		if c.Check == nil {
			continue
		}
		if err := c.Check(ctx); err != nil {
			issues = append(issues, c.Name+": "+err.Error())
		}
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	var drainingSince string
	if draining {
		drainingSince = h.Lifecycle.DrainingSince().UTC().Format(time.RFC3339)
	}

	sc := h.Config.Session()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:               ok,
		Draining:         draining,
		DrainingSince:    drainingSince,
		ActiveSessions:   h.Sessions.Count(),
		MaxSessions:      h.Config.MaxSessions,
		OutboundMode:     sc.OutboundMode.String(),
		Transform:        h.Config.Transform,
		SuppressionScope: sc.SuppressionScope.String(),
		FillerPolicy:     sc.FillerPolicy.String(),
		Issues:           issues,
	})
}
