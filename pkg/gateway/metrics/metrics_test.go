package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelay_NilIsSafe(t *testing.T) {
	var r *Relay
	r.SessionStarted()
	r.SessionEnded("caller_stop")
	r.BargeIn()
	r.FirstAudio(time.Second)
	r.Malformed("agent")
	assert.Nil(t, r.Registry())
}

func TestRelay_Counters(t *testing.T) {
	r := NewWithRegistry(prometheus.NewRegistry())
	r.SessionStarted()
	r.SessionStarted()
	r.SessionEnded("caller_stop")
	r.BargeIn()
	r.BargeIn()
	r.Malformed("caller")
	r.FirstAudio(300 * time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sessionsEnded.WithLabelValues("caller_stop")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.bargeIns))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.malformed.WithLabelValues("caller")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.firstAudioLatency))
}

func TestRelay_Handler(t *testing.T) {
	r := New()
	r.FillerStarted()

	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "vai_phone_fillers_started_total 1"))
}
