// Package metrics defines the Prometheus collectors exported by the relay.
// Every method is safe to call on a nil *Relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vai_phone"

type Relay struct {
	registry *prometheus.Registry

	sessionsActive    prometheus.Gauge
	sessionsEnded     *prometheus.CounterVec
	framesForwarded   prometheus.Counter
	inboundDropped    prometheus.Counter
	chunksForwarded   prometheus.Counter
	chunksSuppressed  prometheus.Counter
	bargeIns          prometheus.Counter
	fillersStarted    prometheus.Counter
	fillersCanceled   prometheus.Counter
	transformFailures prometheus.Counter
	malformed         *prometheus.CounterVec
	firstAudioLatency prometheus.Histogram
}

// New registers the relay collectors plus Go runtime collectors on a fresh
// registry.
func New() *Relay {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg)
}

func NewWithRegistry(reg *prometheus.Registry) *Relay {
	r := &Relay{
		registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Number of calls currently relayed.",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_ended_total",
			Help: "Calls ended, by reason.",
		}, []string{"reason"}),
		framesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "caller_frames_forwarded_total",
			Help: "Caller audio frames written to the agent.",
		}),
		inboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "caller_media_dropped_total",
			Help: "Caller media messages dropped by the inbound rate limit.",
		}),
		chunksForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_chunks_forwarded_total",
			Help: "Agent audio chunks delivered towards the caller.",
		}),
		chunksSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "agent_chunks_suppressed_total",
			Help: "Agent audio chunks dropped after a barge-in.",
		}),
		bargeIns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "barge_ins_total",
			Help: "Caller speech-start events that cleared outbound audio.",
		}),
		fillersStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fillers_started_total",
			Help: "Filler clips started.",
		}),
		fillersCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fillers_canceled_total",
			Help: "Filler clips canceled before finishing.",
		}),
		transformFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transform_failures_total",
			Help: "Outbound audio transforms that failed and fell back to raw audio.",
		}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "malformed_messages_total",
			Help: "Discarded control messages that failed to parse, by source.",
		}, []string{"source"}),
		firstAudioLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "first_audio_latency_seconds",
			Help:    "Time from the last caller frame sent to the agent until the first agent audio of a turn.",
			Buckets: []float64{0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10},
		}),
	}
	reg.MustRegister(
		r.sessionsActive,
		r.sessionsEnded,
		r.framesForwarded,
		r.inboundDropped,
		r.chunksForwarded,
		r.chunksSuppressed,
		r.bargeIns,
		r.fillersStarted,
		r.fillersCanceled,
		r.transformFailures,
		r.malformed,
		r.firstAudioLatency,
	)
	return r
}

func (r *Relay) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Relay) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (r *Relay) SessionStarted() {
	if r == nil {
		return
	}
	r.sessionsActive.Inc()
}

func (r *Relay) SessionEnded(reason string) {
	if r == nil {
		return
	}
	r.sessionsActive.Dec()
	r.sessionsEnded.WithLabelValues(reason).Inc()
}

func (r *Relay) FrameForwarded() {
	if r == nil {
		return
	}
	r.framesForwarded.Inc()
}

func (r *Relay) InboundDropped() {
	if r == nil {
		return
	}
	r.inboundDropped.Inc()
}

func (r *Relay) ChunkForwarded() {
	if r == nil {
		return
	}
	r.chunksForwarded.Inc()
}

func (r *Relay) ChunkSuppressed() {
	if r == nil {
		return
	}
	r.chunksSuppressed.Inc()
}

func (r *Relay) BargeIn() {
	if r == nil {
		return
	}
	r.bargeIns.Inc()
}

func (r *Relay) FillerStarted() {
	if r == nil {
		return
	}
	r.fillersStarted.Inc()
}

func (r *Relay) FillerCanceled() {
	if r == nil {
		return
	}
	r.fillersCanceled.Inc()
}

func (r *Relay) TransformFailed() {
	if r == nil {
		return
	}
	r.transformFailures.Inc()
}

func (r *Relay) Malformed(source string) {
	if r == nil {
		return
	}
	r.malformed.WithLabelValues(source).Inc()
}

func (r *Relay) FirstAudio(latency time.Duration) {
	if r == nil || latency < 0 {
		return
	}
	r.firstAudioLatency.Observe(latency.Seconds())
}
