// Package metrics provides the Prometheus recorder shared by the gateway,
// the pipeline stages and the message bus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private registry so several recorders can coexist in tests.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	activeConnections prometheus.Gauge
	framesTotal       *prometheus.CounterVec
	authFailures      *prometheus.CounterVec
	errorFrames       *prometheus.CounterVec
	upstreamTotal     *prometheus.CounterVec
	upstreamDuration  *prometheus.HistogramVec
	busMessages       *prometheus.CounterVec
	emotionsDetected  *prometheus.CounterVec
	storiesGenerated  prometheus.Counter
}

// NewRecorder registers every collector on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "story_session_active_connections",
			Help: "Number of open story session WebSocket connections",
		}),
		framesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "story_session_frames_total",
				Help: "Frames handled by the session gateway by direction and type",
			},
			[]string{"direction", "type"},
		),
		authFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "story_session_auth_failures_total",
				Help: "Handshakes rejected by reason",
			},
			[]string{"reason"},
		),
		errorFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "story_session_error_frames_total",
				Help: "Error frames sent to clients by code",
			},
			[]string{"code"},
		),
		upstreamTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "story_upstream_requests_total",
				Help: "Language-generation calls by provider and status",
			},
			[]string{"provider", "status"},
		),
		upstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "story_upstream_request_duration_seconds",
				Help:    "Duration of language-generation calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		busMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "story_bus_messages_total",
				Help: "Message bus traffic by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		emotionsDetected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "story_emotions_detected_total",
				Help: "Emotion notifications observed on the bus by category",
			},
			[]string{"emotion"},
		),
		storiesGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "story_generated_total",
			Help: "Stories successfully generated",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) ConnectionOpened() {
	if r == nil {
		return
	}
	r.activeConnections.Inc()
}

func (r *Recorder) ConnectionClosed() {
	if r == nil {
		return
	}
	r.activeConnections.Dec()
}

// ObserveFrame counts a frame; direction is "in" or "out".
func (r *Recorder) ObserveFrame(direction, frameType string) {
	if r == nil {
		return
	}
	r.framesTotal.WithLabelValues(direction, frameType).Inc()
}

func (r *Recorder) AuthFailed(reason string) {
	if r == nil {
		return
	}
	r.authFailures.WithLabelValues(reason).Inc()
}

func (r *Recorder) ErrorFrame(code string) {
	if r == nil {
		return
	}
	r.errorFrames.WithLabelValues(code).Inc()
}

// ObserveUpstream records one language-generation call.
func (r *Recorder) ObserveUpstream(provider string, success bool, duration time.Duration) {
	if r == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	r.upstreamTotal.WithLabelValues(provider, status).Inc()
	r.upstreamDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// BusMessage counts bus traffic; outcome is "published", "dropped" or "delivered".
func (r *Recorder) BusMessage(channel, outcome string) {
	if r == nil {
		return
	}
	r.busMessages.WithLabelValues(channel, outcome).Inc()
}

func (r *Recorder) EmotionDetected(emotion string) {
	if r == nil {
		return
	}
	r.emotionsDetected.WithLabelValues(emotion).Inc()
}

func (r *Recorder) StoryGenerated() {
	if r == nil {
		return
	}
	r.storiesGenerated.Inc()
}
