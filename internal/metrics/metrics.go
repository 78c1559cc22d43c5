// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChatRequests counts accepted chat turns by pipeline mode.
	ChatRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maice_chat_requests_total",
		Help: "Chat turns accepted, by assigned mode.",
	}, []string{"mode"})

	// ChatErrors counts turns that ended with an error frame.
	ChatErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maice_chat_errors_total",
		Help: "Chat turns terminated by an error, by error type.",
	}, []string{"type"})

	// SSEFrames counts egress frames relayed to clients by event type.
	SSEFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maice_sse_frames_total",
		Help: "SSE frames relayed to clients, by event type.",
	}, []string{"type"})

	// TurnDuration observes wall-clock seconds from kickoff to terminal.
	TurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "maice_turn_duration_seconds",
		Help:    "Chat turn duration from kickoff to terminal frame.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"mode"})

	// BusPublishes counts messages published by stream class.
	BusPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maice_bus_publishes_total",
		Help: "Bus publishes, by stream class (ingress or session).",
	}, []string{"stream"})

	// LLMCalls counts gateway calls by provider and outcome.
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maice_llm_calls_total",
		Help: "LLM gateway calls, by provider and outcome.",
	}, []string{"provider", "outcome"})
)

// Handler serves the default registry for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
