// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChannelConnected is 1 while at least one chat channel is connected.
	ChannelConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_channel_connected",
			Help: "Number of chat channels currently connected",
		},
	)

	// ChannelTransitions tracks channel state transitions.
	ChannelTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_channel_transitions_total",
			Help: "Chat channel state transitions",
		},
		[]string{"state"},
	)

	// TransportDials tracks dial attempts per transport.
	TransportDials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_transport_dials_total",
			Help: "Transport dial attempts",
		},
		[]string{"transport", "result"},
	)

	// MessagesTotal tracks chat messages by direction.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Chat messages sent and received",
		},
		[]string{"direction"},
	)

	// SendFailures tracks message emissions that did not reach the server.
	SendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_send_failures_total",
			Help: "Message sends that failed to reach the server",
		},
	)

	// TypingEvents tracks typing transitions emitted over the channel.
	TypingEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_typing_events_total",
			Help: "Typing events emitted",
		},
		[]string{"event"},
	)

	// ReadReceipts tracks mark-read calls by result.
	ReadReceipts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_read_receipts_total",
			Help: "Read receipts issued",
		},
		[]string{"result"},
	)

	// BootstrapTotal tracks session bootstrap results.
	BootstrapTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_bootstrap_total",
			Help: "Chat session bootstrap attempts",
		},
		[]string{"result"},
	)

	// RequestDuration tracks sandbox HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandbox_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total sandbox HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// PeersActive tracks live channel peers on the sandbox.
	PeersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandbox_peers_active",
			Help: "Number of connected channel peers",
		},
		[]string{"transport"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordChannelState records a channel state transition.
func RecordChannelState(state string, connected bool, wasConnected bool) {
	ChannelTransitions.WithLabelValues(state).Inc()
	switch {
	case connected && !wasConnected:
		ChannelConnected.Inc()
	case !connected && wasConnected:
		ChannelConnected.Dec()
	}
}

// RecordDial records a transport dial attempt.
func RecordDial(transport string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	TransportDials.WithLabelValues(transport, result).Inc()
}

// IncrementPeers increments the live peer count for a transport.
func IncrementPeers(transport string) {
	PeersActive.WithLabelValues(transport).Inc()
}

// DecrementPeers decrements the live peer count for a transport.
func DecrementPeers(transport string) {
	PeersActive.WithLabelValues(transport).Dec()
}
