package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groundlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total gateway HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "groundlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Gateway HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	linkTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groundlink",
			Subsystem: "link",
			Name:      "state_transitions_total",
			Help:      "Connection state transitions by target state.",
		},
		[]string{"state"},
	)
	linkState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "groundlink",
			Subsystem: "link",
			Name:      "state",
			Help:      "Current connection state (0=disconnected 1=connecting 2=connected 3=operational 4=error).",
		},
	)
	heartbeatsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "groundlink",
			Subsystem: "heartbeat",
			Name:      "sent_total",
			Help:      "Ground heartbeats sent to the Air-Side.",
		},
	)
	heartbeatsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "groundlink",
			Subsystem: "heartbeat",
			Name:      "received_total",
			Help:      "Air-Side heartbeats accepted.",
		},
	)
	telemetryUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "groundlink",
			Subsystem: "telemetry",
			Name:      "updates_total",
			Help:      "Status broadcasts applied to telemetry slots.",
		},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groundlink",
			Subsystem: "protocol",
			Name:      "decode_errors_total",
			Help:      "Discarded datagrams or lines by channel.",
		},
		[]string{"channel"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groundlink",
			Subsystem: "command",
			Name:      "requests_total",
			Help:      "Commands sent over the TCP channel by outcome.",
		},
		[]string{"command", "outcome"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "groundlink",
			Subsystem: "command",
			Name:      "duration_seconds",
			Help:      "Command round-trip time in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groundlink",
			Subsystem: "link",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts by trigger (retry, auto).",
		},
		[]string{"trigger"},
	)
	relayPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groundlink",
			Subsystem: "relay",
			Name:      "publishes_total",
			Help:      "MQTT relay publishes by stream and outcome.",
		},
		[]string{"stream", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			linkTransitions,
			linkState,
			heartbeatsSent,
			heartbeatsReceived,
			telemetryUpdates,
			decodeErrors,
			commands,
			commandDuration,
			reconnects,
			relayPublishes,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordStateTransition counts a transition into state and sets the gauge to code.
func RecordStateTransition(state string, code int) {
	RegisterMetrics()
	linkTransitions.WithLabelValues(state).Inc()
	linkState.Set(float64(code))
}

func RecordHeartbeatSent() {
	RegisterMetrics()
	heartbeatsSent.Inc()
}

func RecordHeartbeatReceived() {
	RegisterMetrics()
	heartbeatsReceived.Inc()
}

func RecordTelemetryUpdate() {
	RegisterMetrics()
	telemetryUpdates.Inc()
}

func RecordDecodeError(channel string) {
	RegisterMetrics()
	decodeErrors.WithLabelValues(channel).Inc()
}

func RecordCommand(command, outcome string, duration time.Duration) {
	RegisterMetrics()
	commands.WithLabelValues(command, outcome).Inc()
	commandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func RecordReconnect(trigger string) {
	RegisterMetrics()
	reconnects.WithLabelValues(trigger).Inc()
}

func RecordRelayPublish(stream, outcome string) {
	RegisterMetrics()
	relayPublishes.WithLabelValues(stream, outcome).Inc()
}
