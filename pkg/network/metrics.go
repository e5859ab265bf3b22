package network

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the client's prometheus collectors
type Metrics struct {
	FramesSent        prometheus.Counter
	FramesReceived    prometheus.Counter
	Reconnects        prometheus.Counter
	HandshakeFailures prometheus.Counter
	RequestTimeouts   prometheus.Counter
	PendingRequests   prometheus.Gauge
	State             prometheus.Gauge
	Events            *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "nocksup", Name: "frames_sent_total",
			Help: "Data frames written to the service.",
		}),
		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: "nocksup", Name: "frames_received_total",
			Help: "Data frames read from the service.",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "nocksup", Name: "reconnect_attempts_total",
			Help: "Reconnect attempts after an unexpected connection loss.",
		}),
		HandshakeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "nocksup", Name: "handshake_failures_total",
			Help: "Failed handshakes.",
		}),
		RequestTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "nocksup", Name: "request_timeouts_total",
			Help: "Requests that received no reply in time.",
		}),
		PendingRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "nocksup", Name: "pending_requests",
			Help: "Requests awaiting a reply.",
		}),
		State: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "nocksup", Name: "connection_state",
			Help: "Current connection state (0 disconnected .. 5 failed).",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nocksup", Name: "events_total",
			Help: "Events published to subscribers, by kind.",
		}, []string{"kind"}),
	}
}
