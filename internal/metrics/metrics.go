// Package metrics holds the Prometheus collectors shared by the relay components.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "scenerelay"

type Metrics struct {
	PeerCalls           *prometheus.CounterVec
	PeerCallDuration    *prometheus.HistogramVec
	ConnectAttempts     *prometheus.CounterVec
	Sessions            prometheus.Gauge
	BroadcastDeliveries *prometheus.CounterVec
	Commands            *prometheus.CounterVec
}

// New builds the collectors and registers them with reg. A nil reg leaves them unregistered,
// which is what components use when no metrics were configured.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PeerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "peer_calls_total",
				Help:      "Calls made to the execution peer, by action and outcome kind.",
			},
			[]string{"action", "outcome"},
		),
		PeerCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "peer_call_duration_seconds",
				Help:      "Round trip time of peer calls including connect and queueing.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		ConnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "peer_connect_attempts_total",
				Help:      "Attempts to open the peer connection.",
			},
			[]string{"result"},
		),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Currently registered observer sessions.",
		}),
		BroadcastDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcast_deliveries_total",
				Help:      "Per-observer broadcast deliveries.",
			},
			[]string{"result"},
		),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Commands received from clients.",
			},
			[]string{"command"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.PeerCalls,
			m.PeerCallDuration,
			m.ConnectAttempts,
			m.Sessions,
			m.BroadcastDeliveries,
			m.Commands,
		)
	}
	return m
}
