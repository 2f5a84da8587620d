package bunker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors updated by a Signer.
type Metrics struct {
	Requests        *prometheus.CounterVec
	Dropped         *prometheus.CounterVec
	ApprovalLatency prometheus.Histogram
	ActiveRelays    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg, unless reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bunker",
			Name:      "requests_total",
			Help:      "Requests answered, by method and outcome.",
		}, []string{"method", "outcome"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bunker",
			Name:      "dropped_total",
			Help:      "Requests dropped without an answer, by reason.",
		}, []string{"reason"}),
		ApprovalLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bunker",
			Name:      "approval_seconds",
			Help:      "Time taken by the user to answer approval prompts.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}),
		ActiveRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bunker",
			Name:      "active_relays",
			Help:      "Relays currently connected.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.Dropped, m.ApprovalLatency, m.ActiveRelays)
	}
	return m
}
