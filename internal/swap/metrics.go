package swap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the coordinator's prometheus collectors.
type Metrics struct {
	Active        prometheus.Gauge
	Quarantined   prometheus.Counter
	Expired       prometheus.Counter
	Transitions   *prometheus.CounterVec
	Errors        *prometheus.CounterVec
	Snapshots     *prometheus.CounterVec
	AdapterEvents *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "hashswap",
			Name:      "swaps_tracked",
			Help:      "Number of swaps tracked by the coordinator.",
		}),
		Quarantined: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hashswap",
			Name:      "swaps_quarantined_total",
			Help:      "Swaps whose processing was stopped.",
		}),
		Expired: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hashswap",
			Name:      "swaps_expired_total",
			Help:      "Swaps expired for lack of progress.",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hashswap",
			Name:      "swap_transitions_total",
			Help:      "Status transitions applied, by resulting status.",
		}, []string{"status"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hashswap",
			Name:      "swap_errors_total",
			Help:      "Swap errors by kind.",
		}, []string{"kind"}),
		Snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hashswap",
			Name:      "swap_snapshots_total",
			Help:      "Received snapshots by outcome.",
		}, []string{"result"}),
		AdapterEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hashswap",
			Name:      "invoice_events_total",
			Help:      "Invoice events emitted by settlement adapters.",
		}, []string{"network", "type"}),
	}
}
