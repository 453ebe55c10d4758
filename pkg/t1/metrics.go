package t1

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes per-engine Prometheus instrumentation, following the
// reference corpus's per-subsystem Metrics struct with a constructor that
// accepts a Registerer (nil-able for tests), rather than relying on the
// global default registry.
type Metrics struct {
	retriesTotal    *prometheus.CounterVec
	resynchTotal    prometheus.Counter
	exchangesTotal  prometheus.Counter
	wtxMultiplier   prometheus.Gauge
	chainedIBlocks  prometheus.Counter
}

// NewMetrics creates engine metrics scoped to profile, registering them
// against reg if non-nil.
func NewMetrics(reg prometheus.Registerer, profile string) *Metrics {
	m := &Metrics{
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "goese",
			Subsystem:   "t1",
			Name:        "retries_total",
			Help:        "Retransmits and RESYNCH attempts by reason.",
			ConstLabels: prometheus.Labels{"profile": profile},
		}, []string{"reason"}),
		resynchTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "goese",
			Subsystem:   "t1",
			Name:        "resynch_total",
			Help:        "S-RESYNCH requests issued.",
			ConstLabels: prometheus.Labels{"profile": profile},
		}),
		exchangesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "goese",
			Subsystem:   "t1",
			Name:        "exchanges_total",
			Help:        "Completed Transceive calls.",
			ConstLabels: prometheus.Labels{"profile": profile},
		}),
		wtxMultiplier: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "goese",
			Subsystem:   "t1",
			Name:        "wtx_multiplier",
			Help:        "Multiplier carried by the most recent S-WTX request.",
			ConstLabels: prometheus.Labels{"profile": profile},
		}),
		chainedIBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "goese",
			Subsystem:   "t1",
			Name:        "chained_iblocks_total",
			Help:        "Inbound I-blocks received with the M-bit set.",
			ConstLabels: prometheus.Labels{"profile": profile},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.retriesTotal, m.resynchTotal, m.exchangesTotal, m.wtxMultiplier, m.chainedIBlocks)
	}
	return m
}
