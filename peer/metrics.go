package peer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is an optional Prometheus collector an embedding application can
// register to observe transfer activity across every Peer it drives. A nil
// *Metrics is safe to use everywhere below: every method is a no-op guard
// on m == nil, so callers that don't care about metrics never construct
// one.
type Metrics struct {
	bytesTransferred *prometheus.CounterVec
	activeTransfers  *prometheus.GaugeVec
	rejectedRequests *prometheus.CounterVec
}

// NewMetrics creates peer metrics and registers them against registry. If
// registry is nil, the metrics are created but left unregistered, useful
// for tests that want a Metrics instance without a global side effect.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		bytesTransferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fsp",
				Subsystem: "peer",
				Name:      "bytes_transferred_total",
				Help:      "Total payload bytes moved by transfer direction.",
			},
			[]string{"direction"},
		),
		activeTransfers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fsp",
				Subsystem: "peer",
				Name:      "active_transfers",
				Help:      "Number of in-flight transfers by kind.",
			},
			[]string{"kind"},
		),
		rejectedRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fsp",
				Subsystem: "peer",
				Name:      "rejected_requests_total",
				Help:      "Buffered requests answered through RespondToRequest with a non-OK status.",
			},
			[]string{"code", "status"},
		),
	}

	if registry != nil {
		registry.MustRegister(m.bytesTransferred, m.activeTransfers, m.rejectedRequests)
	}
	return m
}

func (m *Metrics) addBytes(direction string, n uint64) {
	if m == nil {
		return
	}
	m.bytesTransferred.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) setActive(kind string, count int) {
	if m == nil {
		return
	}
	m.activeTransfers.WithLabelValues(kind).Set(float64(count))
}

func (m *Metrics) observeRejected(code, status string) {
	if m == nil {
		return
	}
	m.rejectedRequests.WithLabelValues(code, status).Inc()
}
