package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
)

type prometheusRegisterer = prometheus.Registerer

// metrics counts registry operations by outcome.
type metrics struct {
	ops *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiond",
			Subsystem: "http",
			Name:      "operations_total",
			Help:      "Registry HTTP operations by operation and result.",
		}, []string{"operation", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.ops)
	}
	return m
}

func (m *metrics) observe(operation, result string) {
	if m == nil || m.ops == nil {
		return
	}
	m.ops.WithLabelValues(operation, result).Inc()
}
