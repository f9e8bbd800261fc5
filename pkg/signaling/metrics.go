package signaling

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// WithPrometheus registers the handler's metrics with reg.
// Dots in namespace are replaced with underscores.
func WithPrometheus(reg prometheus.Registerer, namespace string) Option {
	if reg == nil {
		return nil
	}
	namespace = strings.ReplaceAll(namespace, ".", "_")
	const subsystem = "signaling"

	return func(h *Handler) {
		h.metrics = &metrics{
			joins: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "joins_total",
				Help:      "channel joins",
			}),
			parts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "parts_total",
				Help:      "channel parts, including those caused by disconnects",
			}),
			relays: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "relayed_total",
				Help:      "relayed messages by event",
			}, []string{"event"}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "relay_dropped_total",
				Help:      "relays dropped for unknown targets or by policy",
			}),
			protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "protocol_errors_total",
				Help:      "ignored client events",
			}),
		}
		reg.MustRegister(
			h.metrics.joins,
			h.metrics.parts,
			h.metrics.relays,
			h.metrics.dropped,
			h.metrics.protocolErrors,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "connections",
				Help:      "registered connections",
			}, func() float64 {
				return float64(h.conns.Len())
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "channels",
				Help:      "channels in the table",
			}, func() float64 {
				return float64(h.channels.Len())
			}),
		)
	}
}

type metrics struct {
	joins          prometheus.Counter
	parts          prometheus.Counter
	relays         *prometheus.CounterVec
	dropped        prometheus.Counter
	protocolErrors prometheus.Counter
}

func (m *metrics) join() {
	if m != nil {
		m.joins.Inc()
	}
}

func (m *metrics) part() {
	if m != nil {
		m.parts.Inc()
	}
}

func (m *metrics) relay(event string) {
	if m != nil {
		m.relays.WithLabelValues(event).Inc()
	}
}

func (m *metrics) drop() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *metrics) protocolError() {
	if m != nil {
		m.protocolErrors.Inc()
	}
}
