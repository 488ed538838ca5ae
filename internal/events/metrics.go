package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for event delivery.
type Metrics struct {
	Emitted      *prometheus.CounterVec
	Delivered    prometheus.Counter
	Dropped      prometheus.Counter
	SinkFailures prometheus.Counter
	BreakerOpen  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Emitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardvault_events_emitted_total",
			Help: "Events accepted into the delivery buffer",
		}, []string{"type"}),
		Delivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardvault_events_delivered_total",
			Help: "Events handed to the sink successfully",
		}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardvault_events_dropped_total",
			Help: "Events discarded because the buffer was full or the circuit breaker was open",
		}),
		SinkFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardvault_events_sink_failures_total",
			Help: "Failed sink deliveries",
		}),
		BreakerOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cardvault_events_breaker_open",
			Help: "Event sink circuit breaker state (0=closed, 1=open)",
		}),
	}
}

func (m *Metrics) incEmitted(t Type) {
	if m != nil {
		m.Emitted.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) addDelivered(n int) {
	if m != nil {
		m.Delivered.Add(float64(n))
	}
}

func (m *Metrics) addDropped(n int) {
	if m != nil {
		m.Dropped.Add(float64(n))
	}
}

func (m *Metrics) incSinkFailures() {
	if m != nil {
		m.SinkFailures.Inc()
	}
}

func (m *Metrics) setBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerOpen.Set(1)
	} else {
		m.BreakerOpen.Set(0)
	}
}
