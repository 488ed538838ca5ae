package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Requests    prometheus.Counter
	Completions *prometheus.CounterVec
	Reveals     prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardvault_grading_requests_total",
			Help: "Instances submitted for grading",
		}),
		Completions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardvault_grading_completions_total",
			Help: "Gradings completed, by whether an admin override skipped the wait",
		}, []string{"override"}),
		Reveals: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardvault_grading_reveals_total",
			Help: "Graded instances revealed and released",
		}),
	}
}

func (m *Metrics) IncrementRequested() {
	m.Requests.Inc()
}

func (m *Metrics) IncrementCompleted(override bool) {
	m.Completions.WithLabelValues(strconv.FormatBool(override)).Inc()
}

func (m *Metrics) IncrementRevealed() {
	m.Reveals.Inc()
}
