package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	dErrors "cardvault/pkg/domain-errors"
)

// Metrics counts multi-party commits made by the market and trading services.
type Metrics struct {
	Commits        *prometheus.CounterVec
	Rejections     *prometheus.CounterVec
	CommitDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Commits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardvault_exchange_commits_total",
			Help: "Exchange operations committed, by operation",
		}, []string{"operation"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardvault_exchange_rejections_total",
			Help: "Exchange operations rolled back, by operation and error code",
		}, []string{"operation", "code"}),
		CommitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cardvault_exchange_commit_duration_seconds",
			Help:    "Duration of exchange transactions",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
	}
}

// Record observes one finished operation. Safe on a nil receiver.
func (m *Metrics) Record(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.CommitDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		m.Rejections.WithLabelValues(operation, string(dErrors.CodeOf(err))).Inc()
		return
	}
	m.Commits.WithLabelValues(operation).Inc()
}
