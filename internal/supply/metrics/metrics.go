package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for mint allocation and the supply read model.
type Metrics struct {
	Mints              *prometheus.CounterVec
	SupplyExhausted    prometheus.Counter
	AllocationDuration prometheus.Histogram
	CacheLookups       *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Mints: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardvault_mints_total",
			Help: "Card instances minted, by rarity",
		}, []string{"rarity"}),
		SupplyExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "cardvault_supply_exhausted_total",
			Help: "Allocation attempts rejected because the rarity cap was reached",
		}),
		AllocationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cardvault_allocation_duration_seconds",
			Help:    "Duration of AllocateInstance operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cardvault_supply_cache_lookups_total",
			Help: "Remaining-supply cache lookups, by result (hit, miss, error)",
		}, []string{"result"}),
	}
}

// IncrementMinted records a successful mint.
func (m *Metrics) IncrementMinted(rarity string) {
	m.Mints.WithLabelValues(rarity).Inc()
}

func (m *Metrics) IncrementExhausted() {
	m.SupplyExhausted.Inc()
}

// ObserveAllocation records the duration of an allocation.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveAllocation(start time.Time) {
	m.AllocationDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementCacheLookup(result string) {
	m.CacheLookups.WithLabelValues(result).Inc()
}
