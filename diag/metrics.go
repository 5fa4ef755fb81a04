package diag

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the decompiler's Prometheus instruments.
type Metrics struct {
	Diagnostics *prometheus.CounterVec
	Subroutines *prometheus.CounterVec
	Rounds      prometheus.Histogram
}

// NewMetrics creates the instruments and registers them on reg. A nil
// registerer leaves them unregistered, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Diagnostics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ncsdecomp",
			Name:      "diagnostics_total",
			Help:      "Diagnostics reported, by kind",
		}, []string{"kind"}),
		Subroutines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ncsdecomp",
			Name:      "subroutines_total",
			Help:      "Subroutines structured, by outcome",
		}, []string{"outcome"}),
		Rounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ncsdecomp",
			Name:      "inference_rounds",
			Help:      "Fixpoint rounds needed per program",
			Buckets:   []float64{1, 2, 3, 5, 10, 25, 100, 1000},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Diagnostics, m.Subroutines, m.Rounds)
	}
	return m
}
