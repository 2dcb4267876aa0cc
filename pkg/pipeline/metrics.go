package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports worker pool counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	jobs     *prometheus.CounterVec
	stages   *prometheus.HistogramVec
	inFlight prometheus.Gauge
	queued   prometheus.GaugeFunc
}

// NewMetrics registers the pool collectors on reg. depth, if set, reports the
// number of live jobs.
func NewMetrics(reg prometheus.Registerer, depth func() int) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orderflow",
			Name:      "jobs_total",
			Help:      "Jobs finished by the worker pool, by outcome.",
		}, []string{"outcome"}),
		stages: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orderflow",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"stage"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "orderflow",
			Name:      "jobs_in_flight",
			Help:      "Jobs currently being processed.",
		}),
	}
	if depth != nil {
		m.queued = f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "orderflow",
			Name:      "jobs_live",
			Help:      "Live jobs in the queue, including delayed and in-flight ones.",
		}, func() float64 { return float64(depth()) })
	}
	return m
}

func (m *Metrics) outcome(name string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(name).Inc()
}

func (m *Metrics) observeStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) trackInFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}
