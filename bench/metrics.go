package bench

import (
	"math"
	"net/http"

	"github.com/nasa-jpl/gearprecision/precision"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gearbench"

type metrics struct {
	reg *prometheus.Registry

	active     prometheus.Gauge
	planned    prometheus.Gauge
	settled    prometheus.Counter
	skipped    prometheus.Counter
	cumulative prometheus.Gauge
	stepError  prometheus.Histogram
}

func newMetrics(b *Bench) *metrics {
	m := &metrics{
		reg: prometheus.NewRegistry(),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_active",
			Help:      "1 while a precision run is in progress.",
		}),
		planned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_planned_positions",
			Help:      "Number of positions in the current or last run.",
		}),
		settled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_settled_total",
			Help:      "Positions that settled and were recorded.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "positions_skipped_total",
			Help:      "Positions skipped after a command or settle failure.",
		}),
		cumulative: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cumulative_error_degrees",
			Help:      "Cumulative error of the most recent settled position.",
		}),
		stepError: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_error_abs_degrees",
			Help:      "Absolute step error of settled positions.",
			Buckets:   []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.5},
		}),
	}
	angle := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "encoder_angle_degrees",
		Help:      "Live encoder angle, NaN when unavailable.",
	}, func() float64 {
		a, err := b.Angle()
		if err != nil {
			return math.NaN()
		}
		return a
	})
	m.reg.MustRegister(m.active, m.planned, m.settled, m.skipped, m.cumulative, m.stepError, angle)
	return m
}

func (m *metrics) runStarted(planned int) {
	m.active.Set(1)
	m.planned.Set(float64(planned))
}

func (m *metrics) runFinished() {
	m.active.Set(0)
}

func (m *metrics) observe(ev precision.Event) {
	if !ev.Settled {
		m.skipped.Inc()
		return
	}
	m.settled.Inc()
	m.cumulative.Set(ev.CumulativeError)
	if ev.Count > 1 {
		m.stepError.Observe(math.Abs(ev.StepError))
	}
}

// Metrics serves the bench's Prometheus metrics
func (b *Bench) Metrics() http.Handler {
	return promhttp.HandlerFor(b.metrics.reg, promhttp.HandlerOpts{})
}
