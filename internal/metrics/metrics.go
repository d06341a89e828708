// Package metrics defines the Prometheus metrics of the scraping pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/raysh454/kbcrawl/internal/model"
	"github.com/raysh454/kbcrawl/internal/worker"
)

const Namespace = "kbcrawl"

type Metrics struct {
	ScrapeResultsTotal *prometheus.CounterVec
	SaveFailuresTotal  prometheus.Counter
	ChangePercentage   prometheus.Histogram

	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	RunsInFlight    prometheus.Gauge
	TriggersTotal   *prometheus.CounterVec
	CredentialsUsed *prometheus.CounterVec

	registerer prometheus.Registerer
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		registerer: reg,
		ScrapeResultsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "results_total",
			Help:      "Per-URL scrape results by error kind and content classification",
		}, []string{"error_kind", "classification", "auth_method"}),
		SaveFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "save_failures_total",
			Help:      "Scraped pages that could not be persisted",
		}),
		ChangePercentage: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "change_percentage",
			Help:      "Distribution of content change percentages",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 75, 100},
		}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Finished job runs by outcome",
		}, []string{"outcome", "cancelled"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Wall time of job runs",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~55min
		}),
		RunsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "runs_in_flight",
			Help:      "Job runs currently executing",
		}),
		TriggersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "triggers_total",
			Help:      "Run triggers by source and whether they were coalesced into a running run",
		}, []string{"source", "coalesced"}),
		CredentialsUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "Authenticated fetches by auth method",
		}, []string{"auth_method"}),
	}
}

// RegisterPool exposes live worker pool gauges.
func (m *Metrics) RegisterPool(p *worker.Pool) {
	if m == nil || p == nil {
		return
	}
	factory := promauto.With(m.registerer)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "worker",
		Name:      "pool_size",
		Help:      "Total size of the worker pool",
	}, func() float64 { return float64(p.Size()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "worker",
		Name:      "busy",
		Help:      "Workers currently running a task",
	}, func() float64 { return float64(p.Stats().Busy) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Tasks completed by the worker pool",
	}, func() float64 { return float64(p.Stats().Processed) })
}

// RecordResult counts one per-URL result.
func (m *Metrics) RecordResult(r model.ScrapeResult) {
	if m == nil {
		return
	}
	kind := "none"
	if r.Error != nil {
		kind = string(r.Error.Kind)
	}
	m.ScrapeResultsTotal.WithLabelValues(kind, string(r.ContentClassification), string(r.AuthMethodUsed)).Inc()
	if r.SaveError != "" {
		m.SaveFailuresTotal.Inc()
	}
	if r.ChangePercentage != nil {
		m.ChangePercentage.Observe(*r.ChangePercentage)
	}
	if r.Error == nil && r.AuthMethodUsed != "" && r.AuthMethodUsed != model.AuthNone {
		m.CredentialsUsed.WithLabelValues(string(r.AuthMethodUsed)).Inc()
	}
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsInFlight.Inc()
}

// RunFinished records a finished run and its duration in seconds.
func (m *Metrics) RunFinished(run *model.JobRun, seconds float64) {
	if m == nil {
		return
	}
	m.RunsInFlight.Dec()
	cancelled := "false"
	if run.Cancelled {
		cancelled = "true"
	}
	m.RunsTotal.WithLabelValues(string(run.Outcome), cancelled).Inc()
	m.RunDuration.Observe(seconds)
}

func (m *Metrics) RecordTrigger(source string, coalesced bool) {
	if m == nil {
		return
	}
	c := "false"
	if coalesced {
		c = "true"
	}
	m.TriggersTotal.WithLabelValues(source, c).Inc()
}
