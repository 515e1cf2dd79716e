package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Registry holds the pipeline's Prometheus metrics. Every method is safe on
// a nil receiver so components run without metrics in tests.
type Registry struct {
	reg *prometheus.Registry

	StepDuration        *prometheus.HistogramVec
	TasksDispatched     *prometheus.CounterVec
	TasksProcessed      *prometheus.CounterVec
	TaskErrors          *prometheus.CounterVec
	DeadLettered        *prometheus.CounterVec
	HotWrites           *prometheus.CounterVec
	AuditWrites         *prometheus.CounterVec
	ToleranceViolations *prometheus.CounterVec
	QueueDepth          *prometheus.GaugeVec
}

// New creates a registry with the Go and process collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentinel_step_duration_seconds",
				Help:    "Duration of each pipeline step in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"step", "result"},
		),

		TasksDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_tasks_dispatched_total",
				Help: "Prediction tasks enqueued by category",
			},
			[]string{"category"},
		),

		TasksProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_tasks_processed_total",
				Help: "Tasks that produced a decision, by category and action",
			},
			[]string{"category", "action"},
		),

		TaskErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_task_errors_total",
				Help: "Task failures by category and error kind",
			},
			[]string{"category", "kind"},
		),

		DeadLettered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_dead_lettered_total",
				Help: "Messages moved to the dead-letter list",
			},
			[]string{"queue"},
		),

		HotWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_hot_writes_total",
				Help: "Hot store upserts by outcome (applied, stale)",
			},
			[]string{"outcome"},
		),

		AuditWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_audit_writes_total",
				Help: "Audit appends by outcome (inserted, duplicate)",
			},
			[]string{"outcome"},
		),

		ToleranceViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentinel_reconciliation_violations_total",
				Help: "Reconciliation runs whose adjusted values missed the total",
			},
			[]string{"material"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentinel_queue_depth",
				Help: "Waiting messages per queue",
			},
			[]string{"queue"},
		),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.StepDuration,
		r.TasksDispatched,
		r.TasksProcessed,
		r.TaskErrors,
		r.DeadLettered,
		r.HotWrites,
		r.AuditWrites,
		r.ToleranceViolations,
		r.QueueDepth,
	)
	return r
}

// StepTimer tracks execution time for pipeline steps
type StepTimer struct {
	metrics *Registry
	step    string
	start   time.Time
}

// StartStepTimer begins timing a pipeline step
func (r *Registry) StartStepTimer(step string) *StepTimer {
	return &StepTimer{metrics: r, step: step, start: time.Now()}
}

// Stop completes the step timing and records the metric
func (st *StepTimer) Stop(result string) {
	duration := time.Since(st.start)
	if st.metrics != nil {
		st.metrics.StepDuration.WithLabelValues(st.step, result).Observe(duration.Seconds())
	}
	log.Debug().
		Str("step", st.step).
		Str("result", result).
		Dur("duration", duration).
		Msg("Pipeline step completed")
}

func (r *Registry) RecordDispatched(category string, n int) {
	if r == nil {
		return
	}
	r.TasksDispatched.WithLabelValues(category).Add(float64(n))
}

func (r *Registry) RecordProcessed(category, action string) {
	if r == nil {
		return
	}
	r.TasksProcessed.WithLabelValues(category, action).Inc()
}

// RecordTaskError records a task failure
func (r *Registry) RecordTaskError(category, kind string) {
	if r == nil {
		return
	}
	r.TaskErrors.WithLabelValues(category, kind).Inc()
}

func (r *Registry) RecordDeadLetter(queue string) {
	if r == nil {
		return
	}
	r.DeadLettered.WithLabelValues(queue).Inc()
}

func (r *Registry) RecordHotWrite(applied bool) {
	if r == nil {
		return
	}
	outcome := "applied"
	if !applied {
		outcome = "stale"
	}
	r.HotWrites.WithLabelValues(outcome).Inc()
}

func (r *Registry) RecordAuditWrite(inserted bool) {
	if r == nil {
		return
	}
	outcome := "inserted"
	if !inserted {
		outcome = "duplicate"
	}
	r.AuditWrites.WithLabelValues(outcome).Inc()
}

func (r *Registry) RecordToleranceViolation(material string) {
	if r == nil {
		return
	}
	r.ToleranceViolations.WithLabelValues(material).Inc()
}

func (r *Registry) SetQueueDepth(queue string, depth int64) {
	if r == nil {
		return
	}
	r.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Snapshot sums every sentinel counter and gauge across its labels, keyed by
// metric family name.
func (r *Registry) Snapshot() (map[string]float64, error) {
	out := make(map[string]float64)
	if r == nil {
		return out, nil
	}
	families, err := r.reg.Gather()
	if err != nil {
		return nil, err
	}
	for _, mf := range families {
		name := mf.GetName()
		if len(name) < 9 || name[:9] != "sentinel_" {
			continue
		}
		for _, m := range mf.GetMetric() {
			out[name] += metricValue(mf.GetType(), m)
		}
	}
	return out, nil
}

func metricValue(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		return float64(m.GetHistogram().GetSampleCount())
	}
	return 0
}
