// Package metrics exposes the Prometheus instrumentation for the
// conversion pipeline. All methods are nil-receiver safe so wiring
// metrics stays optional for tools and tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Pipeline step labels.
const (
	StepStage   = "stage"
	StepDigest  = "digest"
	StepConvert = "convert"
	StepQA      = "qa"
	StepPublish = "publish"
)

// Step and job result labels.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Registry holds every tourforge metric plus the prometheus registry they
// live in, so independent instances never collide on registration.
type Registry struct {
	reg *prometheus.Registry

	JobsTotal    *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	StepDuration *prometheus.HistogramVec

	QueueDepth      *prometheus.GaugeVec
	ActiveJobs      prometheus.Gauge
	RejectionsTotal *prometheus.CounterVec
	BreakerState    prometheus.Gauge

	QAScore           prometheus.Histogram
	QAFrames          *prometheus.CounterVec
	ConverterRuns     *prometheus.CounterVec
	ProvenanceRecords *prometheus.CounterVec
	ProvenanceDropped prometheus.Gauge
}

func NewRegistry() *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),

		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tourforge_jobs_total",
				Help: "Conversion jobs finished, labelled by outcome kind",
			},
			[]string{"outcome"},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tourforge_job_duration_seconds",
				Help:    "Wall time of one conversion job",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"result"},
		),

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tourforge_step_duration_seconds",
				Help:    "Duration of each pipeline step in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60, 300},
			},
			[]string{"step", "result"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tourforge_queue_depth",
				Help: "Jobs currently held by the queue, labelled by state",
			},
			[]string{"state"},
		),

		ActiveJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tourforge_active_jobs",
				Help: "Jobs currently executing in the worker pool",
			},
		),

		RejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tourforge_rejections_total",
				Help: "Submissions refused by backpressure, labelled by reason",
			},
			[]string{"reason"},
		),

		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tourforge_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
		),

		QAScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tourforge_qa_score",
				Help:    "Aggregate SSIM score of completed QA runs",
				Buckets: []float64{0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 0.98, 0.99, 1.0},
			},
		),

		QAFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tourforge_qa_frames_total",
				Help: "QA frame comparisons, labelled by verdict",
			},
			[]string{"result"},
		),

		ConverterRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tourforge_converter_runs_total",
				Help: "Converter invocations by binary mode and result",
			},
			[]string{"mode", "result"},
		),

		ProvenanceRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tourforge_provenance_records_total",
				Help: "Provenance emissions by record type and result",
			},
			[]string{"type", "result"},
		),

		ProvenanceDropped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tourforge_provenance_dropped_total",
				Help: "Provenance records dropped because the sink was unavailable",
			},
		),
	}

	m.reg.MustRegister(
		m.JobsTotal,
		m.JobDuration,
		m.StepDuration,
		m.QueueDepth,
		m.ActiveJobs,
		m.RejectionsTotal,
		m.BreakerState,
		m.QAScore,
		m.QAFrames,
		m.ConverterRuns,
		m.ProvenanceRecords,
		m.ProvenanceDropped,
	)
	return m
}

// Handler serves this registry for Prometheus scrapes.
func (m *Registry) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// StepTimer tracks one pipeline step.
type StepTimer struct {
	metrics *Registry
	step    string
	start   time.Time
}

// StartStepTimer begins timing a pipeline step.
func (m *Registry) StartStepTimer(step string) *StepTimer {
	if m == nil {
		return nil
	}
	return &StepTimer{metrics: m, step: step, start: time.Now()}
}

// Stop completes the timing and records the observation.
func (st *StepTimer) Stop(result string) {
	if st == nil {
		return
	}
	d := time.Since(st.start)
	st.metrics.StepDuration.WithLabelValues(st.step, result).Observe(d.Seconds())
	log.Debug().
		Str("step", st.step).
		Str("result", result).
		Dur("duration", d).
		Msg("pipeline step finished")
}

// RecordJob counts one finished job and its wall time. outcome is
// ResultSuccess or the failure code.
func (m *Registry) RecordJob(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(outcome).Inc()
	result := ResultSuccess
	if outcome != ResultSuccess {
		result = ResultError
	}
	m.JobDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

// RecordRejection counts one backpressure refusal.
func (m *Registry) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

// SuccessRatio reads the jobs counter back and returns successes over
// total finished jobs, or 1.0 before any job has run. Failed jobs are
// counted under their failure code, so everything except ResultSuccess
// is a failure.
func (m *Registry) SuccessRatio() float64 {
	if m == nil {
		return 1.0
	}
	families, err := m.reg.Gather()
	if err != nil {
		return 1.0
	}
	var success, total float64
	for _, fam := range families {
		if fam.GetName() != "tourforge_jobs_total" {
			continue
		}
		for _, metric := range fam.GetMetric() {
			v := metric.GetCounter().GetValue()
			total += v
			if outcomeLabel(metric) == ResultSuccess {
				success += v
			}
		}
	}
	if total == 0 {
		return 1.0
	}
	return success / total
}

func outcomeLabel(metric *io_prometheus_client.Metric) string {
	for _, lp := range metric.GetLabel() {
		if lp.GetName() == "outcome" {
			return lp.GetValue()
		}
	}
	return ""
}

// SetQueueDepth publishes the queue counters.
func (m *Registry) SetQueueDepth(waiting, active, delayed int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues("waiting").Set(float64(waiting))
	m.QueueDepth.WithLabelValues("active").Set(float64(active))
	m.QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
}

// SetBreakerState publishes the circuit state as a gauge level.
func (m *Registry) SetBreakerState(state string) {
	if m == nil {
		return
	}
	m.BreakerState.Set(breakerLevel(state))
}

func breakerLevel(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half_open":
		return 1
	case "open":
		return 2
	}
	return -1
}

// ObserveQAScore records the aggregate score of one QA run.
func (m *Registry) ObserveQAScore(score float64) {
	if m == nil {
		return
	}
	m.QAScore.Observe(score)
}

// ObserveQAFrames adds one run's per-frame verdicts to the frame counters.
func (m *Registry) ObserveQAFrames(passed, rendered int) {
	if m == nil {
		return
	}
	m.QAFrames.WithLabelValues("pass").Add(float64(passed))
	if rendered > passed {
		m.QAFrames.WithLabelValues("fail").Add(float64(rendered - passed))
	}
}

// RecordConverterRun counts one converter invocation.
func (m *Registry) RecordConverterRun(mode, result string) {
	if m == nil {
		return
	}
	if mode == "" {
		mode = "unknown"
	}
	m.ConverterRuns.WithLabelValues(mode, result).Inc()
}

// RecordProvenance counts one ledger emission by record type.
func (m *Registry) RecordProvenance(recType string, emitted bool) {
	if m == nil {
		return
	}
	result := "emitted"
	if !emitted {
		result = "dropped"
	}
	m.ProvenanceRecords.WithLabelValues(recType, result).Inc()
}

// SetProvenanceDropped mirrors the ledger's dropped-record counter.
func (m *Registry) SetProvenanceDropped(n uint64) {
	if m == nil {
		return
	}
	m.ProvenanceDropped.Set(float64(n))
}

// JobStarted and JobFinished bracket the active-jobs gauge.
func (m *Registry) JobStarted() {
	if m == nil {
		return
	}
	m.ActiveJobs.Inc()
}

func (m *Registry) JobFinished() {
	if m == nil {
		return
	}
	m.ActiveJobs.Dec()
}
