package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink with the Prometheus client library.
// Registration errors are logged, never propagated.
type PrometheusSink struct {
	sweepsTotal      prometheus.Counter
	sweepErrorsTotal prometheus.Counter
	sweepDuration    prometheus.Histogram
	jobsSelected     prometheus.Counter
	jobOutcomes      *prometheus.CounterVec
	staleReclaimed   prometheus.Counter

	stepFailures   *prometheus.CounterVec
	processingWait prometheus.Histogram
	statusChecks   prometheus.Histogram

	jobsScheduled  prometheus.Counter
	notifyOutcomes *prometheus.CounterVec
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSweepMetrics(reg)
	s.initWorkflowMetrics(reg)
	s.initSchedulingMetrics(reg)
	return s
}

func (s *PrometheusSink) initSweepMetrics(reg prometheus.Registerer) {
	s.sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reelsched_sweeps_total",
		Help: "Total number of sweeps started.",
	})
	s.sweepErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reelsched_sweep_errors_total",
		Help: "Total number of sweeps that failed during job selection.",
	})
	s.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reelsched_sweep_duration_seconds",
		Help:    "Wall time of each sweep in seconds.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})
	s.jobsSelected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reelsched_sweep_jobs_selected_total",
		Help: "Total number of due jobs selected by sweeps.",
	})
	s.jobOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reelsched_job_outcomes_total",
		Help: "Total number of job outcomes by result.",
	}, []string{"outcome"})
	s.staleReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reelsched_stale_jobs_reclaimed_total",
		Help: "Total number of interrupted processing jobs marked failed.",
	})

	s.register(reg, s.sweepsTotal, "reelsched_sweeps_total")
	s.register(reg, s.sweepErrorsTotal, "reelsched_sweep_errors_total")
	s.register(reg, s.sweepDuration, "reelsched_sweep_duration_seconds")
	s.register(reg, s.jobsSelected, "reelsched_sweep_jobs_selected_total")
	s.register(reg, s.jobOutcomes, "reelsched_job_outcomes_total")
	s.register(reg, s.staleReclaimed, "reelsched_stale_jobs_reclaimed_total")
}

func (s *PrometheusSink) initWorkflowMetrics(reg prometheus.Registerer) {
	s.stepFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reelsched_workflow_step_failures_total",
		Help: "Total number of publish workflow failures by step.",
	}, []string{"step"})
	s.processingWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reelsched_processing_wait_seconds",
		Help:    "Time spent waiting for remote media processing.",
		Buckets: []float64{3, 15, 30, 60, 120, 300, 600, 1200},
	})
	s.statusChecks = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reelsched_processing_status_checks",
		Help:    "Number of status checks per processing wait.",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 400},
	})

	s.register(reg, s.stepFailures, "reelsched_workflow_step_failures_total")
	s.register(reg, s.processingWait, "reelsched_processing_wait_seconds")
	s.register(reg, s.statusChecks, "reelsched_processing_status_checks")
}

func (s *PrometheusSink) initSchedulingMetrics(reg prometheus.Registerer) {
	s.jobsScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reelsched_jobs_scheduled_total",
		Help: "Total number of jobs created.",
	})
	s.notifyOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reelsched_webhook_outcomes_total",
		Help: "Total number of sweep report webhook deliveries by outcome.",
	}, []string{"outcome"})

	s.register(reg, s.jobsScheduled, "reelsched_jobs_scheduled_total")
	s.register(reg, s.notifyOutcomes, "reelsched_webhook_outcomes_total")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		slog.Warn("metrics: failed to register collector", "name", name, "error", err)
	}
}

func (s *PrometheusSink) SweepStarted() {
	s.sweepsTotal.Inc()
}

func (s *PrometheusSink) SweepCompleted(duration time.Duration, selected int, err error) {
	s.sweepDuration.Observe(duration.Seconds())
	s.jobsSelected.Add(float64(selected))
	if err != nil {
		s.sweepErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) JobOutcome(outcome string) {
	s.jobOutcomes.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) StaleReclaimed(count int) {
	s.staleReclaimed.Add(float64(count))
}

func (s *PrometheusSink) StepFailed(step string) {
	s.stepFailures.WithLabelValues(step).Inc()
}

func (s *PrometheusSink) ProcessingWaitObserved(waited time.Duration, checks int) {
	s.processingWait.Observe(waited.Seconds())
	s.statusChecks.Observe(float64(checks))
}

func (s *PrometheusSink) JobsScheduled(count int) {
	s.jobsScheduled.Add(float64(count))
}

func (s *PrometheusSink) NotifyOutcome(outcome string) {
	s.notifyOutcomes.WithLabelValues(outcome).Inc()
}
