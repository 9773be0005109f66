package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// JobMetrics contains job-queue-related Prometheus metrics
type JobMetrics struct {
	ProcessedTotal *prometheus.CounterVec
	Duration       *prometheus.HistogramVec
	DeadLettered   *prometheus.CounterVec
}

// SyncMetrics contains Sync-agent Prometheus metrics
type SyncMetrics struct {
	PropagationsTotal *prometheus.CounterVec
	TargetPushes      *prometheus.CounterVec
	Duration          prometheus.Histogram
}

// GuardianMetrics contains Guardian-agent Prometheus metrics
type GuardianMetrics struct {
	SweepsTotal     prometheus.Counter
	DriftDetected   *prometheus.CounterVec
	AutoRepaired    prometheus.Counter
	SweepDuration   prometheus.Histogram
}

// AlertMetrics contains Alert-agent Prometheus metrics
type AlertMetrics struct {
	Raised       *prometheus.CounterVec
	Deduplicated *prometheus.CounterVec
}

// OrchestratorMetrics contains Tenant Orchestrator Prometheus metrics
type OrchestratorMetrics struct {
	ActiveWorkers prometheus.Gauge
	Restarts      *prometheus.CounterVec
	Crashes       prometheus.Counter
}

// NewJobMetrics creates job-queue metrics for a tenant worker
func NewJobMetrics(serviceName string) *JobMetrics {
	return &JobMetrics{
		ProcessedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_jobs_processed_total",
				Help: "Total number of jobs processed, by queue and outcome",
			},
			[]string{"queue", "outcome"},
		),
		Duration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_job_duration_seconds",
				Help:    "Job processing duration in seconds, by queue",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		DeadLettered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_jobs_dead_lettered_total",
				Help: "Total number of jobs moved to the dead-letter state",
			},
			[]string{"queue"},
		),
	}
}

// NewSyncMetrics creates Sync-agent metrics for a tenant worker
func NewSyncMetrics(serviceName string) *SyncMetrics {
	return &SyncMetrics{
		PropagationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_propagations_total",
				Help: "Total number of stock propagation attempts, by outcome",
			},
			[]string{"outcome"},
		),
		TargetPushes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_target_pushes_total",
				Help: "Total number of per-target provider pushes, by channel type and outcome",
			},
			[]string{"channel_type", "outcome"},
		),
		Duration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    serviceName + "_propagation_duration_seconds",
				Help:    "End-to-end propagation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// NewGuardianMetrics creates Guardian-agent metrics for a tenant worker
func NewGuardianMetrics(serviceName string) *GuardianMetrics {
	return &GuardianMetrics{
		SweepsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_reconcile_sweeps_total",
				Help: "Total number of reconciliation sweeps run",
			},
		),
		DriftDetected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_drift_detected_total",
				Help: "Total number of drift detections, by severity",
			},
			[]string{"severity"},
		),
		AutoRepaired: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_drift_auto_repaired_total",
				Help: "Total number of auto-repaired low-severity drifts",
			},
		),
		SweepDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    serviceName + "_reconcile_sweep_duration_seconds",
				Help:    "Reconciliation sweep duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// NewAlertMetrics creates Alert-agent metrics for a tenant worker
func NewAlertMetrics(serviceName string) *AlertMetrics {
	return &AlertMetrics{
		Raised: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_alerts_raised_total",
				Help: "Total number of alerts raised, by type",
			},
			[]string{"type"},
		),
		Deduplicated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_alerts_deduplicated_total",
				Help: "Total number of alert conditions suppressed by de-duplication",
			},
			[]string{"type"},
		),
	}
}

// NewOrchestratorMetrics creates Tenant Orchestrator metrics for a process
func NewOrchestratorMetrics(serviceName string) *OrchestratorMetrics {
	return &OrchestratorMetrics{
		ActiveWorkers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: serviceName + "_active_tenant_workers",
				Help: "Number of currently running tenant worker goroutine trees",
			},
		),
		Restarts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_tenant_worker_restarts_total",
				Help: "Total number of tenant worker restarts, by tenant",
			},
			[]string{"tenant_id"},
		),
		Crashes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: serviceName + "_tenant_worker_crashes_total",
				Help: "Total number of tenant worker crashes detected by missed heartbeats or panics",
			},
		),
	}
}

// RecordJob records one job-queue processing outcome
func (m *JobMetrics) RecordJob(queue, outcome string, duration time.Duration) {
	m.ProcessedTotal.WithLabelValues(queue, outcome).Inc()
	m.Duration.WithLabelValues(queue).Observe(duration.Seconds())
}
