package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики supervisor.
var (
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stagehand_supervisor_tick_duration_seconds",
		Help:    "Duration of one supervisor tick",
		Buckets: prometheus.DefBuckets,
	})

	// ActiveRuns — сколько runs вернул последний ListActive.
	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stagehand_supervisor_active_runs",
		Help: "Runs returned by the last active-run listing",
	})

	ListFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stagehand_supervisor_list_failures_total",
		Help: "Failed attempts to list active runs",
	})

	// Transitions — применённые переходы по типу эффекта.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagehand_supervisor_transitions_total",
		Help: "Applied run state transitions by effect",
	}, []string{"effect"})

	CASConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stagehand_supervisor_cas_conflicts_total",
		Help: "Decisions discarded because the run version changed",
	})

	StatusErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stagehand_supervisor_status_errors_total",
		Help: "Job status calls that failed or timed out",
	})

	InactivityAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stagehand_supervisor_inactivity_alerts_total",
		Help: "Times no new run was picked up within the inactivity window",
	})
)

// Метрики job driver.
var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagehand_jobs_submitted_total",
		Help: "Jobs created in the orchestrator by stage",
	}, []string{"stage"})

	// SubmitErrors — kind: "transient" или "permanent".
	SubmitErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagehand_job_submit_errors_total",
		Help: "Failed job submissions by kind",
	}, []string{"kind"})

	CleanupErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stagehand_job_cleanup_errors_total",
		Help: "Best-effort job deletions that failed",
	})
)

// Метрики уведомлений.
var Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stagehand_notifications_total",
	Help: "Run completion notifications by sink and result",
}, []string{"sink", "result"})

// HTTPRequests — запросы к API по маршруту и коду ответа.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stagehand_api_http_requests_total",
	Help: "HTTP requests handled by the API",
}, []string{"method", "code"})

// ScheduleFires — срабатывания расписаний. outcome: created, existing, skipped.
var ScheduleFires = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stagehand_scheduler_fires_total",
	Help: "Schedule firings by outcome",
}, []string{"outcome"})
