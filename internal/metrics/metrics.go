package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Role-task outcome labels.
const (
	OutcomeCreated   = "created"
	OutcomeUpdated   = "updated"
	OutcomeUnchanged = "unchanged"
	OutcomeFailed    = "failed"
)

var (
	// Per-role reconciliation outcomes.
	RoleTaskReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_role_task_reconciled_total",
			Help: "Role tasks reconciled, by role and outcome",
		},
		[]string{"role", "outcome"},
	)

	// Stale role tasks removed by reassignment cleanup.
	RoleTaskDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_role_task_deleted_total",
			Help: "Role tasks deleted because the assignee changed or was removed",
		},
		[]string{"role"},
	)

	// result: changed, unchanged, error
	PropagationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_propagation_runs_total",
			Help: "Project status recomputations by result",
		},
		[]string{"result"},
	)

	PropagationConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskflow_propagation_conflicts_total",
			Help: "Project version conflicts hit while recomputing status",
		},
	)

	GuardDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_guard_denials_total",
			Help: "Board moves refused by the transition guard",
		},
		[]string{"reason"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskflow_operation_duration_seconds",
			Help:    "Engine operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation"},
	)
)

func RecordRoleTask(role, outcome string) {
	RoleTaskReconciled.WithLabelValues(role, outcome).Inc()
}

func RecordPropagation(result string) {
	PropagationRuns.WithLabelValues(result).Inc()
}

func RecordGuardDenial(reason string) {
	GuardDenials.WithLabelValues(reason).Inc()
}

// ObserveSince records the time elapsed since start for operation.
func ObserveSince(operation string, start time.Time) {
	OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
