package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Workflow engine metrics
	WorkflowExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_executions_total",
			Help: "Total number of workflow executions",
		},
		[]string{"status"},
	)

	StepExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_step_executions_total",
			Help: "Total number of workflow step executions",
		},
		[]string{"step_type", "status"},
	)

	StepExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_step_execution_duration_seconds",
			Help:    "Workflow step execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"step_type"},
	)

	// Dispatch queue metrics
	DispatchesEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workflow_dispatches_enqueued_total",
			Help: "Total number of dispatches enqueued",
		},
	)

	DispatchesClaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workflow_dispatches_claimed_total",
			Help: "Total number of dispatch claims",
		},
	)

	DispatchesFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_dispatches_finished_total",
			Help: "Total number of dispatches that reached a terminal or retrying state",
		},
		[]string{"status"},
	)

	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workflow_dispatch_queue_depth",
			Help: "Number of dispatches currently pending or retrying",
		},
	)
)
