// Package telemetry holds the Prometheus metrics and the endpoint that
// serves them.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Coordinator ─────────────────────────────────────────────────────────────

	TasksDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tacx",
		Subsystem: "coordinator",
		Name:      "tasks_discovered_total",
		Help:      "Issues added to the queue by polling.",
	})

	TasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tacx",
		Subsystem: "coordinator",
		Name:      "tasks_claimed_total",
		Help:      "Pending tasks claimed for a worker.",
	})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tacx",
		Subsystem: "coordinator",
		Name:      "tasks_finished_total",
		Help:      "Worker runs reconciled, labelled by outcome (completed, blocked, requeued, failed).",
	}, []string{"outcome"})

	TaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tacx",
		Subsystem: "coordinator",
		Name:      "task_failures_total",
		Help:      "Recorded task failures by failure kind.",
	}, []string{"kind"})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tacx",
		Subsystem: "coordinator",
		Name:      "active_workers",
		Help:      "Tasks currently holding a worker slot.",
	})

	PendingTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tacx",
		Subsystem: "coordinator",
		Name:      "pending_tasks",
		Help:      "Tasks waiting for a slot or for their backoff to elapse.",
	})

	WorkerRunSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tacx",
		Subsystem: "coordinator",
		Name:      "worker_run_seconds",
		Help:      "Wall-clock time from spawn to observed exit.",
		Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
	})

	WorkerTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tacx",
		Subsystem: "coordinator",
		Name:      "worker_tokens_total",
		Help:      "Tokens reported in worker logs, by direction (input, output).",
	}, []string{"direction"})

	WorkerCostUSD = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tacx",
		Subsystem: "coordinator",
		Name:      "worker_cost_usd_total",
		Help:      "Cost reported in worker logs.",
	})

	// ─── Agent ───────────────────────────────────────────────────────────────────

	AgentInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tacx",
		Subsystem: "agent",
		Name:      "invocations_total",
		Help:      "Agent CLI invocations by provider and outcome (ok, error).",
	}, []string{"provider", "outcome"})
)
