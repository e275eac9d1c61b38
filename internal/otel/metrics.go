package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds every instrument the monitor samples on its periodic
// snapshot plus the counters individual components update
// inline as work happens.
type Metrics struct {
	TasksQueued      metric.Int64UpDownCounter
	TasksInFlight    metric.Int64UpDownCounter
	TasksCompleted   metric.Int64Counter
	TasksFailed      metric.Int64Counter
	WorkerDuration   metric.Float64Histogram
	LLMCallDuration  metric.Float64Histogram
	TokensUsed       metric.Int64Counter
	MergesSucceeded  metric.Int64Counter
	MergesConflicted metric.Int64Counter
	MergeQueueDepth  metric.Int64UpDownCounter
	ReplanCount      metric.Int64Counter
	ReconcileRuns    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksQueued, err = meter.Int64UpDownCounter("forgeswarm.tasks.queued",
		metric.WithDescription("Tasks currently waiting in the task queue"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksInFlight, err = meter.Int64UpDownCounter("forgeswarm.tasks.inflight",
		metric.WithDescription("Tasks currently dispatched to a worker"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("forgeswarm.tasks.completed",
		metric.WithDescription("Tasks that completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("forgeswarm.tasks.failed",
		metric.WithDescription("Tasks that ended in failure"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerDuration, err = meter.Float64Histogram("forgeswarm.worker.duration",
		metric.WithDescription("Worker sandbox wall-clock duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("forgeswarm.llm.duration",
		metric.WithDescription("LLM endpoint call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("forgeswarm.llm.tokens",
		metric.WithDescription("Total tokens consumed across all endpoints"),
	)
	if err != nil {
		return nil, err
	}

	m.MergesSucceeded, err = meter.Int64Counter("forgeswarm.merges.succeeded",
		metric.WithDescription("Branches merged into the target repo"),
	)
	if err != nil {
		return nil, err
	}

	m.MergesConflicted, err = meter.Int64Counter("forgeswarm.merges.conflicted",
		metric.WithDescription("Branches that failed to merge due to conflicts"),
	)
	if err != nil {
		return nil, err
	}

	m.MergeQueueDepth, err = meter.Int64UpDownCounter("forgeswarm.mergequeue.depth",
		metric.WithDescription("Branches currently waiting in the merge queue"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplanCount, err = meter.Int64Counter("forgeswarm.planner.replans",
		metric.WithDescription("Times the planner re-planned after accumulating handoffs"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileRuns, err = meter.Int64Counter("forgeswarm.reconciler.runs",
		metric.WithDescription("Reconciler sweep executions"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
