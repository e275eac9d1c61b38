package bus

// Merge queue event topics.
const (
	TopicMergeResult   = "merge.result"
	TopicMergeConflict = "merge.conflict"
)

// MergeResultEvent is published once per merge attempt, success or
// failure.
type MergeResultEvent struct {
	Branch    string
	Status    string
	Success   bool
	Message   string
	Conflicts []string
}

// MergeConflictEvent is published when a merge detects conflicted
// paths, ahead of the orchestrator shell
// routing it into a planner fix-task injection.
type MergeConflictEvent struct {
	Branch           string
	ConflictingFiles []string
}

// Monitor snapshot topic.
const (
	TopicMonitorSnapshot = "monitor.snapshot"
)

// MonitorSnapshotEvent carries the periodic health/metrics tick.
type MonitorSnapshotEvent struct {
	ActiveWorkers   int
	PendingTasks    int
	TokensUsed      int
	CommitsPerHour  float64
	MergeQueueDepth int
	SuspiciousTasks []string
}

// Reconciler event topics.
const (
	TopicReconcilerSweepComplete = "reconciler.sweep_complete"
	TopicReconcilerFixInjected   = "reconciler.fix_injected"
)

// ReconcilerSweepEvent is published after each oracle sweep.
type ReconcilerSweepEvent struct {
	BuildPassed   bool
	TestsPassed   bool
	FailureGroups int
	FixTasksAdded int
}
