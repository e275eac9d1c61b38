// Package monitor samples orchestrator health on a periodic tick (spec
// §4.6): active workers, pending tasks, completion/failure counters,
// accumulated token usage, merge rates, commits/hour, and stuck-worker
// detection. It pushes a MetricsSnapshot to registered callbacks every
// tick and exposes ad-hoc recorders the planner and merge queue call
// inline as work happens.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/forgeswarm/orchestrator/internal/bus"
	"github.com/forgeswarm/orchestrator/internal/limiter"
	otelx "github.com/forgeswarm/orchestrator/internal/otel"
	"github.com/forgeswarm/orchestrator/internal/taskqueue"
)

// Snapshot is the periodic health/metrics tick pushed to callbacks.
type Snapshot struct {
	ActiveWorkers          int
	PendingTasks           int
	CompletedSinceLastTick int
	FailedSinceLastTick    int
	CompletedTotal         int
	FailedTotal            int
	TokensUsed             int
	MergeAttempts          int
	MergeSuccesses         int
	MergeFailures          int
	EmptyDiffEvents        int
	SuspiciousTasks        []string
	CommitsPerHour         float64
	StuckWorkers           []string
	Elapsed                time.Duration
}

// SnapshotFunc receives one Snapshot per tick.
type SnapshotFunc func(Snapshot)

// Config wires a Monitor's dependencies.
type Config struct {
	Tick          time.Duration // default 1s
	Limiter       *limiter.Limiter
	Queue         *taskqueue.Queue
	Metrics       *otelx.Metrics
	Bus           *bus.Bus
	Logger        *slog.Logger
	WorkerTimeout time.Duration // used for stuck-worker detection
	GourceLogPath string        // optional; see ExportGourceLog
}

// Monitor periodically samples orchestrator-wide counters.
type Monitor struct {
	cfg      Config
	logger   *slog.Logger
	start    time.Time
	lastTick time.Time

	mu              sync.Mutex
	dispatchStarted map[string]time.Time
	tokensUsed      int
	mergeAttempts   int
	mergeSuccesses  int
	mergeFailures   int
	emptyDiffs      int
	suspicious      []string
	completedTotal  int
	failedTotal     int
	completedTick   int
	failedTick      int
	commitsInWindow []time.Time

	callbacks []SnapshotFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Monitor. Call Start to begin the periodic tick.
func New(cfg Config) *Monitor {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	return &Monitor{
		cfg:             cfg,
		logger:          logger,
		start:           now,
		lastTick:        now,
		dispatchStarted: make(map[string]time.Time),
	}
}

// OnSnapshot registers a callback invoked once per tick.
func (m *Monitor) OnSnapshot(fn SnapshotFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Start begins the periodic tick loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop cancels the tick loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// RecordDispatchStart notes that taskID's worker began running, for
// stuck-worker detection against WorkerTimeout.
func (m *Monitor) RecordDispatchStart(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatchStarted[taskID] = time.Now()
}

// RecordDispatchEnd clears taskID's in-flight bookkeeping once its
// handoff has been collected.
func (m *Monitor) RecordDispatchEnd(taskID string, handoffStatus taskqueue.HandoffStatus) {
	m.mu.Lock()
	delete(m.dispatchStarted, taskID)
	if handoffStatus == taskqueue.HandoffComplete {
		m.completedTotal++
		m.completedTick++
	} else if handoffStatus == taskqueue.HandoffFailed {
		m.failedTotal++
		m.failedTick++
	}
	m.mu.Unlock()
}

// RecordTokenUsage adds n tokens to the cumulative total.
func (m *Monitor) RecordTokenUsage(n int) {
	m.mu.Lock()
	m.tokensUsed += n
	m.mu.Unlock()
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.TokensUsed.Add(context.Background(), int64(n))
	}
}

// RecordMergeAttempt records one merge attempt's outcome and, on
// success, marks a commit for the commits/hour derivation.
func (m *Monitor) RecordMergeAttempt(success bool) {
	m.mu.Lock()
	m.mergeAttempts++
	if success {
		m.mergeSuccesses++
		m.commitsInWindow = append(m.commitsInWindow, time.Now())
	} else {
		m.mergeFailures++
	}
	m.mu.Unlock()

	if m.cfg.Metrics == nil {
		return
	}
	ctx := context.Background()
	if success {
		m.cfg.Metrics.MergesSucceeded.Add(ctx, 1)
	} else {
		m.cfg.Metrics.MergesConflicted.Add(ctx, 1)
	}
}

// RecordEmptyDiff counts a handoff whose diff was empty despite a
// non-failed status, surfaced in the snapshot for operator visibility.
func (m *Monitor) RecordEmptyDiff() {
	m.mu.Lock()
	m.emptyDiffs++
	m.mu.Unlock()
}

// RecordSuspiciousTask flags a task whose handoff reported zero tokens
// and zero tool calls. Purely observational: the planner still honors
// the sandbox's status verbatim and never downgrades it based on this
// signal.
func (m *Monitor) RecordSuspiciousTask(taskID string) {
	m.mu.Lock()
	m.suspicious = append(m.suspicious, taskID)
	m.mu.Unlock()
}

func (m *Monitor) tick() {
	now := time.Now()
	m.mu.Lock()
	elapsed := now.Sub(m.lastTick)
	m.lastTick = now

	var stuck []string
	if m.cfg.WorkerTimeout > 0 {
		for id, started := range m.dispatchStarted {
			if now.Sub(started) > m.cfg.WorkerTimeout {
				stuck = append(stuck, id)
			}
		}
	}

	cutoff := now.Add(-time.Hour)
	kept := m.commitsInWindow[:0]
	for _, t := range m.commitsInWindow {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.commitsInWindow = kept
	commitsPerHour := float64(len(kept))
	if sinceStart := now.Sub(m.start); sinceStart < time.Hour && sinceStart > 0 {
		commitsPerHour = float64(len(kept)) / sinceStart.Hours()
	}

	snap := Snapshot{
		ActiveWorkers:          0,
		CompletedSinceLastTick: m.completedTick,
		FailedSinceLastTick:    m.failedTick,
		CompletedTotal:         m.completedTotal,
		FailedTotal:            m.failedTotal,
		TokensUsed:             m.tokensUsed,
		MergeAttempts:          m.mergeAttempts,
		MergeSuccesses:         m.mergeSuccesses,
		MergeFailures:          m.mergeFailures,
		EmptyDiffEvents:        m.emptyDiffs,
		SuspiciousTasks:        append([]string{}, m.suspicious...),
		CommitsPerHour:         commitsPerHour,
		StuckWorkers:           stuck,
		Elapsed:                elapsed,
	}
	m.completedTick, m.failedTick = 0, 0
	m.mu.Unlock()

	if m.cfg.Limiter != nil {
		snap.ActiveWorkers = m.cfg.Limiter.InFlight()
	}
	if m.cfg.Queue != nil {
		snap.PendingTasks = m.cfg.Queue.PendingCount()
	}

	for _, id := range stuck {
		m.logger.Warn("monitor: worker appears stuck", "taskId", id, "timeout", m.cfg.WorkerTimeout)
	}

	m.mu.Lock()
	callbacks := append([]SnapshotFunc{}, m.callbacks...)
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(snap)
	}

	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(bus.TopicMonitorSnapshot, bus.MonitorSnapshotEvent{
			ActiveWorkers:   snap.ActiveWorkers,
			PendingTasks:    snap.PendingTasks,
			TokensUsed:      snap.TokensUsed,
			CommitsPerHour:  snap.CommitsPerHour,
			MergeQueueDepth: snap.MergeAttempts - snap.MergeSuccesses - snap.MergeFailures,
			SuspiciousTasks: snap.SuspiciousTasks,
		})
	}
}

// gourceMergeColor is the hex color (no leading #) Gource renders
// merge events in.
const gourceMergeColor = "AA00FF"

// ExportGourceLog appends one line per successful merge in Gource's
// custom log format, timestamp|user|action|path|color, so the merge
// stream can be replayed as a commit-graph visualization. The monitor
// only sees merges, not per-task worker activity, so every line
// carries the Orchestrator user, the A (add) action, and the branch
// placed under swarm/merges/. A no-op if GourceLogPath is unset.
func (m *Monitor) ExportGourceLog(branch string) error {
	if m.cfg.GourceLogPath == "" {
		return nil
	}
	f, err := os.OpenFile(m.cfg.GourceLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("monitor: open gource log: %w", err)
	}
	defer f.Close()
	path := "swarm/merges/" + strings.ReplaceAll(branch, "|", "")
	line := fmt.Sprintf("%d|Orchestrator|A|%s|%s\n", time.Now().Unix(), path, gourceMergeColor)
	_, err = f.WriteString(line)
	return err
}
