// Package mergequeue is the background FIFO consumer that applies
// worker branches to the mainline, via internal/gitrepo and always
// under internal/gitmutex.
package mergequeue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/forgeswarm/orchestrator/internal/audit"
	"github.com/forgeswarm/orchestrator/internal/bus"
	"github.com/forgeswarm/orchestrator/internal/gitmutex"
	"github.com/forgeswarm/orchestrator/internal/gitrepo"
	"github.com/forgeswarm/orchestrator/internal/persistence"
)

// Config wires a Queue's dependencies.
type Config struct {
	Store      *persistence.Store
	Mutex      *gitmutex.Mutex
	Repo       *gitrepo.Repo
	Strategy   gitrepo.MergeStrategy
	MainBranch string // branch merged into; defaults to "main"
	Bus        *bus.Bus
	Logger     *slog.Logger
}

// Queue consumes enqueued branches in FIFO order, serialized by the
// git mutex against every other local git operation in the process.
type Queue struct {
	store      *persistence.Store
	mutex      *gitmutex.Mutex
	repo       *gitrepo.Repo
	strategy   gitrepo.MergeStrategy
	mainBranch string
	bus        *bus.Bus
	logger     *slog.Logger

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Queue. Call Start to begin consuming.
func New(cfg Config) *Queue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mainBranch := cfg.MainBranch
	if mainBranch == "" {
		mainBranch = "main"
	}
	return &Queue{
		store:      cfg.Store,
		mutex:      cfg.Mutex,
		repo:       cfg.Repo,
		strategy:   cfg.Strategy,
		mainBranch: mainBranch,
		bus:        cfg.Bus,
		logger:     logger,
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue durably records branch as pending and wakes the consumer.
// Safe to call from any goroutine (the planner, on a completed
// Handoff; the orchestrator shell, on a conflict-fix re-merge).
func (q *Queue) Enqueue(ctx context.Context, branch, taskID string) error {
	if err := q.store.EnqueueMergeBranch(ctx, branch, taskID); err != nil {
		return fmt.Errorf("mergequeue: enqueue %s: %w", branch, err)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start begins the consumer loop, first draining whatever backlog was
// persisted from a prior run.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.loop(ctx)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stop cancels the consumer loop and waits for the in-flight merge, if
// any, to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) loop(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
			q.drain(ctx)
		}
	}
}

// drain processes the persisted backlog FIFO until empty or cancelled.
func (q *Queue) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		pending, err := q.store.PendingMergeBranches(ctx)
		if err != nil {
			q.logger.Error("mergequeue: list pending branches", "error", err)
			return
		}
		if len(pending) == 0 {
			return
		}
		head := pending[0]
		q.processOne(ctx, head.Branch, head.TaskID)
	}
}

// isTimedOut reports whether branch was recorded as timed out by the
// worker pool, in which case the merge queue skips it without
// attempting a merge.
func (q *Queue) isTimedOut(ctx context.Context, branch string) bool {
	timedOut, err := q.store.ListTimedOutBranches(ctx)
	if err != nil {
		q.logger.Error("mergequeue: list timed out branches", "error", err)
		return false
	}
	for _, b := range timedOut {
		if b.Branch == branch {
			return true
		}
	}
	return false
}

func (q *Queue) processOne(ctx context.Context, branch, taskID string) {
	if q.isTimedOut(ctx, branch) {
		q.logger.Info("mergequeue: skipping timed-out branch", "branch", branch, "taskId", taskID)
		if dqErr := q.store.DequeueMergeBranch(ctx, branch); dqErr != nil {
			q.logger.Error("mergequeue: dequeue timed-out branch", "branch", branch, "error", dqErr)
		}
		audit.Record("merge", branch, taskID, "failed", "skipped: branch timed out")
		if q.bus != nil {
			q.bus.Publish(bus.TopicMergeResult, bus.MergeResultEvent{
				Branch: branch, Status: string(q.strategy), Success: false, Message: "skipped: branch timed out",
			})
		}
		return
	}

	result, err := q.merge(ctx, branch)
	if err != nil {
		q.logger.Error("mergequeue: merge failed", "branch", branch, "taskId", taskID, "error", err)
	}
	if dqErr := q.store.DequeueMergeBranch(ctx, branch); dqErr != nil {
		q.logger.Error("mergequeue: dequeue branch", "branch", branch, "error", dqErr)
	}

	outcome := "succeeded"
	if !result.Success {
		outcome = "failed"
	}
	audit.Record("merge", branch, taskID, outcome, result.Message)

	if q.bus != nil {
		q.bus.Publish(bus.TopicMergeResult, bus.MergeResultEvent{
			Branch:    branch,
			Status:    string(q.strategy),
			Success:   result.Success,
			Message:   result.Message,
			Conflicts: result.Conflicts,
		})
		if len(result.Conflicts) > 0 {
			q.bus.Publish(bus.TopicMergeConflict, bus.MergeConflictEvent{
				Branch:           branch,
				ConflictingFiles: result.Conflicts,
			})
		}
	}
}

// mergeResult is the internal outcome of one merge attempt.
type mergeResult struct {
	Success   bool
	Message   string
	Conflicts []string
}

// merge fetches and applies branch under the git mutex, reporting
// conflicts rather than attempting resolution.
func (q *Queue) merge(ctx context.Context, branch string) (mergeResult, error) {
	var result mergeResult
	err := gitmutex.WithLock(ctx, q.mutex, func() error {
		if err := q.repo.Fetch(ctx, branch); err != nil {
			result = mergeResult{Message: fmt.Sprintf("fetch failed: %v", err)}
			return nil
		}
		if err := q.repo.Checkout(ctx, q.mainBranch); err != nil {
			result = mergeResult{Message: fmt.Sprintf("checkout %s failed: %v", q.mainBranch, err)}
			return nil
		}
		if q.strategy == gitrepo.MergeRebase {
			result = q.applyRebase(ctx)
			return nil
		}
		if err := q.repo.Merge(ctx, q.strategy); err != nil {
			status, statusErr := q.repo.Status(ctx)
			if statusErr == nil {
				if conflicts := gitrepo.ConflictedFiles(status); len(conflicts) > 0 {
					result = mergeResult{Message: "merge conflict", Conflicts: conflicts}
					_ = q.repo.AbortMerge(ctx)
					return nil
				}
			}
			result = mergeResult{Message: fmt.Sprintf("merge failed: %v", err)}
			_ = q.repo.AbortMerge(ctx)
			return nil
		}
		result = mergeResult{Success: true, Message: "merged"}
		return nil
	})
	return result, err
}

// rebaseTempBranch is where the fetched commits are replayed before
// the mainline fast-forwards to them. Deleted after every attempt;
// CheckoutNewBranch resets a stale one if a crash left it behind.
const rebaseTempBranch = "mergequeue/rebase"

// applyRebase replays the fetched branch's commits on top of the
// mainline tip: temporary branch at FETCH_HEAD, rebase onto the
// mainline, fast-forward the mainline to the result. The caller has
// already checked out the mainline and holds the git mutex.
func (q *Queue) applyRebase(ctx context.Context) mergeResult {
	if err := q.repo.CheckoutNewBranch(ctx, rebaseTempBranch, "FETCH_HEAD"); err != nil {
		return mergeResult{Message: fmt.Sprintf("rebase setup failed: %v", err)}
	}
	if err := q.repo.Rebase(ctx, q.mainBranch); err != nil {
		var conflicts []string
		if status, statusErr := q.repo.Status(ctx); statusErr == nil {
			conflicts = gitrepo.ConflictedFiles(status)
		}
		_ = q.repo.AbortRebase(ctx)
		q.dropTempBranch(ctx)
		if len(conflicts) > 0 {
			return mergeResult{Message: "merge conflict", Conflicts: conflicts}
		}
		return mergeResult{Message: fmt.Sprintf("rebase failed: %v", err)}
	}
	if err := q.repo.Checkout(ctx, q.mainBranch); err != nil {
		q.dropTempBranch(ctx)
		return mergeResult{Message: fmt.Sprintf("checkout %s failed: %v", q.mainBranch, err)}
	}
	if err := q.repo.FastForwardTo(ctx, rebaseTempBranch); err != nil {
		_ = q.repo.DeleteBranch(ctx, rebaseTempBranch)
		return mergeResult{Message: fmt.Sprintf("fast-forward after rebase failed: %v", err)}
	}
	_ = q.repo.DeleteBranch(ctx, rebaseTempBranch)
	return mergeResult{Success: true, Message: "merged"}
}

// dropTempBranch returns HEAD to the mainline and removes the
// temporary rebase branch, tolerating either step already being done.
func (q *Queue) dropTempBranch(ctx context.Context) {
	_ = q.repo.Checkout(ctx, q.mainBranch)
	_ = q.repo.DeleteBranch(ctx, rebaseTempBranch)
}
