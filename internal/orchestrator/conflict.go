package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/forgeswarm/orchestrator/internal/bus"
	"github.com/forgeswarm/orchestrator/internal/persistence"
	"github.com/forgeswarm/orchestrator/internal/taskqueue"
)

// Injector is the subset of planner.Planner the conflict router
// injects fix tasks through.
type Injector interface {
	InjectTask(task taskqueue.Task) error
}

// conflictRouter turns merge-conflict events into bounded fix-task
// injections: at most MaxPerRun fix tasks per run, each
// scoped to the first FilesPerTask conflicting files, never cascading
// on branches whose name already contains the exclude term.
type conflictRouter struct {
	injector     Injector
	store        *persistence.Store
	log          *slog.Logger
	maxPerRun    int
	filesPerTask int
	excludeTerm  string
	branchPrefix string

	mu       sync.Mutex
	injected int
}

func newConflictRouter(injector Injector, store *persistence.Store, log *slog.Logger, maxPerRun, filesPerTask int, excludeTerm, branchPrefix string) *conflictRouter {
	if maxPerRun <= 0 {
		maxPerRun = 10
	}
	if filesPerTask <= 0 {
		filesPerTask = 5
	}
	if excludeTerm == "" {
		excludeTerm = "conflict-fix"
	}
	return &conflictRouter{
		injector:     injector,
		store:        store,
		log:          log,
		maxPerRun:    maxPerRun,
		filesPerTask: filesPerTask,
		excludeTerm:  excludeTerm,
		branchPrefix: branchPrefix,
	}
}

// handle processes one conflict event, injecting at most one fix task.
func (c *conflictRouter) handle(ctx context.Context, ev bus.MergeConflictEvent) {
	if strings.Contains(ev.Branch, c.excludeTerm) {
		c.log.Info("conflict on a fix branch, not cascading", "branch", ev.Branch)
		return
	}
	if len(ev.ConflictingFiles) == 0 {
		return
	}

	c.mu.Lock()
	if c.injected >= c.maxPerRun {
		c.mu.Unlock()
		c.log.Warn("conflict fix-task cap reached, dropping conflict",
			"branch", ev.Branch, "cap", c.maxPerRun)
		return
	}
	c.injected++
	seq := c.injected
	c.mu.Unlock()

	files := ev.ConflictingFiles
	if len(files) > c.filesPerTask {
		files = files[:c.filesPerTask]
	}

	id := fmt.Sprintf("conflict-fix-%03d", seq)
	task := taskqueue.Task{
		ID: id,
		Description: fmt.Sprintf(
			"Branch %s conflicts with the mainline in %s. Resolve the conflicts and push a clean branch.",
			ev.Branch, strings.Join(files, ", ")),
		Scope:      append([]string(nil), files...),
		Acceptance: "the branch merges into the mainline without conflicts",
		Branch:     fmt.Sprintf("%s%s", c.branchPrefix, id),
		Status:     taskqueue.StatusPending,
		Priority:   1,
	}

	if err := c.injector.InjectTask(task); err != nil {
		c.log.Error("conflict fix-task injection failed", "taskId", id, "branch", ev.Branch, "error", err)
		c.mu.Lock()
		c.injected--
		c.mu.Unlock()
		return
	}
	c.log.Info("conflict fix task injected", "taskId", id, "sourceBranch", ev.Branch, "files", len(files))

	if c.store != nil {
		if _, err := c.store.IncrementConflictFixCounter(ctx, ev.Branch); err != nil {
			c.log.Error("conflict fix counter update failed", "branch", ev.Branch, "error", err)
		}
	}
}

// injectedCount reports how many fix tasks this run has produced.
func (c *conflictRouter) injectedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.injected
}
