// Package planner implements the streaming single-conversation planner
// loop: it maintains one long-lived LLM conversation for
// the entire run, emits task batches, dispatches them through the
// concurrency limiter, collects handoffs, and re-plans once enough
// new handoffs accumulate (or no work remains in flight).
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/forgeswarm/orchestrator/internal/bus"
	"github.com/forgeswarm/orchestrator/internal/gitmutex"
	"github.com/forgeswarm/orchestrator/internal/gitrepo"
	"github.com/forgeswarm/orchestrator/internal/limiter"
	"github.com/forgeswarm/orchestrator/internal/llmclient"
	"github.com/forgeswarm/orchestrator/internal/monitor"
	"github.com/forgeswarm/orchestrator/internal/persistence"
	"github.com/forgeswarm/orchestrator/internal/taskqueue"
	"github.com/forgeswarm/orchestrator/internal/workerpool"
)

// LLMClient is the subset of llmclient.Client the planner calls.
type LLMClient interface {
	Complete(ctx context.Context, messages []llmclient.Message, overrides llmclient.Overrides) (llmclient.CompletionResult, error)
}

// Dispatcher is the subset of workerpool.Pool the planner dispatches
// non-oversized tasks through.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload workerpool.Payload) (taskqueue.Handoff, bool, error)
}

// Subplanner is the subset of subplanner.Subplanner the planner routes
// oversized tasks through.
type Subplanner interface {
	Decompose(ctx context.Context, task taskqueue.Task, depth int) taskqueue.Handoff
}

// MergeEnqueuer is the subset of mergequeue.Queue the planner pushes
// completed branches into.
type MergeEnqueuer interface {
	Enqueue(ctx context.Context, branch, taskID string) error
}

// ArtifactSource names one repository specification document the
// initial message outlines, if present on disk.
type ArtifactSource struct {
	Name string
	Path string
}

// Config configures a Planner.
type Config struct {
	Request                  string
	Artifacts                []ArtifactSource
	SystemPrompt             string
	BranchPrefix             string
	SubplannerScopeThreshold int
	MaxIterations            int // 0 = unbounded
	LoopSleep                time.Duration
	MinHandoffsForReplan     int
	BackoffBase              time.Duration
	BackoffMax               time.Duration
	MaxConsecutiveErrors     int
	RepoURL                  string
	GitToken                 string
	LLMConfig                workerpool.LLMConfig
	CommitLogDepth           int
}

// Deps wires a Planner's collaborators.
type Deps struct {
	LLM           LLMClient
	Dispatcher    Dispatcher
	Subplanner    Subplanner
	Limiter       *limiter.Limiter
	Queue         *taskqueue.Queue
	Store         *persistence.Store
	Bus           *bus.Bus
	Monitor       *monitor.Monitor
	MergeEnqueuer MergeEnqueuer
	Mutex         *gitmutex.Mutex
	Repo          *gitrepo.Repo
	Logger        *slog.Logger
}

// Planner runs the streaming plan/dispatch/collect loop.
type Planner struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu                sync.Mutex
	conversation      []llmclient.Message
	scratchpad        string
	seq               int
	activeTasks       map[string]taskqueue.Task
	dispatchedIDs     map[string]bool
	pendingHandoffs   []taskqueue.Handoff
	allHandoffs       []taskqueue.Handoff
	dispatchedHistory []string

	activeWG sync.WaitGroup
}

// New builds a Planner. It rehydrates the dispatched-id ledger and
// scratchpad from the store, if one is configured, so a restarted run
// honors the "a given id is dispatched at most once" invariant.
func New(cfg Config, deps Deps) *Planner {
	if cfg.LoopSleep <= 0 {
		cfg.LoopSleep = 500 * time.Millisecond
	}
	if cfg.MinHandoffsForReplan <= 0 {
		cfg.MinHandoffsForReplan = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 10
	}
	if cfg.SubplannerScopeThreshold <= 0 {
		cfg.SubplannerScopeThreshold = 4
	}
	if cfg.CommitLogDepth <= 0 {
		cfg.CommitLogDepth = 15
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Planner{
		cfg:           cfg,
		deps:          deps,
		log:           logger,
		activeTasks:   make(map[string]taskqueue.Task),
		dispatchedIDs: make(map[string]bool),
	}
	if deps.Store != nil {
		ctx := context.Background()
		if ids, err := deps.Store.DispatchedTaskIDs(ctx); err == nil {
			for _, id := range ids {
				p.dispatchedIDs[id] = true
				p.dispatchedHistory = append(p.dispatchedHistory, id)
			}
		}
		if sp, ok, err := deps.Store.GetScratchpad(ctx, "planner"); err == nil && ok {
			p.scratchpad = sp
		}
	}
	return p
}

// Run executes the streaming loop until the context is canceled,
// MaxIterations is reached and no work remains, or the planner becomes
// idle with an empty task batch.
func (p *Planner) Run(ctx context.Context) error {
	iteration := 0
	consecutiveErrors := 0
	backoff := p.cfg.BackoffBase
	firstIter := true
	planningDone := false

	defer p.activeWG.Wait()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.cfg.MaxIterations > 0 && iteration >= p.cfg.MaxIterations {
			planningDone = true
		}
		iteration++

		handoffsSince := p.drain()
		hasCapacity := p.deps.Limiter.InFlight() < p.deps.Limiter.Capacity()
		replan := !planningDone && hasCapacity &&
			(firstIter || len(handoffsSince) >= p.cfg.MinHandoffsForReplan || p.activeCount() == 0)

		if replan {
			dispatchedCount, err := p.planOnce(ctx, firstIter, handoffsSince)
			firstIter = false
			if err != nil {
				consecutiveErrors++
				p.log.Error("planner: plan iteration failed", "error", err, "consecutiveErrors", consecutiveErrors)
				if consecutiveErrors >= p.cfg.MaxConsecutiveErrors {
					return fmt.Errorf("planner: aborting after %d consecutive errors: %w", consecutiveErrors, err)
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > p.cfg.BackoffMax {
					backoff = p.cfg.BackoffMax
				}
				continue
			}
			consecutiveErrors = 0
			backoff = p.cfg.BackoffBase
			if dispatchedCount == 0 {
				planningDone = true
			}
		}

		if planningDone && p.activeCount() == 0 && p.deps.Queue.PendingCount() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.LoopSleep):
		}
	}
}

// InjectTask bypasses the LLM and enters the dispatch pipeline
// directly, used by the reconciler and the merge-conflict handler
//.
func (p *Planner) InjectTask(task taskqueue.Task) error {
	if p.alreadyDispatched(task.ID) {
		return fmt.Errorf("planner: task %q already dispatched", task.ID)
	}
	p.markDispatched(task.ID)
	if err := p.deps.Queue.Enqueue(&task); err != nil {
		return err
	}
	if p.deps.Store != nil {
		ctx := context.Background()
		if _, err := p.deps.Store.MarkDispatched(ctx, task.ID); err != nil {
			p.log.Error("planner: mark dispatched", "taskId", task.ID, "error", err)
		}
	}
	p.activeWG.Add(1)
	go p.dispatchSingle(context.Background(), task)
	return nil
}

func (p *Planner) planOnce(ctx context.Context, firstIter bool, handoffsSince []taskqueue.Handoff) (int, error) {
	var userMsg string
	if firstIter {
		fileTree, commits := p.repoContext(ctx)
		userMsg = buildInitialMessage(p.cfg.Request, p.loadArtifacts(), fileTree, commits)
	} else {
		fileTree, commits := p.repoContext(ctx)
		userMsg = buildFollowUpMessage(fileTree, commits, toSummaries(handoffsSince), p.activeTaskIDs(), p.dispatchedIDsSnapshot())
	}

	p.mu.Lock()
	p.conversation = append(p.conversation, llmclient.Message{Role: "user", Content: userMsg})
	messages := append([]llmclient.Message{{Role: "system", Content: p.cfg.SystemPrompt}}, p.conversation...)
	p.mu.Unlock()

	result, err := p.deps.LLM.Complete(ctx, messages, llmclient.Overrides{})
	if err != nil {
		return 0, fmt.Errorf("llm completion: %w", err)
	}

	p.mu.Lock()
	p.conversation = append(p.conversation, llmclient.Message{Role: "assistant", Content: result.Content})
	p.mu.Unlock()

	if p.deps.Monitor != nil {
		p.deps.Monitor.RecordTokenUsage(result.Usage.TotalTokens)
	}

	parsed, err := ParseResponse(result.Content)
	if err != nil {
		// Malformed response: structured path and salvage both failed.
		// Log and continue with an empty task list; a bad turn must
		// never kill the loop.
		p.log.Warn("planner: could not parse LLM response, continuing with empty task list", "error", err)
		return 0, nil
	}

	p.mu.Lock()
	p.scratchpad = parsed.Scratchpad
	p.mu.Unlock()
	if p.deps.Store != nil {
		if err := p.deps.Store.SetScratchpad(ctx, "planner", parsed.Scratchpad); err != nil {
			p.log.Error("planner: persist scratchpad", "error", err)
		}
	}

	dispatched := 0
	for _, raw := range parsed.Tasks {
		seq := p.nextSeq()
		task := materialize(raw, seq, p.cfg.BranchPrefix)
		if p.alreadyDispatched(task.ID) {
			continue
		}
		p.markDispatched(task.ID)
		if err := p.deps.Queue.Enqueue(&task); err != nil {
			p.log.Error("planner: enqueue task", "taskId", task.ID, "error", err)
			continue
		}
		if p.deps.Store != nil {
			if _, err := p.deps.Store.MarkDispatched(ctx, task.ID); err != nil {
				p.log.Error("planner: mark dispatched", "taskId", task.ID, "error", err)
			}
		}
		p.activeWG.Add(1)
		go p.dispatchSingle(ctx, task)
		dispatched++
	}
	return dispatched, nil
}

// dispatchSingle acquires a concurrency-limiter slot, runs the task
// through the worker pool or sub-planner, records metrics, and queues
// the result for the next replan.
func (p *Planner) dispatchSingle(ctx context.Context, task taskqueue.Task) {
	defer p.activeWG.Done()

	if err := p.deps.Limiter.Acquire(ctx); err != nil {
		p.finish(ctx, task, synthesizeFailed(task.ID, fmt.Sprintf("limiter acquire: %v", err)), false)
		return
	}
	defer p.deps.Limiter.Release()

	p.markActive(task)
	defer p.unmarkActive(task.ID)

	workerID := task.ID + "-worker"
	if err := p.deps.Queue.Assign(task.ID, workerID); err != nil {
		p.log.Error("planner: assign task", "taskId", task.ID, "error", err)
	}
	if err := p.deps.Queue.Start(task.ID); err != nil {
		p.log.Error("planner: start task", "taskId", task.ID, "error", err)
	}
	if p.deps.Monitor != nil {
		p.deps.Monitor.RecordDispatchStart(task.ID)
	}
	if p.deps.Bus != nil {
		p.deps.Bus.Publish(bus.TopicTaskDispatched, bus.TaskDispatchedEvent{TaskID: task.ID, WorkerID: workerID})
	}

	var handoff taskqueue.Handoff
	var timedOut bool

	if len(task.Scope) >= p.cfg.SubplannerScopeThreshold && p.deps.Subplanner != nil {
		handoff = p.deps.Subplanner.Decompose(ctx, task, 0)
	} else {
		payload := workerpool.Payload{
			Task:         task,
			SystemPrompt: p.cfg.SystemPrompt,
			RepoURL:      p.cfg.RepoURL,
			GitToken:     p.cfg.GitToken,
			LLMConfig:    p.cfg.LLMConfig,
		}
		result, to, err := p.deps.Dispatcher.Dispatch(ctx, payload)
		timedOut = to
		if err != nil {
			handoff = synthesizeFailed(task.ID, err.Error())
		} else {
			handoff = result
		}
	}

	p.finish(ctx, task, handoff, timedOut)
}

func (p *Planner) finish(ctx context.Context, task taskqueue.Task, handoff taskqueue.Handoff, timedOut bool) {
	if timedOut && p.deps.Store != nil {
		if err := p.deps.Store.RecordTimedOutBranch(ctx, persistence.TimedOutBranch{
			Branch: task.Branch, TaskID: task.ID, Reason: "worker exceeded timeout",
		}); err != nil {
			p.log.Error("planner: record timed out branch", "taskId", task.ID, "error", err)
		}
	}

	if p.deps.Monitor != nil {
		p.deps.Monitor.RecordDispatchEnd(task.ID, handoff.Status)
		if handoff.Metrics.TokensUsed == 0 && handoff.Metrics.ToolCallCount == 0 {
			p.deps.Monitor.RecordSuspiciousTask(task.ID)
		}
		if handoff.Diff == "" && handoff.Status != taskqueue.HandoffFailed {
			p.deps.Monitor.RecordEmptyDiff()
		}
	}

	p.transitionQueue(task.ID, handoff.Status)

	// A completed task with a non-failed handoff results in at most one
	// merge-queue enqueue; a timed-out branch is
	// never handed to the merge queue at all.
	if handoff.Status != taskqueue.HandoffFailed && !timedOut && p.deps.MergeEnqueuer != nil {
		if err := p.deps.MergeEnqueuer.Enqueue(ctx, task.Branch, task.ID); err != nil {
			p.log.Error("planner: enqueue merge", "taskId", task.ID, "branch", task.Branch, "error", err)
		}
	}

	if p.deps.Store != nil {
		p.persistTask(ctx, task, handoff.Status)
	}
	if p.deps.Bus != nil {
		p.deps.Bus.Publish(bus.TopicHandoffCollected, bus.HandoffCollectedEvent{
			TaskID: task.ID, Status: string(handoff.Status),
			TokensUsed: handoff.Metrics.TokensUsed, ToolCallCount: handoff.Metrics.ToolCallCount,
			DurationMs: handoff.Metrics.DurationMs,
		})
	}

	p.mu.Lock()
	p.pendingHandoffs = append(p.pendingHandoffs, handoff)
	p.mu.Unlock()
}

func (p *Planner) persistTask(ctx context.Context, task taskqueue.Task, status taskqueue.HandoffStatus) {
	rec := persistence.TaskRecord{
		ID: task.ID, Description: task.Description, Acceptance: task.Acceptance,
		Branch: task.Branch, Status: string(queueStatusFor(status)), Priority: task.Priority,
		ParentID: task.ParentID, CreatedAt: task.CreatedAt,
	}
	if b, err := jsonStrings(task.Scope); err == nil {
		rec.Scope = b
	}
	if err := p.deps.Store.UpsertTask(ctx, rec); err != nil {
		p.log.Error("planner: persist task", "taskId", task.ID, "error", err)
	}
}

func (p *Planner) transitionQueue(id string, status taskqueue.HandoffStatus) {
	var err error
	switch status {
	case taskqueue.HandoffComplete:
		err = p.deps.Queue.Complete(id)
	case taskqueue.HandoffPartial:
		err = p.deps.Queue.Partial(id)
	case taskqueue.HandoffBlocked:
		err = p.deps.Queue.Block(id)
	default:
		err = p.deps.Queue.Fail(id)
	}
	if err != nil {
		p.log.Error("planner: task status transition", "taskId", id, "status", status, "error", err)
	}
}

func queueStatusFor(status taskqueue.HandoffStatus) taskqueue.Status {
	switch status {
	case taskqueue.HandoffComplete:
		return taskqueue.StatusComplete
	case taskqueue.HandoffPartial:
		return taskqueue.StatusPartial
	case taskqueue.HandoffBlocked:
		return taskqueue.StatusBlocked
	default:
		return taskqueue.StatusFailed
	}
}

func synthesizeFailed(taskID, reason string) taskqueue.Handoff {
	return taskqueue.Handoff{TaskID: taskID, Status: taskqueue.HandoffFailed, Summary: reason, Concerns: []string{reason}}
}

func toSummaries(handoffs []taskqueue.Handoff) []handoffSummary {
	out := make([]handoffSummary, 0, len(handoffs))
	for _, h := range handoffs {
		out = append(out, handoffSummary{
			TaskID: h.TaskID, Status: h.Status, Summary: h.Summary,
			FilesChanged: h.FilesChanged, Concerns: h.Concerns, Suggestions: h.Suggestions,
		})
	}
	return out
}

func (p *Planner) repoContext(ctx context.Context) (fileTree, commits []string) {
	if p.deps.Repo == nil || p.deps.Mutex == nil {
		return nil, nil
	}
	_ = gitmutex.WithLock(ctx, p.deps.Mutex, func() error {
		if files, err := p.deps.Repo.LsFiles(ctx); err == nil {
			fileTree = files
		}
		if log, err := p.deps.Repo.Log(ctx, p.cfg.CommitLogDepth); err == nil {
			commits = log
		}
		return nil
	})
	return fileTree, commits
}

func (p *Planner) loadArtifacts() []artifact {
	out := make([]artifact, 0, len(p.cfg.Artifacts))
	for _, a := range p.cfg.Artifacts {
		content, err := os.ReadFile(a.Path)
		if err != nil {
			continue
		}
		out = append(out, artifact{name: a.Name, content: content})
	}
	return out
}

func (p *Planner) nextSeq() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return p.seq
}

func (p *Planner) alreadyDispatched(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dispatchedIDs[id]
}

func (p *Planner) markDispatched(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatchedIDs[id] = true
	p.dispatchedHistory = append(p.dispatchedHistory, id)
}

func (p *Planner) dispatchedIDsSnapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.dispatchedHistory...)
}

func (p *Planner) markActive(task taskqueue.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeTasks[task.ID] = task
}

func (p *Planner) unmarkActive(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeTasks, id)
}

func (p *Planner) activeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.activeTasks)
}

func (p *Planner) activeTaskIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.activeTasks))
	for id := range p.activeTasks {
		out = append(out, id)
	}
	return out
}

func (p *Planner) drain() []taskqueue.Handoff {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pendingHandoffs
	p.pendingHandoffs = nil
	p.allHandoffs = append(p.allHandoffs, out...)
	return out
}

func jsonStrings(ss []string) (string, error) {
	if ss == nil {
		ss = []string{}
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Scratchpad returns the planner's current free-text working memory.
func (p *Planner) Scratchpad() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scratchpad
}
