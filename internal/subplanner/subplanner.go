// Package subplanner implements recursive task decomposition (spec
// §4.8): when a task's scope exceeds a threshold, the sub-planner asks
// the LLM for subtasks scoped to subsets of the parent's files,
// dispatches them concurrently through the same worker pool and
// concurrency limiter as the planner, and aggregates their handoffs
// into a single parent Handoff.
//
// Subtasks are independent, not dependency-ordered, so dispatch is a
// flat concurrent fan-out with a completion barrier rather than a
// DAG walk.
package subplanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/forgeswarm/orchestrator/internal/limiter"
	"github.com/forgeswarm/orchestrator/internal/llmclient"
	"github.com/forgeswarm/orchestrator/internal/taskqueue"
	"github.com/forgeswarm/orchestrator/internal/workerpool"
)

// LLMClient is the subset of llmclient.Client the sub-planner calls.
type LLMClient interface {
	Complete(ctx context.Context, messages []llmclient.Message, overrides llmclient.Overrides) (llmclient.CompletionResult, error)
}

// Dispatcher is the subset of workerpool.Pool subtasks run through
// once decomposition bottoms out.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload workerpool.Payload) (taskqueue.Handoff, bool, error)
}

// Config configures a Subplanner.
type Config struct {
	SystemPrompt      string
	ScopeThreshold    int // scope size that triggers a further decomposition
	MaxDepth          int // recursion ceiling
	MaxFanOutPerLevel int // resolves the unbounded-fan-out open question
	BranchPrefix      string
	RepoURL           string
	GitToken          string
	LLMConfig         workerpool.LLMConfig
}

// Deps wires a Subplanner's collaborators.
type Deps struct {
	LLM        LLMClient
	Dispatcher Dispatcher
	Limiter    *limiter.Limiter
	Logger     *slog.Logger
}

// Subplanner decomposes oversized tasks into independently-dispatched
// subtasks.
type Subplanner struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu  sync.Mutex
	seq int
}

// New builds a Subplanner.
func New(cfg Config, deps Deps) *Subplanner {
	if cfg.ScopeThreshold <= 0 {
		cfg.ScopeThreshold = 4
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if cfg.MaxFanOutPerLevel <= 0 {
		cfg.MaxFanOutPerLevel = 16
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Subplanner{cfg: cfg, deps: deps, log: logger}
}

// Decompose asks the LLM to break parent into subtasks scoped to
// subsets of parent's files, dispatches every surviving subtask
// concurrently, and aggregates the results into a single Handoff
//. depth is the current recursion level; callers pass 0 at
// the entry point.
func (s *Subplanner) Decompose(ctx context.Context, parent taskqueue.Task, depth int) taskqueue.Handoff {
	messages := []llmclient.Message{
		{Role: "system", Content: s.cfg.SystemPrompt},
		{Role: "user", Content: buildSubplanMessage(parent)},
	}

	result, err := s.deps.LLM.Complete(ctx, messages, llmclient.Overrides{})
	if err != nil {
		return catastrophicFailure(parent.ID, fmt.Sprintf("sub-planner LLM call failed: %v", err))
	}

	rawSubtasks, err := parseSubtasks(result.Content)
	if err != nil {
		return catastrophicFailure(parent.ID, fmt.Sprintf("sub-planner response unparseable: %v", err))
	}

	subtasks := s.materializeSubtasks(parent, rawSubtasks)
	if len(subtasks) == 0 {
		return catastrophicFailure(parent.ID, "sub-planner produced no subtasks with in-scope files")
	}
	if len(subtasks) > s.cfg.MaxFanOutPerLevel {
		s.log.Warn("subplanner: capping fan-out",
			"parentId", parent.ID, "proposed", len(subtasks), "cap", s.cfg.MaxFanOutPerLevel)
		subtasks = subtasks[:s.cfg.MaxFanOutPerLevel]
	}

	handoffs := s.dispatchAll(ctx, subtasks, depth)
	return aggregate(parent.ID, subtasks, handoffs)
}

// dispatchAll runs every subtask concurrently, each acquiring its own
// slot from the shared concurrency limiter, and blocks until every one
// returns; the parent never returns before all children finish.
func (s *Subplanner) dispatchAll(ctx context.Context, subtasks []taskqueue.Task, depth int) []taskqueue.Handoff {
	handoffs := make([]taskqueue.Handoff, len(subtasks))
	var wg sync.WaitGroup
	for i, st := range subtasks {
		wg.Add(1)
		go func(i int, st taskqueue.Task) {
			defer wg.Done()
			handoffs[i] = s.dispatchOne(ctx, st, depth)
		}(i, st)
	}
	wg.Wait()
	return handoffs
}

func (s *Subplanner) dispatchOne(ctx context.Context, task taskqueue.Task, depth int) taskqueue.Handoff {
	if err := s.deps.Limiter.Acquire(ctx); err != nil {
		return taskqueue.Handoff{TaskID: task.ID, Status: taskqueue.HandoffFailed,
			Summary: fmt.Sprintf("limiter acquire: %v", err)}
	}
	defer s.deps.Limiter.Release()

	if len(task.Scope) >= s.cfg.ScopeThreshold && depth+1 <= s.cfg.MaxDepth {
		return s.Decompose(ctx, task, depth+1)
	}

	payload := workerpool.Payload{
		Task:         task,
		SystemPrompt: s.cfg.SystemPrompt,
		RepoURL:      s.cfg.RepoURL,
		GitToken:     s.cfg.GitToken,
		LLMConfig:    s.cfg.LLMConfig,
	}
	handoff, _, err := s.deps.Dispatcher.Dispatch(ctx, payload)
	if err != nil {
		return taskqueue.Handoff{TaskID: task.ID, Status: taskqueue.HandoffFailed, Summary: err.Error()}
	}
	return handoff
}

func (s *Subplanner) materializeSubtasks(parent taskqueue.Task, raw []rawSubtask) []taskqueue.Task {
	parentScope := make(map[string]bool, len(parent.Scope))
	for _, f := range parent.Scope {
		parentScope[f] = true
	}

	var out []taskqueue.Task
	for _, r := range raw {
		scope := subsetOf(r.Scope, parentScope)
		if len(scope) == 0 {
			continue
		}
		s.mu.Lock()
		s.seq++
		seq := s.seq
		s.mu.Unlock()

		id := r.ID
		if id == "" {
			id = fmt.Sprintf("%s-sub-%03d", parent.ID, seq)
		}
		priority := parent.Priority
		if r.Priority != nil {
			priority = *r.Priority
		}
		branch := r.Branch
		if branch == "" {
			branch = fmt.Sprintf("%s%s-%s", s.cfg.BranchPrefix, id, slugify(r.Description))
		}
		out = append(out, taskqueue.Task{
			ID: id, Description: r.Description, Scope: scope, Acceptance: r.Acceptance,
			Branch: branch, Status: taskqueue.StatusPending, Priority: priority,
			ParentID: parent.ID, CreatedAt: parent.CreatedAt,
		})
	}
	return out
}

// subsetOf keeps only the scope entries that also appear in parentScope,
// enforcing the sub-planner invariant that subtask scopes are always a
// subset of the parent's scope.
func subsetOf(scope []string, parentScope map[string]bool) []string {
	var out []string
	for _, f := range scope {
		if parentScope[f] {
			out = append(out, f)
		}
	}
	return out
}

func catastrophicFailure(parentID, reason string) taskqueue.Handoff {
	return taskqueue.Handoff{
		TaskID:      parentID,
		Status:      taskqueue.HandoffFailed,
		Summary:     reason,
		Concerns:    []string{reason},
		Suggestions: []string{"retry this task as a direct worker dispatch instead of through the sub-planner"},
	}
}

// aggregate combines subtask handoffs into the parent's Handoff.
func aggregate(parentID string, subtasks []taskqueue.Task, handoffs []taskqueue.Handoff) taskqueue.Handoff {
	var complete, failed int
	var metrics taskqueue.Metrics
	filesSeen := make(map[string]bool)
	var files []string
	var concerns, suggestions []string
	var maxDuration int64

	for i, h := range handoffs {
		id := subtasks[i].ID
		switch h.Status {
		case taskqueue.HandoffComplete:
			complete++
		case taskqueue.HandoffFailed:
			failed++
		}
		metrics.LinesAdded += h.Metrics.LinesAdded
		metrics.LinesRemoved += h.Metrics.LinesRemoved
		metrics.FilesCreated += h.Metrics.FilesCreated
		metrics.FilesModified += h.Metrics.FilesModified
		metrics.TokensUsed += h.Metrics.TokensUsed
		metrics.ToolCallCount += h.Metrics.ToolCallCount
		if h.Metrics.DurationMs > maxDuration {
			maxDuration = h.Metrics.DurationMs
		}
		for _, f := range h.FilesChanged {
			if !filesSeen[f] {
				filesSeen[f] = true
				files = append(files, f)
			}
		}
		for _, c := range h.Concerns {
			concerns = append(concerns, fmt.Sprintf("[%s] %s", id, c))
		}
		for _, sg := range h.Suggestions {
			suggestions = append(suggestions, fmt.Sprintf("[%s] %s", id, sg))
		}
	}
	metrics.DurationMs = maxDuration

	status := taskqueue.HandoffBlocked
	switch {
	case complete == len(handoffs):
		status = taskqueue.HandoffComplete
	case failed == len(handoffs):
		status = taskqueue.HandoffFailed
	case complete > 0 || failed > 0:
		status = taskqueue.HandoffPartial
	}

	return taskqueue.Handoff{
		TaskID: parentID, Status: status,
		Summary:      fmt.Sprintf("aggregated %d subtask(s): %d complete, %d failed", len(handoffs), complete, failed),
		FilesChanged: files, Concerns: concerns, Suggestions: suggestions, Metrics: metrics,
	}
}
