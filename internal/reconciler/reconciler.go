// Package reconciler runs the periodic build/test oracle sweep:
// under the git mutex, run the configured build and test commands
// against the target repo, group any failures by file, ask the LLM
// for a bounded set of fix tasks, and inject them straight into the
// planner's dispatch pipeline.
package reconciler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/forgeswarm/orchestrator/internal/bus"
	"github.com/forgeswarm/orchestrator/internal/cron"
	"github.com/forgeswarm/orchestrator/internal/gitmutex"
	"github.com/forgeswarm/orchestrator/internal/llmclient"
	"github.com/forgeswarm/orchestrator/internal/taskqueue"
)

// LLMClient is the subset of llmclient.Client the reconciler calls.
type LLMClient interface {
	Complete(ctx context.Context, messages []llmclient.Message, overrides llmclient.Overrides) (llmclient.CompletionResult, error)
}

// Injector is the subset of planner.Planner the reconciler injects
// fix tasks through.
type Injector interface {
	InjectTask(task taskqueue.Task) error
}

// Config configures a Reconciler.
type Config struct {
	SystemPrompt string
	CronExpr     string
	RepoDir      string
	BuildCmd     []string
	TestCmd      []string
	MaxFixTasks  int
	BranchPrefix string
}

// Deps wires a Reconciler's collaborators.
type Deps struct {
	LLM      LLMClient
	Injector Injector
	Mutex    *gitmutex.Mutex
	Bus      *bus.Bus
	Logger   *slog.Logger
}

// Reconciler runs the periodic oracle sweep.
type Reconciler struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	scheduler *cron.Scheduler

	mu  sync.Mutex
	seq int
}

// New builds a Reconciler. Call Start to begin the cron-scheduled sweep.
func New(cfg Config, deps Deps) (*Reconciler, error) {
	if cfg.MaxFixTasks <= 0 {
		cfg.MaxFixTasks = 5
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{cfg: cfg, deps: deps, log: logger}

	scheduler, err := cron.NewScheduler(cron.Config{
		Expr:   cfg.CronExpr,
		Logger: logger,
		OnFire: r.sweep,
	})
	if err != nil {
		return nil, fmt.Errorf("reconciler: %w", err)
	}
	r.scheduler = scheduler
	return r, nil
}

// Start begins the cron-scheduled sweep loop.
func (r *Reconciler) Start(ctx context.Context) {
	r.scheduler.Start(ctx)
}

// Stop cancels the sweep loop, waiting for any in-flight sweep to finish.
func (r *Reconciler) Stop() {
	r.scheduler.Stop()
}

// oracleResult is the outcome of one oracle command.
type oracleResult struct {
	name   string
	passed bool
	output string
}

// sweep runs one oracle sweep: build and test commands under the git
// mutex, followed (outside the mutex) by failure grouping and an LLM
// call, then a bounded fix-task injection.
func (r *Reconciler) sweep(ctx context.Context) {
	var results []oracleResult
	err := gitmutex.WithLock(ctx, r.deps.Mutex, func() error {
		if len(r.cfg.BuildCmd) > 0 {
			results = append(results, r.runOracle(ctx, "build", r.cfg.BuildCmd))
		}
		if len(r.cfg.TestCmd) > 0 {
			results = append(results, r.runOracle(ctx, "test", r.cfg.TestCmd))
		}
		return nil
	})
	if err != nil {
		r.log.Error("reconciler: sweep aborted", "error", err)
		return
	}

	buildPassed, testPassed := true, true
	var failing []oracleResult
	for _, res := range results {
		if !res.passed {
			failing = append(failing, res)
		}
		switch res.name {
		case "build":
			buildPassed = res.passed
		case "test":
			testPassed = res.passed
		}
	}

	fixTasksAdded := 0
	if len(failing) > 0 {
		fixTasksAdded = r.reportAndFix(ctx, failing)
	}

	if r.deps.Bus != nil {
		r.deps.Bus.Publish(bus.TopicReconcilerSweepComplete, bus.ReconcilerSweepEvent{
			BuildPassed:   buildPassed,
			TestsPassed:   testPassed,
			FailureGroups: len(groupFailures(failing)),
			FixTasksAdded: fixTasksAdded,
		})
	}
}

func (r *Reconciler) runOracle(ctx context.Context, name string, args []string) oracleResult {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = r.cfg.RepoDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return oracleResult{name: name, passed: err == nil, output: out.String()}
}

// failureGroup is a heuristic bucket of oracle output lines that
// mention the same file.
type failureGroup struct {
	File  string
	Lines []string
}

var filePathPattern = regexp.MustCompile(`[.\w/\-]+\.\w+:\d+`)

// groupFailures buckets failing output lines by the first file path
// each line mentions (e.g. "internal/foo/bar.go:42"), falling back to
// a single "general" bucket for lines that name no file.
func groupFailures(failing []oracleResult) []failureGroup {
	buckets := map[string][]string{}
	var order []string
	for _, res := range failing {
		for _, line := range strings.Split(res.output, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			key := "general"
			if m := filePathPattern.FindString(line); m != "" {
				if idx := strings.LastIndex(m, ":"); idx > 0 {
					key = m[:idx]
				} else {
					key = m
				}
			}
			if _, seen := buckets[key]; !seen {
				order = append(order, key)
			}
			buckets[key] = append(buckets[key], line)
		}
	}
	sort.Strings(order)
	groups := make([]failureGroup, 0, len(order))
	for _, key := range order {
		groups = append(groups, failureGroup{File: key, Lines: buckets[key]})
	}
	return groups
}

// reportAndFix sends a compact failure report to the LLM and injects
// at most cfg.MaxFixTasks resulting tasks at priority 1.
func (r *Reconciler) reportAndFix(ctx context.Context, failing []oracleResult) int {
	groups := groupFailures(failing)
	report := buildFailureReport(groups)

	messages := []llmclient.Message{
		{Role: "system", Content: r.cfg.SystemPrompt},
		{Role: "user", Content: report},
	}
	result, err := r.deps.LLM.Complete(ctx, messages, llmclient.Overrides{})
	if err != nil {
		r.log.Error("reconciler: LLM call failed", "error", err)
		return 0
	}

	rawTasks, err := parseFixTasks(result.Content)
	if err != nil {
		r.log.Error("reconciler: response unparseable", "error", err)
		return 0
	}
	if len(rawTasks) > r.cfg.MaxFixTasks {
		rawTasks = rawTasks[:r.cfg.MaxFixTasks]
	}

	injected := 0
	for _, rt := range rawTasks {
		task := r.materialize(rt)
		if err := r.deps.Injector.InjectTask(task); err != nil {
			r.log.Warn("reconciler: inject fix task failed", "taskId", task.ID, "error", err)
			continue
		}
		injected++
		if r.deps.Bus != nil {
			r.deps.Bus.Publish(bus.TopicReconcilerFixInjected, task.ID)
		}
	}
	return injected
}

func buildFailureReport(groups []failureGroup) string {
	var sb strings.Builder
	sb.WriteString("Oracle sweep found failures grouped by file:\n\n")
	for _, g := range groups {
		fmt.Fprintf(&sb, "## %s\n", g.File)
		for i, line := range g.Lines {
			if i >= 20 {
				fmt.Fprintf(&sb, "... (%d more lines)\n", len(g.Lines)-20)
				break
			}
			sb.WriteString(line)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (r *Reconciler) materialize(raw rawFixTask) taskqueue.Task {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	r.mu.Unlock()

	id := raw.ID
	if id == "" {
		id = fmt.Sprintf("fix-%03d", seq)
	}
	branch := raw.Branch
	if branch == "" {
		branch = fmt.Sprintf("%s%s", r.cfg.BranchPrefix, id)
	}
	return taskqueue.Task{
		ID:          id,
		Description: raw.Description,
		Scope:       raw.Scope,
		Acceptance:  raw.Acceptance,
		Branch:      branch,
		Status:      taskqueue.StatusPending,
		Priority:    1,
	}
}
