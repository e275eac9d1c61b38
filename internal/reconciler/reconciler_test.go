package reconciler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/forgeswarm/orchestrator/internal/gitmutex"
	"github.com/forgeswarm/orchestrator/internal/llmclient"
	"github.com/forgeswarm/orchestrator/internal/taskqueue"
)

type fakeLLM struct {
	response string
	err      error
	calls    int
}

func (f *fakeLLM) Complete(_ context.Context, _ []llmclient.Message, _ llmclient.Overrides) (llmclient.CompletionResult, error) {
	f.calls++
	if f.err != nil {
		return llmclient.CompletionResult{}, f.err
	}
	return llmclient.CompletionResult{Content: f.response}, nil
}

type fakeInjector struct {
	mu    sync.Mutex
	tasks []taskqueue.Task
	err   error
}

func (f *fakeInjector) InjectTask(task taskqueue.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

func newTestReconciler(t *testing.T, llm LLMClient, injector Injector, maxFix int) *Reconciler {
	t.Helper()
	r, err := New(Config{
		SystemPrompt: "fix the build",
		MaxFixTasks:  maxFix,
		BranchPrefix: "swarm/",
	}, Deps{
		LLM:      llm,
		Injector: injector,
		Mutex:    gitmutex.New(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestGroupFailures_BucketsByFile(t *testing.T) {
	failing := []oracleResult{{
		name:   "build",
		passed: false,
		output: "internal/foo/bar.go:42: undefined: frob\n" +
			"internal/foo/bar.go:50: too many arguments\n" +
			"internal/baz/qux.go:7: syntax error\n" +
			"exit status 2\n",
	}}
	groups := groupFailures(failing)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d: %+v", len(groups), groups)
	}

	byFile := map[string]int{}
	for _, g := range groups {
		byFile[g.File] = len(g.Lines)
	}
	if byFile["internal/foo/bar.go"] != 2 {
		t.Fatalf("bar.go lines = %d, want 2", byFile["internal/foo/bar.go"])
	}
	if byFile["internal/baz/qux.go"] != 1 {
		t.Fatalf("qux.go lines = %d, want 1", byFile["internal/baz/qux.go"])
	}
	if byFile["general"] != 1 {
		t.Fatalf("general lines = %d, want 1", byFile["general"])
	}
}

func TestGroupFailures_EmptyOutput(t *testing.T) {
	if groups := groupFailures([]oracleResult{{name: "test", output: "\n\n"}}); len(groups) != 0 {
		t.Fatalf("expected no groups, got %+v", groups)
	}
}

func TestParseFixTasks(t *testing.T) {
	raw := "```json\n[{\"description\": \"fix bar.go\", \"scope\": [\"internal/foo/bar.go\"]}]\n```"
	tasks, err := parseFixTasks(raw)
	if err != nil {
		t.Fatalf("parseFixTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Description != "fix bar.go" {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestParseFixTasks_NoArray(t *testing.T) {
	if _, err := parseFixTasks("everything is fine"); err == nil {
		t.Fatal("expected error for a response with no array")
	}
}

func TestReportAndFix_CapsAndPrioritizes(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("[")
	for i := 0; i < 7; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, `{"description": "fix %d", "scope": ["f%d.go"]}`, i, i)
	}
	sb.WriteString("]")

	llm := &fakeLLM{response: sb.String()}
	injector := &fakeInjector{}
	r := newTestReconciler(t, llm, injector, 5)

	injected := r.reportAndFix(context.Background(), []oracleResult{
		{name: "test", passed: false, output: "f0.go:1: boom"},
	})
	if injected != 5 {
		t.Fatalf("injected = %d, want 5 (capped)", injected)
	}
	for _, task := range injector.tasks {
		if task.Priority != 1 {
			t.Fatalf("fix task priority = %d, want 1", task.Priority)
		}
		if !strings.HasPrefix(task.Branch, "swarm/") {
			t.Fatalf("branch = %q", task.Branch)
		}
		if task.ID == "" {
			t.Fatal("fix task id not defaulted")
		}
	}
}

func TestReportAndFix_LLMFailureSkipsSweep(t *testing.T) {
	llm := &fakeLLM{err: fmt.Errorf("endpoints down")}
	injector := &fakeInjector{}
	r := newTestReconciler(t, llm, injector, 5)

	if n := r.reportAndFix(context.Background(), []oracleResult{{name: "build", output: "x.go:1: bad"}}); n != 0 {
		t.Fatalf("injected = %d, want 0", n)
	}
	if len(injector.tasks) != 0 {
		t.Fatal("no tasks should be injected when the LLM fails")
	}
}

func TestReportAndFix_InjectorErrorDoesNotCount(t *testing.T) {
	llm := &fakeLLM{response: `[{"description": "fix it", "scope": ["a.go"]}]`}
	injector := &fakeInjector{err: fmt.Errorf("duplicate id")}
	r := newTestReconciler(t, llm, injector, 5)

	if n := r.reportAndFix(context.Background(), []oracleResult{{name: "build", output: "a.go:1: bad"}}); n != 0 {
		t.Fatalf("injected = %d, want 0", n)
	}
}

func TestSweep_RunsOracleUnderMutexAndInjects(t *testing.T) {
	llm := &fakeLLM{response: `[{"description": "fix the failing test", "scope": ["pkg/a.go"]}]`}
	injector := &fakeInjector{}
	r, err := New(Config{
		SystemPrompt: "fix the build",
		RepoDir:      t.TempDir(),
		TestCmd:      []string{"sh", "-c", "echo 'pkg/a.go:3: assertion failed' >&2; exit 1"},
		MaxFixTasks:  5,
		BranchPrefix: "swarm/",
	}, Deps{
		LLM:      llm,
		Injector: injector,
		Mutex:    gitmutex.New(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r.sweep(context.Background())

	if llm.calls != 1 {
		t.Fatalf("LLM calls = %d, want 1", llm.calls)
	}
	if len(injector.tasks) != 1 {
		t.Fatalf("injected = %d, want 1", len(injector.tasks))
	}
}

func TestSweep_PassingOracleSkipsLLM(t *testing.T) {
	llm := &fakeLLM{response: `[]`}
	injector := &fakeInjector{}
	r, err := New(Config{
		SystemPrompt: "fix the build",
		RepoDir:      t.TempDir(),
		BuildCmd:     []string{"true"},
		MaxFixTasks:  5,
	}, Deps{
		LLM:      llm,
		Injector: injector,
		Mutex:    gitmutex.New(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r.sweep(context.Background())
	if llm.calls != 0 {
		t.Fatal("LLM must not be called when the oracle passes")
	}
}
