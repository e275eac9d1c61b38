package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/forgeswarm/orchestrator/internal/bus"
	"github.com/forgeswarm/orchestrator/internal/taskqueue"
)

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

func (f *fakeInjector) injected() []taskqueue.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]taskqueue.Task(nil), f.tasks...)
}

func newTestRouter(injector Injector, maxPerRun int) *conflictRouter {
	return newConflictRouter(injector, nil, slog.Default(), maxPerRun, 5, "conflict-fix", "swarm/")
}

func conflictEvent(branch string, files ...string) bus.MergeConflictEvent {
	return bus.MergeConflictEvent{Branch: branch, ConflictingFiles: files}
}

func TestConflictRouter_InjectsFixTask(t *testing.T) {
	injector := &fakeInjector{}
	r := newTestRouter(injector, 10)

	r.handle(context.Background(), conflictEvent("swarm/task-001-edit", "src/a.go", "src/b.go"))

	tasks := injector.injected()
	if len(tasks) != 1 {
		t.Fatalf("injected = %d, want 1", len(tasks))
	}
	task := tasks[0]
	if task.ID != "conflict-fix-001" {
		t.Fatalf("id = %q", task.ID)
	}
	if task.Priority != 1 {
		t.Fatalf("priority = %d, want 1", task.Priority)
	}
	if len(task.Scope) != 2 || task.Scope[0] != "src/a.go" {
		t.Fatalf("scope = %v", task.Scope)
	}
	if task.Branch != "swarm/conflict-fix-001" {
		t.Fatalf("branch = %q", task.Branch)
	}
}

func TestConflictRouter_CapsScopeAtFilesPerTask(t *testing.T) {
	injector := &fakeInjector{}
	r := newTestRouter(injector, 10)

	files := make([]string, 8)
	for i := range files {
		files[i] = fmt.Sprintf("src/f%d.go", i)
	}
	r.handle(context.Background(), conflictEvent("swarm/task-002-x", files...))

	tasks := injector.injected()
	if len(tasks) != 1 || len(tasks[0].Scope) != 5 {
		t.Fatalf("scope not capped at 5: %v", tasks)
	}
}

func TestConflictRouter_CapsFixTasksPerRun(t *testing.T) {
	injector := &fakeInjector{}
	r := newTestRouter(injector, 10)

	for i := 0; i < 15; i++ {
		r.handle(context.Background(), conflictEvent(fmt.Sprintf("swarm/task-%03d-y", i), "src/a.go"))
	}
	if n := len(injector.injected()); n != 10 {
		t.Fatalf("injected = %d, want 10", n)
	}
	if r.injectedCount() != 10 {
		t.Fatalf("injectedCount = %d", r.injectedCount())
	}
}

func TestConflictRouter_NeverCascades(t *testing.T) {
	injector := &fakeInjector{}
	r := newTestRouter(injector, 10)

	r.handle(context.Background(), conflictEvent("swarm/conflict-fix-001", "src/a.go"))
	if len(injector.injected()) != 0 {
		t.Fatal("a conflict on a fix branch must not spawn another fix task")
	}
}

func TestConflictRouter_IgnoresEmptyFileList(t *testing.T) {
	injector := &fakeInjector{}
	r := newTestRouter(injector, 10)

	r.handle(context.Background(), conflictEvent("swarm/task-003-z"))
	if len(injector.injected()) != 0 {
		t.Fatal("no files, no fix task")
	}
}

func TestConflictRouter_FailedInjectionFreesCap(t *testing.T) {
	injector := &fakeInjector{err: fmt.Errorf("already dispatched")}
	r := newTestRouter(injector, 1)

	r.handle(context.Background(), conflictEvent("swarm/task-004-a", "src/a.go"))
	if r.injectedCount() != 0 {
		t.Fatalf("failed injection must not consume the cap, count = %d", r.injectedCount())
	}

	injector.err = nil
	r.handle(context.Background(), conflictEvent("swarm/task-005-b", "src/b.go"))
	if len(injector.injected()) != 1 {
		t.Fatal("cap slot was not freed after a failed injection")
	}
}
