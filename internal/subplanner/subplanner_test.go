package subplanner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/forgeswarm/orchestrator/internal/limiter"
	"github.com/forgeswarm/orchestrator/internal/llmclient"
	"github.com/forgeswarm/orchestrator/internal/taskqueue"
	"github.com/forgeswarm/orchestrator/internal/workerpool"
)

type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	calls     int
	err       error
}

func (f *fakeLLM) Complete(_ context.Context, _ []llmclient.Message, _ llmclient.Overrides) (llmclient.CompletionResult, error) {
	if f.err != nil {
		return llmclient.CompletionResult{}, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return llmclient.CompletionResult{Content: f.responses[idx]}, nil
}

// fakeDispatcher maps a subtask's first scope file to a canned status.
type fakeDispatcher struct {
	mu       sync.Mutex
	statuses map[string]taskqueue.HandoffStatus
	payloads []workerpool.Payload
}

func (f *fakeDispatcher) Dispatch(_ context.Context, payload workerpool.Payload) (taskqueue.Handoff, bool, error) {
	f.mu.Lock()
	f.payloads = append(f.payloads, payload)
	f.mu.Unlock()

	status := taskqueue.HandoffComplete
	if len(payload.Task.Scope) > 0 {
		if s, ok := f.statuses[payload.Task.Scope[0]]; ok {
			status = s
		}
	}
	return taskqueue.Handoff{
		TaskID:       payload.Task.ID,
		Status:       status,
		Summary:      "sub done",
		FilesChanged: payload.Task.Scope,
		Concerns:     []string{"needs review"},
		Metrics:      taskqueue.Metrics{LinesAdded: 2, TokensUsed: 10, DurationMs: 100},
	}, false, nil
}

func (f *fakeDispatcher) dispatched() []workerpool.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]workerpool.Payload(nil), f.payloads...)
}

func parentTask() taskqueue.Task {
	return taskqueue.Task{
		ID:          "big-1",
		Description: "refactor the storage layer",
		Scope:       []string{"store/a.go", "store/b.go", "store/c.go", "store/d.go"},
		Priority:    3,
	}
}

func newTestSubplanner(llm LLMClient, d Dispatcher, cfg Config) *Subplanner {
	return New(cfg, Deps{LLM: llm, Dispatcher: d, Limiter: limiter.New(8)})
}

func TestDecompose_ScopeSubsetEnforced(t *testing.T) {
	llm := &fakeLLM{responses: []string{`[
		{"description": "part one", "scope": ["store/a.go", "store/b.go"]},
		{"description": "part two", "scope": ["store/c.go", "outside/x.go"]},
		{"description": "all out of scope", "scope": ["elsewhere/y.go"]}
	]`}}
	dispatcher := &fakeDispatcher{}
	s := newTestSubplanner(llm, dispatcher, Config{})

	handoff := s.Decompose(context.Background(), parentTask(), 0)

	payloads := dispatcher.dispatched()
	if len(payloads) != 2 {
		t.Fatalf("expected 2 dispatched subtasks, got %d", len(payloads))
	}
	for _, p := range payloads {
		for _, f := range p.Task.Scope {
			if !strings.HasPrefix(f, "store/") {
				t.Fatalf("out-of-scope file %q survived", f)
			}
		}
		if p.Task.ParentID != "big-1" {
			t.Fatalf("parentId = %q", p.Task.ParentID)
		}
	}
	if handoff.Status != taskqueue.HandoffComplete {
		t.Fatalf("status = %s, want complete", handoff.Status)
	}
}

func TestDecompose_AggregatesMetricsAndFiles(t *testing.T) {
	llm := &fakeLLM{responses: []string{`[
		{"description": "one", "scope": ["store/a.go", "store/b.go"]},
		{"description": "two", "scope": ["store/b.go", "store/c.go"]}
	]`}}
	dispatcher := &fakeDispatcher{}
	s := newTestSubplanner(llm, dispatcher, Config{})

	handoff := s.Decompose(context.Background(), parentTask(), 0)

	if handoff.Metrics.LinesAdded != 4 || handoff.Metrics.TokensUsed != 20 {
		t.Fatalf("metrics not summed: %+v", handoff.Metrics)
	}
	if handoff.Metrics.DurationMs != 100 {
		t.Fatalf("duration should be the max, got %d", handoff.Metrics.DurationMs)
	}
	if len(handoff.FilesChanged) != 3 {
		t.Fatalf("files should be deduplicated union, got %v", handoff.FilesChanged)
	}
	for _, c := range handoff.Concerns {
		if !strings.HasPrefix(c, "[") {
			t.Fatalf("concern %q not prefixed with subtask id", c)
		}
	}
}

func TestDecompose_MixedOutcomesArePartial(t *testing.T) {
	llm := &fakeLLM{responses: []string{`[
		{"description": "ok", "scope": ["store/a.go"]},
		{"description": "bad", "scope": ["store/b.go"]}
	]`}}
	dispatcher := &fakeDispatcher{statuses: map[string]taskqueue.HandoffStatus{
		"store/b.go": taskqueue.HandoffFailed,
	}}
	s := newTestSubplanner(llm, dispatcher, Config{})

	handoff := s.Decompose(context.Background(), parentTask(), 0)
	if handoff.Status != taskqueue.HandoffPartial {
		t.Fatalf("status = %s, want partial", handoff.Status)
	}
}

func TestDecompose_AllFailedIsFailed(t *testing.T) {
	llm := &fakeLLM{responses: []string{`[
		{"description": "bad1", "scope": ["store/a.go"]},
		{"description": "bad2", "scope": ["store/b.go"]}
	]`}}
	dispatcher := &fakeDispatcher{statuses: map[string]taskqueue.HandoffStatus{
		"store/a.go": taskqueue.HandoffFailed,
		"store/b.go": taskqueue.HandoffFailed,
	}}
	s := newTestSubplanner(llm, dispatcher, Config{})

	if h := s.Decompose(context.Background(), parentTask(), 0); h.Status != taskqueue.HandoffFailed {
		t.Fatalf("status = %s, want failed", h.Status)
	}
}

func TestDecompose_AllBlockedIsBlocked(t *testing.T) {
	llm := &fakeLLM{responses: []string{`[
		{"description": "stuck", "scope": ["store/a.go"]}
	]`}}
	dispatcher := &fakeDispatcher{statuses: map[string]taskqueue.HandoffStatus{
		"store/a.go": taskqueue.HandoffBlocked,
	}}
	s := newTestSubplanner(llm, dispatcher, Config{})

	if h := s.Decompose(context.Background(), parentTask(), 0); h.Status != taskqueue.HandoffBlocked {
		t.Fatalf("status = %s, want blocked", h.Status)
	}
}

func TestDecompose_FanOutCapped(t *testing.T) {
	llm := &fakeLLM{responses: []string{`[
		{"description": "one", "scope": ["store/a.go"]},
		{"description": "two", "scope": ["store/b.go"]},
		{"description": "three", "scope": ["store/c.go"]}
	]`}}
	dispatcher := &fakeDispatcher{}
	s := newTestSubplanner(llm, dispatcher, Config{MaxFanOutPerLevel: 2})

	s.Decompose(context.Background(), parentTask(), 0)
	if n := len(dispatcher.dispatched()); n != 2 {
		t.Fatalf("fan-out not capped: %d dispatches", n)
	}
}

func TestDecompose_LLMFailureIsCatastrophic(t *testing.T) {
	llm := &fakeLLM{err: fmt.Errorf("all endpoints down")}
	s := newTestSubplanner(llm, &fakeDispatcher{}, Config{})

	h := s.Decompose(context.Background(), parentTask(), 0)
	if h.Status != taskqueue.HandoffFailed {
		t.Fatalf("status = %s, want failed", h.Status)
	}
	if len(h.Suggestions) == 0 || !strings.Contains(h.Suggestions[0], "direct worker dispatch") {
		t.Fatalf("missing actionable suggestion: %v", h.Suggestions)
	}
}

func TestDecompose_NoInScopeSubtasksIsCatastrophic(t *testing.T) {
	llm := &fakeLLM{responses: []string{`[{"description": "off target", "scope": ["other/z.go"]}]`}}
	s := newTestSubplanner(llm, &fakeDispatcher{}, Config{})

	if h := s.Decompose(context.Background(), parentTask(), 0); h.Status != taskqueue.HandoffFailed {
		t.Fatalf("status = %s, want failed", h.Status)
	}
}

func TestDecompose_RecursesWithinDepthLimit(t *testing.T) {
	// First level returns one subtask that itself crosses the scope
	// threshold; second level splits it into two leaves.
	llm := &fakeLLM{responses: []string{
		`[{"description": "still big", "scope": ["store/a.go", "store/b.go", "store/c.go", "store/d.go"]}]`,
		`[
			{"description": "leaf one", "scope": ["store/a.go", "store/b.go"]},
			{"description": "leaf two", "scope": ["store/c.go", "store/d.go"]}
		]`,
	}}
	dispatcher := &fakeDispatcher{}
	s := newTestSubplanner(llm, dispatcher, Config{ScopeThreshold: 4, MaxDepth: 1})

	h := s.Decompose(context.Background(), parentTask(), 0)
	if llm.calls != 2 {
		t.Fatalf("expected 2 LLM calls (one per level), got %d", llm.calls)
	}
	if n := len(dispatcher.dispatched()); n != 2 {
		t.Fatalf("expected 2 leaf dispatches, got %d", n)
	}
	if h.Status != taskqueue.HandoffComplete {
		t.Fatalf("status = %s, want complete", h.Status)
	}
}

func TestParseSubtasks_Fenced(t *testing.T) {
	raw := "```json\n[{\"description\": \"a\", \"scope\": [\"x\"]}]\n```"
	subtasks, err := parseSubtasks(raw)
	if err != nil {
		t.Fatalf("parseSubtasks: %v", err)
	}
	if len(subtasks) != 1 || subtasks[0].Description != "a" {
		t.Fatalf("subtasks = %+v", subtasks)
	}
}

func TestParseSubtasks_NoArray(t *testing.T) {
	if _, err := parseSubtasks("no tasks today"); err == nil {
		t.Fatal("expected error for a response with no array")
	}
}
