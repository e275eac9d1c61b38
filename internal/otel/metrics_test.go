package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.TasksQueued == nil {
		t.Error("TasksQueued is nil")
	}
	if m.TasksInFlight == nil {
		t.Error("TasksInFlight is nil")
	}
	if m.TasksCompleted == nil {
		t.Error("TasksCompleted is nil")
	}
	if m.TasksFailed == nil {
		t.Error("TasksFailed is nil")
	}
	if m.WorkerDuration == nil {
		t.Error("WorkerDuration is nil")
	}
	if m.LLMCallDuration == nil {
		t.Error("LLMCallDuration is nil")
	}
	if m.TokensUsed == nil {
		t.Error("TokensUsed is nil")
	}
	if m.MergesSucceeded == nil {
		t.Error("MergesSucceeded is nil")
	}
	if m.MergesConflicted == nil {
		t.Error("MergesConflicted is nil")
	}
	if m.MergeQueueDepth == nil {
		t.Error("MergeQueueDepth is nil")
	}
	if m.ReplanCount == nil {
		t.Error("ReplanCount is nil")
	}
	if m.ReconcileRuns == nil {
		t.Error("ReconcileRuns is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
