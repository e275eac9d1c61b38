package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"LLM_ENDPOINTS", "LLM_MODEL", "LLM_MAX_TOKENS", "LLM_TEMPERATURE",
		"GIT_REPO_URL", "GIT_TOKEN", "MAX_WORKERS", "WORKER_TIMEOUT",
		"MERGE_STRATEGY", "TARGET_REPO_PATH", "LOOP_SLEEP_MS",
		"MIN_HANDOFFS_FOR_REPLAN", "BACKOFF_BASE_MS", "BACKOFF_MAX_MS",
		"MAX_CONSECUTIVE_ERRORS", "ORCHESTRATOR_PROMPTS_PATH",
	}
	for _, k := range keys {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func TestLoad_RequiresEndpoints(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); err == nil {
		t.Fatal("expected error when LLM_ENDPOINTS is unset")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_ENDPOINTS", `[{"name":"a","endpoint":"http://localhost:1234","weight":1}]`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxWorkers != 100 {
		t.Errorf("MaxWorkers = %d, want 100", cfg.MaxWorkers)
	}
	if cfg.WorkerTimeout != 1800*time.Second {
		t.Errorf("WorkerTimeout = %v, want 1800s", cfg.WorkerTimeout)
	}
	if cfg.MergeStrategy != MergeStrategyFastForward {
		t.Errorf("MergeStrategy = %v, want fast-forward", cfg.MergeStrategy)
	}
	if cfg.MainBranch != "main" {
		t.Errorf("MainBranch = %q, want main", cfg.MainBranch)
	}
	if cfg.Loop.MinHandoffsForReplan != 3 {
		t.Errorf("MinHandoffsForReplan = %d, want 3", cfg.Loop.MinHandoffsForReplan)
	}
	if cfg.Loop.MaxConsecutiveErrors != 10 {
		t.Errorf("MaxConsecutiveErrors = %d, want 10", cfg.Loop.MaxConsecutiveErrors)
	}
	if len(cfg.Endpoints) != 1 || cfg.Endpoints[0].Name != "a" {
		t.Errorf("Endpoints = %+v", cfg.Endpoints)
	}
}

func TestLoad_InvalidMergeStrategy(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_ENDPOINTS", `[{"name":"a","endpoint":"http://localhost:1234","weight":1}]`)
	t.Setenv("MERGE_STRATEGY", "bogus")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid MERGE_STRATEGY")
	}
}

func TestLoad_EndpointDefaultWeight(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_ENDPOINTS", `[{"name":"a","endpoint":"http://localhost:1234"}]`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Endpoints[0].Weight != 1 {
		t.Errorf("default weight = %d, want 1", cfg.Endpoints[0].Weight)
	}
}

func TestLoad_MissingEndpointFields(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLM_ENDPOINTS", `[{"weight":1}]`)
	if _, err := Load(); err == nil {
		t.Fatal("expected error for endpoint missing name/endpoint")
	}
}
