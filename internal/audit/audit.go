// Package audit keeps an append-only JSONL trail of every git-mutex
// guarded action and merge outcome: the operations that mutate the
// shared checkout and so need a durable record beyond the regular log.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgeswarm/orchestrator/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Branch    string `json:"branch,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	failCount atomic.Int64
)

// Init opens (creating if necessary) homeDir/logs/audit.jsonl.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// Close closes the audit file.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailureCount returns the number of "failed" outcomes recorded since startup.
func FailureCount() int64 {
	return failCount.Load()
}

// Record appends one audit entry. action is one of the git-mutex
// guarded operations ("merge", "rebase", "fetch", ...); outcome is
// "succeeded" or "failed".
func Record(action, branch, taskID, outcome, detail string) {
	if outcome == "failed" {
		failCount.Add(1)
	}
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Branch:    branch,
		TaskID:    taskID,
		Outcome:   outcome,
		Detail:    detail,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
