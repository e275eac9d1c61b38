// Package telemetry builds the structured logger the rest of the
// orchestrator uses. Log lines are NDJSON with a fixed field set:
// {timestamp, level, agentId, agentRole, taskId?, message, data?}.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgeswarm/orchestrator/internal/shared"
)

// contextHandler injects agentRole plus any trace/task/run IDs carried on
// the context into every record, so every line can be correlated
// back to the run and task that produced it.
type contextHandler struct {
	slog.Handler
	agentRole string
}

// NewLogger opens (or creates) homeDir/logs/orchestrator.jsonl and
// returns a logger writing NDJSON lines tagged with agentRole. When
// quiet is false, lines are also mirrored to stdout for interactive
// runs; daemons log to the file only.
func NewLogger(homeDir, level string, quiet bool, agentRole string) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "orchestrator.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				a.Key = "timestamp"
			case slog.MessageKey:
				a.Key = "message"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted := shared.Redact(a.Value.String()); redacted != a.Value.String() {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
	return slog.New(&contextHandler{Handler: handler, agentRole: agentRole}), file, nil
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.String("agentRole", h.agentRole))
	if id := shared.TraceID(ctx); id != "-" {
		r.AddAttrs(slog.String("traceId", id))
	}
	if id := shared.TaskID(ctx); id != "" {
		r.AddAttrs(slog.String("taskId", id))
	}
	if id := shared.RunID(ctx); id != "" {
		r.AddAttrs(slog.String("agentId", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs), agentRole: h.agentRole}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name), agentRole: h.agentRole}
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
