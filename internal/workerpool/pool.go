// Package workerpool dispatches one ephemeral Docker sandbox per task
//: no workers are long-lived. Each dispatch spawns a
// container, streams its stdout, enforces a hard timeout via SIGKILL,
// and parses the sandbox's final stdout line as a Handoff.
package workerpool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.opentelemetry.io/otel/trace"

	otelx "github.com/forgeswarm/orchestrator/internal/otel"
	"github.com/forgeswarm/orchestrator/internal/taskqueue"
)

// Config configures the Docker sandbox a Pool spawns per task.
type Config struct {
	Image       string
	MemoryMB    int64
	NetworkMode string
	Workspace   string
	Timeout     time.Duration // wall-clock budget per task; SIGKILL beyond this
}

// ProgressFunc receives every non-JSON line of sandbox stdout, tagged
// with its phase.
type ProgressFunc func(taskID, phase, message string)

// Pool dispatches tasks into ephemeral Docker containers.
type Pool struct {
	client     *client.Client
	cfg        Config
	tracer     trace.Tracer
	logger     *slog.Logger
	onProgress ProgressFunc
}

// New creates a Pool backed by the Docker client found in the
// environment (DOCKER_HOST or the default socket).
func New(cfg Config, tracer trace.Tracer, logger *slog.Logger, onProgress ProgressFunc) (*Pool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if cfg.Image == "" {
		return nil, errors.New("workerpool: Image is required")
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 2048
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "bridge"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{client: cli, cfg: cfg, tracer: tracer, logger: logger, onProgress: onProgress}, nil
}

// Close releases the underlying Docker client.
func (p *Pool) Close() error {
	return p.client.Close()
}

// Dispatch runs one task to completion in a fresh container. timedOut
// reports whether the task had to be SIGKILL'd for exceeding its
// budget; the caller (planner) is responsible for recording the
// branch in the timed-out-branches list so the merge queue skips it.
func (p *Pool) Dispatch(ctx context.Context, payload Payload) (handoff taskqueue.Handoff, timedOut bool, err error) {
	ctx, span := otelx.StartInternalProcessSpan(ctx, p.tracer, "workerpool.dispatch",
		otelx.AttrTaskID.String(payload.Task.ID))
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return taskqueue.Handoff{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	containerID, err := p.createContainer(ctx, string(body))
	if err != nil {
		return taskqueue.Handoff{}, false, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		_ = p.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}()

	if err := p.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return taskqueue.Handoff{}, false, fmt.Errorf("start container: %w", err)
	}
	p.emitPhase(payload.Task.ID, "spawn", phaseSandboxCreated)

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	lastLine, streamErr := p.streamLogs(runCtx, containerID, payload.Task.ID)

	statusCh, errCh := p.client.ContainerWait(context.Background(), containerID, container.WaitConditionNotRunning)
	select {
	case <-runCtx.Done():
		_ = p.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		p.logger.Warn("workerpool: task exceeded timeout, sent SIGKILL",
			"taskId", payload.Task.ID, "timeout", p.cfg.Timeout)
		return p.synthesizedFailure(payload.Task.ID, "worker timeout"), true, nil
	case werr := <-errCh:
		return p.synthesizedFailure(payload.Task.ID, fmt.Sprintf("container wait error: %v", werr)), false, nil
	case <-statusCh:
	}

	if streamErr != nil {
		return p.synthesizedFailure(payload.Task.ID, fmt.Sprintf("reading stdout: %v", streamErr)), false, nil
	}
	if lastLine == "" {
		return p.synthesizedFailure(payload.Task.ID, "sandbox produced no output"), false, nil
	}

	var h taskqueue.Handoff
	if err := json.Unmarshal([]byte(lastLine), &h); err != nil {
		return p.synthesizedFailure(payload.Task.ID, fmt.Sprintf("final line is not valid Handoff JSON: %v", err)), false, nil
	}
	p.emitPhase(payload.Task.ID, "worker", phaseBranchPushed)
	return h, false, nil
}

func (p *Pool) createContainer(ctx context.Context, payloadJSON string) (string, error) {
	resp, err := p.client.ContainerCreate(ctx, &container.Config{
		Image:      p.cfg.Image,
		Cmd:        []string{payloadJSON},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: p.cfg.MemoryMB * 1024 * 1024},
		NetworkMode: container.NetworkMode(p.cfg.NetworkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", p.cfg.Workspace)},
		AutoRemove:  false,
	}, nil, nil, "")
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// streamLogs follows the container's combined stdout/stderr, emitting
// every non-JSON line as worker-progress and returning the last line
// seen on stdout (the candidate Handoff JSON).
func (p *Pool) streamLogs(ctx context.Context, containerID, taskID string) (string, error) {
	out, err := p.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true, ShowStderr: true, Follow: true,
	})
	if err != nil {
		return "", err
	}
	defer out.Close()

	stdoutR, stdoutW := io.Pipe()
	go func() {
		_, _, _ = stdcopy.StdCopy(stdoutW, io.Discard, out) //nolint:errcheck // EOF is the normal termination path
		_ = stdoutW.Close()
	}()

	var lastLine string
	scanner := bufio.NewScanner(stdoutR)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if !looksLikeJSON(line) {
			pl := parseProgressLine(line)
			p.logProgress(taskID, pl)
			continue
		}
		lastLine = line
	}
	return lastLine, scanner.Err()
}

func looksLikeJSON(line string) bool {
	for _, r := range line {
		switch r {
		case ' ', '\t':
			continue
		case '{', '[':
			return true
		default:
			return false
		}
	}
	return false
}

func (p *Pool) logProgress(taskID string, pl progressLine) {
	p.logger.Info("worker progress", "taskId", taskID, "phase", pl.Phase, "message", pl.Message)
	if p.onProgress != nil {
		p.onProgress(taskID, pl.Phase, pl.Message)
	}
	if transition, ok := detectPhaseTransition(pl.Message); ok {
		p.emitPhase(taskID, pl.Phase, transition)
	}
}

func (p *Pool) emitPhase(taskID, phase string, transition phaseTransition) {
	p.logger.Info("worker phase transition", "taskId", taskID, "phase", phase, "transition", string(transition))
}

func (p *Pool) synthesizedFailure(taskID, reason string) taskqueue.Handoff {
	return taskqueue.Handoff{
		TaskID:   taskID,
		Status:   taskqueue.HandoffFailed,
		Summary:  reason,
		Concerns: []string{reason},
	}
}
