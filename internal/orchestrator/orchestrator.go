// Package orchestrator is the shell that wires every subsystem
// together: it loads configuration and the four system
// prompts, builds the planner, sub-planner, worker pool, merge queue,
// monitor, and reconciler, routes merge-conflict events into planner
// fix-task injection, and shuts everything down in order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gofrs/flock"

	"github.com/forgeswarm/orchestrator/internal/audit"
	"github.com/forgeswarm/orchestrator/internal/bus"
	"github.com/forgeswarm/orchestrator/internal/config"
	"github.com/forgeswarm/orchestrator/internal/gitmutex"
	"github.com/forgeswarm/orchestrator/internal/gitrepo"
	"github.com/forgeswarm/orchestrator/internal/limiter"
	"github.com/forgeswarm/orchestrator/internal/llmclient"
	"github.com/forgeswarm/orchestrator/internal/mergequeue"
	"github.com/forgeswarm/orchestrator/internal/monitor"
	otelx "github.com/forgeswarm/orchestrator/internal/otel"
	"github.com/forgeswarm/orchestrator/internal/persistence"
	"github.com/forgeswarm/orchestrator/internal/planner"
	"github.com/forgeswarm/orchestrator/internal/reconciler"
	"github.com/forgeswarm/orchestrator/internal/subplanner"
	"github.com/forgeswarm/orchestrator/internal/taskqueue"
	"github.com/forgeswarm/orchestrator/internal/workerpool"
)

const (
	defaultBranchPrefix = "swarm/"
	probeDeadline       = 60 * time.Second
)

// Orchestrator owns every subsystem for one run.
type Orchestrator struct {
	cfg     config.Config
	log     *slog.Logger
	request string

	runLock  *flock.Flock
	store    *persistence.Store
	eventBus *bus.Bus
	queue    *taskqueue.Queue
	limiter  *limiter.Limiter
	llm      *llmclient.Client
	otel     *otelx.Provider
	mutex    *gitmutex.Mutex
	repo     *gitrepo.Repo
	pool     *workerpool.Pool
	merge    *mergequeue.Queue
	monitor  *monitor.Monitor
	planner  *planner.Planner
	recon    *reconciler.Reconciler
	conflict *conflictRouter

	eventsSub  *bus.Subscription
	eventsDone chan struct{}
	stopped    bool
}

// New builds a fully wired Orchestrator for one run of request against
// the configured target repository. No subsystem is started; call Run.
func New(cfg config.Config, request string, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	prompts, err := LoadPrompts(cfg.PromptsPath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open store: %w", err)
	}

	otelEnabled := os.Getenv("OTEL_ENABLED") == "true"
	provider, err := otelx.Init(context.Background(), otelx.Config{
		Enabled:     otelEnabled,
		Exporter:    "stdout",
		ServiceName: "forgeswarm-orchestrator",
		SampleRate:  1.0,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("orchestrator: init otel: %w", err)
	}
	metrics, err := otelx.NewMetrics(provider.Meter)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("orchestrator: init metrics: %w", err)
	}

	eventBus := bus.New()
	queue := taskqueue.New()
	queue.OnStatusChange(func(c taskqueue.StatusChange) {
		eventBus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID: c.TaskID, OldStatus: string(c.From), NewStatus: string(c.To),
		})
	})

	endpoints := make([]llmclient.EndpointConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		endpoints = append(endpoints, llmclient.EndpointConfig{
			Name: ep.Name, Endpoint: ep.Endpoint, APIKey: ep.APIKey, Weight: ep.Weight,
		})
	}
	llm, err := llmclient.New(llmclient.Config{
		Endpoints:   endpoints,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	pool, err := workerpool.New(workerpool.Config{
		Image:       cfg.Sandbox.Image,
		MemoryMB:    cfg.Sandbox.MemoryMB,
		NetworkMode: cfg.Sandbox.NetworkMode,
		Workspace:   cfg.Sandbox.Workspace,
		Timeout:     cfg.WorkerTimeout,
	}, provider.Tracer, logger, func(taskID, phase, message string) {
		eventBus.Publish(bus.TopicWorkerProgress, bus.WorkerProgressEvent{
			TaskID: taskID, Phase: phase, Message: message,
		})
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	gmutex := gitmutex.New()
	repo := gitrepo.New(cfg.TargetRepoPath, cfg.GitToken)
	lim := limiter.New(cfg.MaxWorkers)

	merge := mergequeue.New(mergequeue.Config{
		Store:      store,
		Mutex:      gmutex,
		Repo:       repo,
		Strategy:   gitrepo.MergeStrategy(cfg.MergeStrategy),
		MainBranch: cfg.MainBranch,
		Bus:        eventBus,
		Logger:     logger,
	})

	mon := monitor.New(monitor.Config{
		Limiter:       lim,
		Queue:         queue,
		Metrics:       metrics,
		Bus:           eventBus,
		Logger:        logger,
		WorkerTimeout: cfg.WorkerTimeout,
		GourceLogPath: cfg.GourceLogPath,
	})

	workerLLM := sandboxLLMConfig(cfg)

	sub := subplanner.New(subplanner.Config{
		SystemPrompt:      prompts.Subplanner,
		ScopeThreshold:    cfg.Subplanner.ScopeThreshold,
		MaxDepth:          cfg.Subplanner.MaxDepth,
		MaxFanOutPerLevel: cfg.Subplanner.MaxFanOutPerLevel,
		BranchPrefix:      defaultBranchPrefix,
		RepoURL:           cfg.GitRepoURL,
		GitToken:          cfg.GitToken,
		LLMConfig:         workerLLM,
	}, subplanner.Deps{
		LLM:        llm,
		Dispatcher: pool,
		Limiter:    lim,
		Logger:     logger,
	})

	plan := planner.New(planner.Config{
		Request:                  request,
		Artifacts:                specArtifacts(cfg.TargetRepoPath),
		SystemPrompt:             prompts.Planner,
		BranchPrefix:             defaultBranchPrefix,
		SubplannerScopeThreshold: cfg.Subplanner.ScopeThreshold,
		LoopSleep:                cfg.Loop.LoopSleep,
		MinHandoffsForReplan:     cfg.Loop.MinHandoffsForReplan,
		BackoffBase:              cfg.Loop.BackoffBase,
		BackoffMax:               cfg.Loop.BackoffMax,
		MaxConsecutiveErrors:     cfg.Loop.MaxConsecutiveErrors,
		RepoURL:                  cfg.GitRepoURL,
		GitToken:                 cfg.GitToken,
		LLMConfig:                workerLLM,
	}, planner.Deps{
		LLM:           llm,
		Dispatcher:    pool,
		Subplanner:    sub,
		Limiter:       lim,
		Queue:         queue,
		Store:         store,
		Bus:           eventBus,
		Monitor:       mon,
		MergeEnqueuer: merge,
		Mutex:         gmutex,
		Repo:          repo,
		Logger:        logger,
	})

	recon, err := reconciler.New(reconciler.Config{
		SystemPrompt: prompts.Reconciler,
		CronExpr:     cfg.Reconciler.CronExpr,
		RepoDir:      cfg.TargetRepoPath,
		BuildCmd:     cfg.Reconciler.BuildCmd,
		TestCmd:      cfg.Reconciler.TestCmd,
		MaxFixTasks:  cfg.Reconciler.MaxFixTasks,
		BranchPrefix: defaultBranchPrefix,
	}, reconciler.Deps{
		LLM:      llm,
		Injector: plan,
		Mutex:    gmutex,
		Bus:      eventBus,
		Logger:   logger,
	})
	if err != nil {
		_ = store.Close()
		_ = pool.Close()
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	conflict := newConflictRouter(plan, store, logger,
		cfg.ConflictFix.MaxPerRun, cfg.ConflictFix.FilesPerTask,
		cfg.ConflictFix.BranchExcludeTerm, defaultBranchPrefix)

	return &Orchestrator{
		cfg:      cfg,
		log:      logger,
		request:  request,
		runLock:  flock.New(cfg.RunLockPath),
		store:    store,
		eventBus: eventBus,
		queue:    queue,
		limiter:  lim,
		llm:      llm,
		otel:     provider,
		mutex:    gmutex,
		repo:     repo,
		pool:     pool,
		merge:    merge,
		monitor:  mon,
		planner:  plan,
		recon:    recon,
		conflict: conflict,
	}, nil
}

// Run drives one complete orchestration run: it takes the run lock,
// probes the LLM endpoints for readiness, starts the background
// subsystems, runs the planner loop to completion, and shuts down.
func (o *Orchestrator) Run(ctx context.Context) error {
	locked, err := o.runLock.TryLock()
	if err != nil {
		return fmt.Errorf("orchestrator: run lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("orchestrator: another orchestrator holds %s", o.cfg.RunLockPath)
	}

	if err := audit.Init(o.cfg.HomeDir); err != nil {
		o.log.Warn("audit trail unavailable", "error", err)
	}

	if err := o.llm.Probe(ctx, probeDeadline); err != nil {
		o.shutdown()
		return err
	}

	o.startEventConsumer(ctx)
	o.monitor.Start(ctx)
	o.merge.Start(ctx)
	o.recon.Start(ctx)

	o.log.Info("orchestrator started",
		"maxWorkers", o.cfg.MaxWorkers,
		"mergeStrategy", string(o.cfg.MergeStrategy),
		"targetRepo", o.cfg.TargetRepoPath)

	err = o.planner.Run(ctx)
	o.shutdown()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startEventConsumer routes merge events: every result feeds the
// monitor's merge counters (and the Gource log on success), and every
// conflict goes through the bounded fix-task router.
func (o *Orchestrator) startEventConsumer(ctx context.Context) {
	o.eventsSub = o.eventBus.Subscribe("merge.")
	o.eventsDone = make(chan struct{})
	go func() {
		defer close(o.eventsDone)
		for ev := range o.eventsSub.Ch() {
			switch payload := ev.Payload.(type) {
			case bus.MergeResultEvent:
				o.monitor.RecordMergeAttempt(payload.Success)
				if payload.Success {
					if err := o.monitor.ExportGourceLog(payload.Branch); err != nil {
						o.log.Warn("gource export failed", "branch", payload.Branch, "error", err)
					}
				}
			case bus.MergeConflictEvent:
				o.conflict.handle(ctx, payload)
			}
		}
	}()
}

// shutdown stops subsystems in reverse dependency order: planner (already
// stopped by the time this runs), reconciler, merge queue, monitor,
// worker pool. Idempotent.
func (o *Orchestrator) shutdown() {
	if o.stopped {
		return
	}
	o.stopped = true

	o.recon.Stop()
	o.merge.Stop()
	o.monitor.Stop()
	if err := o.pool.Close(); err != nil {
		o.log.Warn("worker pool close failed", "error", err)
	}

	if o.eventsSub != nil {
		o.eventBus.Unsubscribe(o.eventsSub)
		<-o.eventsDone
	}

	if err := o.otel.Shutdown(context.Background()); err != nil {
		o.log.Warn("otel shutdown failed", "error", err)
	}
	if err := audit.Close(); err != nil {
		o.log.Warn("audit close failed", "error", err)
	}
	if err := o.store.Close(); err != nil {
		o.log.Warn("store close failed", "error", err)
	}
	if err := o.runLock.Unlock(); err != nil {
		o.log.Warn("run lock release failed", "error", err)
	}
	o.log.Info("orchestrator stopped", "conflictFixTasks", o.conflict.injectedCount())
}

// sandboxLLMConfig picks the heaviest-weighted endpoint as the one the
// sandbox talks to directly; the sandbox has no failover of its own.
func sandboxLLMConfig(cfg config.Config) workerpool.LLMConfig {
	best := cfg.Endpoints[0]
	for _, ep := range cfg.Endpoints[1:] {
		if ep.Weight > best.Weight {
			best = ep
		}
	}
	return workerpool.LLMConfig{
		Endpoint:    best.Endpoint,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		APIKey:      best.APIKey,
	}
}

// specArtifacts lists the repository specification documents the
// planner's initial message outlines when present: the
// product spec, the feature catalog, agent conventions, and recorded
// decisions.
func specArtifacts(repoPath string) []planner.ArtifactSource {
	candidates := []planner.ArtifactSource{
		{Name: "SPEC", Path: repoPath + "/SPEC.md"},
		{Name: "Features", Path: repoPath + "/FEATURES.md"},
		{Name: "Agent conventions", Path: repoPath + "/AGENTS.md"},
		{Name: "Decisions", Path: repoPath + "/DECISIONS.md"},
	}
	var out []planner.ArtifactSource
	for _, c := range candidates {
		if _, err := os.Stat(c.Path); err == nil {
			out = append(out, c)
		}
	}
	return out
}
