// Package cron drives the reconciler's periodic sweep off
// a standard 5-field cron expression, computing each next-fire time
// with robfig/cron rather than a bare ticker so sweep cadence can be
// expressed the same way any cron-scheduled job is.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// DefaultExpr fires every 5 minutes, the reconciler's default sweep interval.
const DefaultExpr = "*/5 * * * *"

// Config holds the dependencies for the scheduler.
type Config struct {
	Expr   string // 5-field cron expression; defaults to DefaultExpr
	Logger *slog.Logger
	OnFire func(ctx context.Context)
}

// Scheduler fires OnFire at every cron-expression boundary, independent
// of any single named schedule: one recurring job, one callback.
type Scheduler struct {
	schedule cronlib.Schedule
	logger   *slog.Logger
	onFire   func(ctx context.Context)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a Scheduler from cfg. Returns an error if Expr
// does not parse as a 5-field cron expression.
func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := cfg.Expr
	if expr == "" {
		expr = DefaultExpr
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron: parse expression %q: %w", expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OnFire == nil {
		return nil, fmt.Errorf("cron: OnFire is required")
	}
	return &Scheduler{schedule: schedule, logger: logger, onFire: cfg.OnFire}, nil
}

// Start begins waiting for the next scheduled fire time in a
// background goroutine; it respects ctx for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("reconciler scheduler started")
}

// Stop cancels the loop and waits for any in-flight fire to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("reconciler scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.onFire(ctx)
		}
	}
}

// NextRunTime parses expr and returns its next fire time after t.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after), nil
}
