package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/forgeswarm/orchestrator/internal/config"
	"github.com/forgeswarm/orchestrator/internal/orchestrator"
	"github.com/forgeswarm/orchestrator/internal/telemetry"
)

// NewRunCommand creates the foreground run command.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <request>",
		Short: "Run one orchestration to completion",
		Long: `Run drives the target repository from its current state toward the
given request: the planner emits task batches, workers execute them in
ephemeral sandboxes, and the merge queue lands their branches on the
mainline. The command returns once the planner goes idle or the run is
interrupted.

Examples:
  orchestrator run "implement the checkout flow described in SPEC.md"
  orchestrator run --log-level debug "fix the failing integration tests"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			quiet, _ := cmd.Flags().GetBool("quiet")
			level, _ := cmd.Flags().GetString("log-level")
			return runOrchestration(strings.Join(args, " "), level, quiet)
		},
	}

	cmd.Flags().Bool("quiet", false, "Write logs only to the log file, not stdout")
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}

// NewDaemonCommand creates the daemon variant: same run loop, request
// read from a file, logs never mirrored to stdout.
func NewDaemonCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon <request-file>",
		Short: "Run as a background daemon, reading the request from a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read request file: %w", err)
			}
			request := strings.TrimSpace(string(data))
			if request == "" {
				return fmt.Errorf("request file %s is empty", args[0])
			}
			level, _ := cmd.Flags().GetString("log-level")
			return runOrchestration(request, level, true)
		},
	}

	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}

func runOrchestration(request, logLevel string, quiet bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, logLevel, quiet, "orchestrator")
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer closer.Close()

	orch, err := orchestrator.New(cfg, request, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	useColor := !quiet && isatty.IsTerminal(os.Stdout.Fd())
	banner(useColor, cfg, request)

	start := time.Now()
	err = orch.Run(ctx)
	elapsed := time.Since(start).Round(time.Second)

	if err != nil {
		if useColor {
			color.Red("run failed after %s: %v", elapsed, err)
		}
		return err
	}
	if useColor {
		color.Green("run finished in %s", elapsed)
	}
	return nil
}

func banner(useColor bool, cfg config.Config, request string) {
	if !useColor {
		return
	}
	bold := color.New(color.Bold)
	bold.Println("forgeswarm orchestrator")
	fmt.Printf("  request:     %s\n", request)
	fmt.Printf("  target repo: %s\n", cfg.TargetRepoPath)
	fmt.Printf("  max workers: %d\n", cfg.MaxWorkers)
	fmt.Printf("  strategy:    %s\n", cfg.MergeStrategy)
}
