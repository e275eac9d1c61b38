// Package cmd builds the orchestrator's cobra command tree. The
// process surface is intentionally small: a foreground run command and
// a daemon variant; everything else is configured via the environment.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// NewRootCommand creates and returns the root cobra command.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Autonomous coding orchestrator",
		Long: `Orchestrator plans, dispatches, and reconciles short-lived coding
workers running in ephemeral sandboxes, each instructed by an LLM to
modify a shared repository and push a branch. A background merge queue
lands worker branches on the mainline while a streaming planner feeds
worker outcomes back into the next batch of work.

Configuration is read from the environment; see the project README for
the recognized keys (LLM_ENDPOINTS, GIT_REPO_URL, MAX_WORKERS, ...).`,
		Version:      Version,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewDaemonCommand())

	return cmd
}
