// Package cmd wires the autodev engine into a cobra command tree. The
// commands are thin: they load configuration, construct the engine's
// collaborators, and render events; all scheduling behavior lives in the
// internal packages they call.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for autodev.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autodev",
		Short: "Dependency-ordered orchestration of AI coding agents",
		Long: `Autodev drives multiple concurrent command-line coding agents through
the dependency-ordered task graph declared in an AUTO-DEV.md plan file.

It parses the plan into waves of tasks, dispatches ready tasks to a
bounded worker pool, supervises each agent's event stream, collects
structured issue reports, writes completed checkboxes back into the plan,
and persists session state so an interrupted run can resume.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewIssuesCommand())
	cmd.AddCommand(NewHistoryCommand())

	return cmd
}
