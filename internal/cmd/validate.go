package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/harrison/autodev/internal/logger"
	"github.com/harrison/autodev/internal/models"
	"github.com/harrison/autodev/internal/parser"
)

// NewValidateCommand creates and returns the validate subcommand.
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [plan-file]",
		Short: "Validate an AUTO-DEV.md plan file",
		Long: `Parse and validate a plan file, checking for:
  - Task blocks that parse into well-formed tasks
  - Dependencies that reference declared tasks
  - Circular dependencies
  - Wave assignments

Exit code: 0 if valid, 1 if errors found`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planFile := defaultPlanFile
			if len(args) > 0 {
				planFile = args[0]
			}
			return validatePlan(planFile, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}

	return cmd
}

// validatePlan parses the plan and reports structural problems. Returns an
// error (nonzero exit) when the plan cannot be executed as written.
func validatePlan(planFile string, output io.Writer) error {
	planAbs, err := filepath.Abs(planFile)
	if err != nil {
		return fmt.Errorf("resolve plan file path: %w", err)
	}

	warn := logger.NewConsoleLogger(output, "warn")
	plan, err := parser.NewPlanParser(warn).Parse(planAbs)
	if err != nil {
		fmt.Fprintf(output, "✗ Failed to parse plan from %s\n", planAbs)
		fmt.Fprintf(output, "  Error: %v\n", err)
		return fmt.Errorf("parse error: %w", err)
	}

	fmt.Fprintf(output, "✓ Parsed %d task(s) from %s\n", len(plan.Tasks), planAbs)

	var errors []string

	unresolved := plan.UnresolvedDeps()
	if len(unresolved) == 0 {
		fmt.Fprintf(output, "✓ All task dependencies resolve\n")
	} else {
		ids := make([]string, 0, len(unresolved))
		for id := range unresolved {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			errors = append(errors, fmt.Sprintf("Task %s: unresolved dependencies %v", id, unresolved[id]))
		}
		fmt.Fprintf(output, "✗ %d task(s) have unresolved dependencies\n", len(unresolved))
	}

	if plan.HasCyclicDependencies() {
		errors = append(errors, "Circular dependency detected in task dependencies")
		fmt.Fprintf(output, "✗ Circular dependency detected\n")
	} else {
		fmt.Fprintf(output, "✓ No circular dependencies detected\n")
	}

	printWaveSummary(output, plan)

	if len(errors) == 0 {
		fmt.Fprintf(output, "\n✓ Plan is valid!\n")
		return nil
	}

	fmt.Fprintf(output, "\n✗ Validation failed\n")
	for _, errMsg := range errors {
		fmt.Fprintf(output, "  ✗ %s\n", errMsg)
	}
	fmt.Fprintf(output, "\nFound %d validation error(s)!\n", len(errors))

	return fmt.Errorf("validation failed with %d error(s)", len(errors))
}

// printWaveSummary lists each wave with its task count and any tasks left
// on the default wave.
func printWaveSummary(output io.Writer, plan *models.Plan) {
	counts := make(map[int]int)
	var waves []int
	for _, t := range plan.Tasks {
		if counts[t.Wave] == 0 {
			waves = append(waves, t.Wave)
		}
		counts[t.Wave]++
	}
	sort.Ints(waves)

	fmt.Fprintf(output, "✓ %d wave(s):\n", len(waves))
	for _, wave := range waves {
		label := fmt.Sprintf("Wave %d", wave)
		if wave == models.DefaultWave {
			label = fmt.Sprintf("Wave %d (default)", wave)
		}
		fmt.Fprintf(output, "    %s: %d task(s)\n", label, counts[wave])
	}
}
