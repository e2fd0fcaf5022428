package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/meridian-run/meridian/internal/diagnose"
	"github.com/meridian-run/meridian/internal/state"
	"github.com/meridian-run/meridian/internal/types"
)

var runDiagnoseCmd = &cobra.Command{
	Use:   "diagnose <space-id> <run-id>",
	Short: "Ask Claude Haiku why a finished run failed",
	Long: `A read-only, post-hoc convenience command: reads a finished run's
recorded output and asks Claude Haiku for a one-paragraph summary of the
likely cause. Requires ANTHROPIC_API_KEY. Never part of the run path
itself.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoRoot, err := resolveRepoRoot()
		if err != nil {
			return err
		}
		spaceDir := state.ResolveSpaceDir(repoRoot, types.SpaceID(args[0]))
		runID := types.RunID(args[1])
		artifacts := state.NewLocalStore(state.ResolveStatePaths(repoRoot).ArtifactsDir)

		summary, err := diagnose.Run(cmd.Context(), spaceDir, runID, artifacts)
		if errors.Is(err, diagnose.ErrNoAPIKey) {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("%s ANTHROPIC_API_KEY is not set; cannot diagnose.\n", yellow("⚠"))
			return nil
		}
		if err != nil {
			return fmt.Errorf("diagnose run %s: %w", runID, err)
		}

		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Printf("%s %s\n", cyan("→"), summary.Reasoning)
		if summary.Confidence > 0 {
			fmt.Printf("  confidence: %.2f\n", summary.Confidence)
		}
		return nil
	},
}

func init() {
	runCmd.AddCommand(runDiagnoseCmd)
}
