package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/meridian-run/meridian/internal/state"
	"github.com/meridian-run/meridian/internal/types"
)

var tailCmd = &cobra.Command{
	Use:   "tail <space-id>",
	Short: "Watch run activity for a space in real time",
	Long: `Display recent runs recorded in a space's runs.jsonl and optionally
follow it for new activity.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		follow, _ := cmd.Flags().GetBool("follow")
		chatFilter, _ := cmd.Flags().GetString("chat")
		limit, _ := cmd.Flags().GetInt("limit")

		repoRoot, err := resolveRepoRoot()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		spaceDir := state.ResolveSpaceDir(repoRoot, types.SpaceID(args[0]))

		if follow {
			runTailFollow(spaceDir, chatFilter, limit)
		} else {
			runTailOnce(spaceDir, chatFilter, limit)
		}
	},
}

func init() {
	tailCmd.Flags().BoolP("follow", "f", false, "follow mode - watch for live updates (Ctrl+C to stop)")
	tailCmd.Flags().String("chat", "", "filter runs by chat ID")
	tailCmd.Flags().IntP("limit", "n", 20, "number of recent runs to show initially")
	rootCmd.AddCommand(tailCmd)
}

func runTailOnce(spaceDir, chatFilter string, limit int) {
	runs, err := fetchRuns(spaceDir, chatFilter, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error fetching runs: %v\n", err)
		os.Exit(1)
	}
	if len(runs) == 0 {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("\n%s No runs found\n\n", yellow("✨"))
		return
	}
	for _, run := range runs {
		displayRunRecord(run)
	}
}

func runTailFollow(spaceDir, chatFilter string, initialLimit int) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Printf("\n%s Following live updates (Ctrl+C to stop)...\n\n", cyan("👁"))

	runs, err := fetchRuns(spaceDir, chatFilter, initialLimit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error fetching runs: %v\n", err)
		os.Exit(1)
	}
	for _, run := range runs {
		displayRunRecord(run)
	}

	seen := make(map[types.RunID]bool, len(runs))
	for _, run := range runs {
		seen[run.ID] = true
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigChan:
			fmt.Println("\n\nStopped following")
			return
		case <-ticker.C:
			all, err := state.ListRuns(spaceDir)
			if err != nil {
				fmt.Fprintf(os.Stderr, "\nError fetching new runs: %v\n", err)
				continue
			}
			for _, run := range all {
				if seen[run.ID] {
					continue
				}
				if chatFilter != "" && string(run.ChatID) != chatFilter {
					continue
				}
				seen[run.ID] = true
				displayRunRecord(run)
			}
		}
	}
}

func fetchRuns(spaceDir, chatFilter string, limit int) ([]state.RunRecord, error) {
	all, err := state.ListRuns(spaceDir)
	if err != nil {
		return nil, err
	}
	var filtered []state.RunRecord
	for _, run := range all {
		if chatFilter != "" && string(run.ChatID) != chatFilter {
			continue
		}
		filtered = append(filtered, run)
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered, nil
}

func displayRunRecord(run state.RunRecord) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	dim := color.New(color.FgHiBlack).SprintFunc()

	marker := yellow("•")
	switch run.Status {
	case types.RunSucceeded:
		marker = green("✓")
	case types.RunFailed, types.RunCancelled:
		marker = red("✗")
	}

	fmt.Printf("%s %s  chat=%s  harness=%s  model=%s  started=%s\n",
		marker, run.ID, run.ChatID, run.Harness, run.Model, run.StartedAt)
	if run.Error != "" {
		fmt.Printf("    %s %s\n", dim("error:"), run.Error)
	}
}
