package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/meridian-run/meridian/internal/state"
	"github.com/meridian-run/meridian/internal/types"
)

var spaceCmd = &cobra.Command{
	Use:   "space",
	Short: "Create and inspect spaces",
}

var spaceCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a new space",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoRoot, err := resolveRepoRoot()
		if err != nil {
			return err
		}
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		space, err := state.CreateSpace(repoRoot, name)
		if err != nil {
			return fmt.Errorf("create space: %w", err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Created space %s\n", green("✓"), space.ID)
		return nil
	},
}

var spaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known spaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		repoRoot, err := resolveRepoRoot()
		if err != nil {
			return err
		}
		paths := state.ResolveStatePaths(repoRoot)
		entries, err := os.ReadDir(paths.AllSpacesDir)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No spaces found.")
				return nil
			}
			return fmt.Errorf("list spaces: %w", err)
		}

		var names []string
		for _, entry := range entries {
			if entry.IsDir() {
				names = append(names, entry.Name())
			}
		}
		sort.Strings(names)

		cyan := color.New(color.FgCyan).SprintFunc()
		for _, name := range names {
			spaceDir := state.ResolveSpaceDir(repoRoot, types.SpaceID(name))
			space, err := state.ReadSpace(spaceDir)
			if err != nil {
				fmt.Printf("%s %s (unreadable: %v)\n", cyan("•"), name, err)
				continue
			}
			fmt.Printf("%s %s  status=%s  created=%s\n", cyan("•"), space.ID, space.Status, space.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var spaceShowCmd = &cobra.Command{
	Use:   "show <space-id>",
	Short: "Show one space's status and run statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoRoot, err := resolveRepoRoot()
		if err != nil {
			return err
		}
		spaceDir := state.ResolveSpaceDir(repoRoot, types.SpaceID(args[0]))
		space, err := state.ReadSpace(spaceDir)
		if err != nil {
			return fmt.Errorf("read space: %w", err)
		}
		stats, err := state.ComputeRunStats(spaceDir)
		if err != nil {
			return fmt.Errorf("compute run stats: %w", err)
		}

		fmt.Printf("Space:   %s\n", space.ID)
		fmt.Printf("Status:  %s\n", space.Status)
		fmt.Printf("Created: %s\n", space.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("Runs:    %d total, $%.4f spent, %d input tokens, %d output tokens\n",
			stats.TotalRuns, stats.TotalCostUSD, stats.TotalInputTokens, stats.TotalOutputTokens)
		for status, count := range stats.ByStatus {
			fmt.Printf("  %-10s %d\n", status, count)
		}
		return nil
	},
}

func init() {
	spaceCmd.AddCommand(spaceCreateCmd, spaceListCmd, spaceShowCmd)
	rootCmd.AddCommand(spaceCmd)
}
