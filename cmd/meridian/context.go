package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/meridian-run/meridian/internal/state"
	"github.com/meridian-run/meridian/internal/types"
)

var contextCmd = &cobra.Command{
	Use:   "context <space-id>",
	Short: "List chat sessions within a space",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoRoot, err := resolveRepoRoot()
		if err != nil {
			return err
		}
		spaceDir := state.ResolveSpaceDir(repoRoot, types.SpaceID(args[0]))
		sessions, err := state.ListSessions(spaceDir)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Println("No chat sessions in this space yet.")
			return nil
		}

		green := color.New(color.FgGreen).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		for _, session := range sessions {
			marker := yellow("stopped")
			if session.StoppedAt == "" {
				marker = green("active")
			}
			fmt.Printf("%s  harness=%s model=%s started=%s [%s]\n",
				session.ChatID, session.Harness, session.Model, session.StartedAt, marker)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(contextCmd)
}
