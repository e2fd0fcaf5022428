// Command meridian drives run-execution spaces from the terminal: creating
// and listing spaces, starting harness runs against them, inspecting chat
// sessions, tailing run activity, and checking installation health.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meridian-run/meridian/internal/config"
)

var (
	repoRootFlag string
	configFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "meridian",
	Short: "Run-execution engine for long-running harness agents",
	Long: `Meridian orchestrates long-running Claude/Codex/OpenCode harness
subprocesses against isolated workspaces ("spaces"), recording every run
and chat session as an append-only, crash-tolerant event log.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&repoRootFlag, "repo-root", "", "repo root containing .meridian/ (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "path to a meridian.yaml config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveRepoRoot returns the explicit --repo-root flag or the process's
// current working directory.
func resolveRepoRoot() (string, error) {
	if repoRootFlag != "" {
		return repoRootFlag, nil
	}
	return os.Getwd()
}

// loadConfig loads runtime defaults from --config, falling back to the
// documented defaults when no file is given.
func loadConfig() (config.Config, error) {
	return config.Load(configFlag)
}
