package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/meridian-run/meridian/internal/config"
	"github.com/meridian-run/meridian/internal/harness"
	"github.com/meridian-run/meridian/internal/index"
	"github.com/meridian-run/meridian/internal/state"
	"github.com/meridian-run/meridian/internal/types"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check Meridian installation and environment health",
	Long: `Run health checks to diagnose common Meridian configuration and
environment issues.

This command checks for:
- State root existence and writability
- Harness CLIs discoverable on PATH, and their installed version against
  the configured minimum
- Guardrail scripts present and executable
- Required secret environment variables
- The query index cache rebuilds cleanly from runs.jsonl
- With --model, that the given model is live in the Claude model catalog

Exit codes:
  0 - All checks passed
  1 - One or more checks failed (but not critical)
  2 - Critical failures that prevent Meridian from running`,
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()

		fmt.Printf("Running Meridian health checks...\n\n")

		var criticalFailures []string
		var failures []string
		var warnings []string

		repoRoot, err := resolveRepoRoot()
		if err != nil {
			criticalFailures = append(criticalFailures, fmt.Sprintf("Cannot resolve repo root: %v", err))
			fmt.Printf("%s Repo root\n  %s %v\n", cyan("→"), red("✗"), err)
			reportDoctorSummary(criticalFailures, failures, warnings)
			return
		}

		fmt.Printf("%s State root\n", cyan("→"))
		paths := state.ResolveStatePaths(repoRoot)
		if info, statErr := os.Stat(paths.RootDir); statErr != nil {
			warnings = append(warnings, "State root does not exist yet (will be created on first space)")
			fmt.Printf("  %s %s does not exist yet\n", yellow("⚠"), paths.RootDir)
		} else if !info.IsDir() {
			criticalFailures = append(criticalFailures, fmt.Sprintf("%s exists but is not a directory", paths.RootDir))
			fmt.Printf("  %s %s is not a directory\n", red("✗"), paths.RootDir)
		} else {
			probe := paths.RootDir + "/.doctor-write-probe"
			if writeErr := os.WriteFile(probe, []byte("ok"), 0o600); writeErr != nil {
				failures = append(failures, fmt.Sprintf("State root not writable: %v", writeErr))
				fmt.Printf("  %s %s is not writable\n", red("✗"), paths.RootDir)
			} else {
				os.Remove(probe)
				fmt.Printf("  %s %s exists and is writable\n", green("✓"), paths.RootDir)
			}
		}

		fmt.Printf("%s Config\n", cyan("→"))
		cfg, cfgErr := loadConfig()
		if cfgErr != nil {
			failures = append(failures, fmt.Sprintf("Cannot load config: %v", cfgErr))
			fmt.Printf("  %s %v\n", red("✗"), cfgErr)
		}

		fmt.Printf("%s Harness CLIs\n", cyan("→"))
		for _, harnessID := range []types.HarnessID{types.HarnessClaude, types.HarnessCodex, types.HarnessOpenCode} {
			binary := harnessBinaryName(harnessID)
			path, lookErr := exec.LookPath(binary)
			if lookErr != nil {
				warnings = append(warnings, fmt.Sprintf("%s not found on PATH", binary))
				fmt.Printf("  %s %s not found on PATH\n", yellow("⚠"), binary)
				continue
			}
			fmt.Printf("  %s %s found at %s\n", green("✓"), binary, path)
			if verbose {
				fmt.Printf("    harness=%s\n", harnessID)
			}
			if cfgErr == nil {
				if warning := checkHarnessVersion(binary, cfg.MinVersionFor(binary)); warning != "" {
					warnings = append(warnings, warning)
					fmt.Printf("    %s %s\n", yellow("⚠"), warning)
				}
			}
		}

		if cfgErr == nil {
			fmt.Printf("  %s config loaded (max_retries=%d, default_tier=%s)\n", green("✓"), cfg.MaxRetries, cfg.DefaultPermissionTier)

			fmt.Printf("%s Guardrail scripts\n", cyan("→"))
			if len(cfg.GuardrailPaths) == 0 {
				fmt.Printf("  %s no guardrail scripts configured\n", green("✓"))
			} else {
				for _, path := range cfg.GuardrailPaths {
					info, statErr := os.Stat(path)
					switch {
					case statErr != nil:
						failures = append(failures, fmt.Sprintf("guardrail %s: %v", path, statErr))
						fmt.Printf("  %s %s: %v\n", red("✗"), path, statErr)
					case info.Mode().Perm()&0o111 == 0:
						warnings = append(warnings, fmt.Sprintf("guardrail %s is not executable (bash fallback will be used)", path))
						fmt.Printf("  %s %s is not executable; will fall back to bash\n", yellow("⚠"), path)
					default:
						fmt.Printf("  %s %s is present and executable\n", green("✓"), path)
					}
				}
			}
		}

		fmt.Printf("%s Query index cache\n", cyan("→"))
		if idx, idxErr := index.Open(paths.IndexDBPath); idxErr != nil {
			warnings = append(warnings, fmt.Sprintf("cannot open index.db: %v", idxErr))
			fmt.Printf("  %s cannot open %s: %v\n", yellow("⚠"), paths.IndexDBPath, idxErr)
		} else {
			rebuilt, failed := rebuildAllSpaces(idx, paths)
			idx.Close()
			if failed > 0 {
				warnings = append(warnings, fmt.Sprintf("%d space(s) failed to rebuild in the index cache", failed))
				fmt.Printf("  %s rebuilt %d space(s), %d failed\n", yellow("⚠"), rebuilt, failed)
			} else {
				fmt.Printf("  %s index.db current (%d space(s) rebuilt from runs.jsonl)\n", green("✓"), rebuilt)
			}
		}

		fmt.Printf("%s Anthropic API key\n", cyan("→"))
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			warnings = append(warnings, "ANTHROPIC_API_KEY not set")
			fmt.Printf("  %s ANTHROPIC_API_KEY not set; the claude harness and post-hoc diagnosis will not work\n", yellow("⚠"))
		} else {
			fmt.Printf("  %s ANTHROPIC_API_KEY is set\n", green("✓"))
			if verbose && len(apiKey) > 14 {
				fmt.Printf("    key: %s...%s\n", apiKey[:10], apiKey[len(apiKey)-4:])
			}
		}

		if model, _ := cmd.Flags().GetString("model"); model != "" {
			fmt.Printf("%s Model catalog\n", cyan("→"))
			if apiKey == "" {
				warnings = append(warnings, fmt.Sprintf("cannot verify model %q: ANTHROPIC_API_KEY not set", model))
				fmt.Printf("  %s cannot verify %q without ANTHROPIC_API_KEY\n", yellow("⚠"), model)
			} else if err := harness.WarmCheckModel(cmd.Context(), apiKey, model); err != nil {
				warnings = append(warnings, err.Error())
				fmt.Printf("  %s %v\n", yellow("⚠"), err)
			} else {
				fmt.Printf("  %s %s is live in the Claude model catalog\n", green("✓"), model)
			}
		}

		reportDoctorSummary(criticalFailures, failures, warnings)
	},
}

func rebuildAllSpaces(idx *index.Index, paths state.StatePaths) (rebuilt, failed int) {
	entries, err := os.ReadDir(paths.AllSpacesDir)
	if err != nil {
		return 0, 0
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		spaceID := types.SpaceID(entry.Name())
		spacePath := filepath.Join(paths.AllSpacesDir, entry.Name())
		if err := idx.RebuildSpace(spacePath, spaceID); err != nil {
			failed++
			continue
		}
		rebuilt++
	}
	return rebuilt, failed
}

// checkHarnessVersion runs "binary --version" and compares the result
// against minVersion. Returns a warning string, or "" if the harness
// meets the minimum or no minimum is configured. A failure to run or
// parse the version string is itself reported as a warning rather than
// silently skipped, since it usually means the harness CLI changed its
// --version output format.
func checkHarnessVersion(binary, minVersion string) string {
	if minVersion == "" {
		return ""
	}
	out, err := exec.Command(binary, "--version").Output()
	if err != nil {
		return fmt.Sprintf("%s --version failed: %v", binary, err)
	}
	installed := extractVersionToken(string(out))
	if installed == "" {
		return fmt.Sprintf("could not parse %s --version output", binary)
	}
	if !config.MeetsMinimumVersion(installed, minVersion) {
		return fmt.Sprintf("%s version %s is older than the configured minimum %s", binary, installed, minVersion)
	}
	return ""
}

// extractVersionToken pulls the first token that looks like a dotted
// version number (e.g. "1.2.3") out of free-form --version output like
// "claude-code 1.2.3" or "codex v0.9.1".
func extractVersionToken(output string) string {
	for _, field := range strings.Fields(output) {
		trimmed := strings.TrimPrefix(field, "v")
		if trimmed == "" {
			continue
		}
		if trimmed[0] < '0' || trimmed[0] > '9' {
			continue
		}
		if strings.Contains(trimmed, ".") {
			return trimmed
		}
	}
	return ""
}

func harnessBinaryName(id types.HarnessID) string {
	switch id {
	case types.HarnessOpenCode:
		return "opencode"
	case types.HarnessCodex:
		return "codex"
	default:
		return "claude"
	}
}

func reportDoctorSummary(criticalFailures, failures, warnings []string) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Printf("\n%s\n", strings.Repeat("─", 60))

	total := len(criticalFailures) + len(failures) + len(warnings)
	if total == 0 {
		fmt.Printf("%s All checks passed! Meridian is ready to run.\n", green("✓"))
		os.Exit(0)
	}

	if len(criticalFailures) > 0 {
		fmt.Printf("\n%s Critical failures (%d):\n", red("✗"), len(criticalFailures))
		for _, f := range criticalFailures {
			fmt.Printf("  • %s\n", f)
		}
	}
	if len(failures) > 0 {
		fmt.Printf("\n%s Failures (%d):\n", red("✗"), len(failures))
		for _, f := range failures {
			fmt.Printf("  • %s\n", f)
		}
	}
	if len(warnings) > 0 {
		fmt.Printf("\n%s Warnings (%d):\n", yellow("⚠"), len(warnings))
		for _, w := range warnings {
			fmt.Printf("  • %s\n", w)
		}
	}

	if len(criticalFailures) > 0 {
		fmt.Printf("\n%s Meridian cannot run until critical issues are resolved.\n", red("✗"))
		os.Exit(2)
	}
	if len(failures) > 0 {
		fmt.Printf("\n%s Meridian may not work correctly. Please address the failures above.\n", yellow("⚠"))
		os.Exit(1)
	}
	fmt.Printf("\n%s Meridian should work, but some warnings were detected.\n", green("✓"))
	os.Exit(0)
}

func init() {
	doctorCmd.Flags().BoolP("verbose", "v", false, "show detailed diagnostic information")
	doctorCmd.Flags().String("model", "", "verify this model is live in the Claude model catalog")
	rootCmd.AddCommand(doctorCmd)
}
