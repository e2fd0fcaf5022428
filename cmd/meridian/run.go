package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/meridian-run/meridian/internal/harness"
	"github.com/meridian-run/meridian/internal/index"
	"github.com/meridian-run/meridian/internal/logx"
	"github.com/meridian-run/meridian/internal/run"
	"github.com/meridian-run/meridian/internal/safety"
	"github.com/meridian-run/meridian/internal/state"
	"github.com/meridian-run/meridian/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run <space-id>",
	Short: "Start one harness run against a space",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().String("prompt", "", "prompt text for the harness (required)")
	runCmd.Flags().String("chat", "", "existing chat session ID to continue; a new one is started if empty")
	runCmd.Flags().String("harness", string(types.HarnessClaude), "harness to drive: claude, codex, opencode")
	runCmd.Flags().String("model", "", "model override")
	runCmd.Flags().String("agent", "", "agent profile override")
	runCmd.Flags().StringSlice("skill", nil, "skill name to enable (repeatable)")
	runCmd.Flags().StringSlice("extra-arg", nil, "extra CLI argument passed through verbatim (repeatable)")
	runCmd.Flags().StringSlice("mcp-tool", nil, "MCP tool to allow (repeatable); wildcard when empty")
	runCmd.Flags().StringSlice("guardrail", nil, "guardrail script path (repeatable)")
	runCmd.Flags().StringSlice("secret", nil, "KEY=VALUE secret redacted from output and exposed as MERIDIAN_SECRET_KEY (repeatable)")
	runCmd.Flags().String("tier", "read-only", "permission tier: read-only, workspace-write, full-access, danger")
	runCmd.Flags().Bool("unsafe", false, "allow the danger tier to run without its usual restrictions")
	runCmd.Flags().Float64("budget-per-run-usd", 0, "abort the run once its own cost crosses this ceiling (0 = unbounded)")
	runCmd.Flags().Float64("budget-per-workspace-usd", 0, "abort the run once the space's cumulative cost crosses this ceiling (0 = unbounded)")
	runCmd.Flags().String("verbosity", string(types.VisibilityDefault), "stream verbosity: quiet, default, verbose")
	_ = runCmd.MarkFlagRequired("prompt")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	repoRoot, err := resolveRepoRoot()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	prompt, _ := flags.GetString("prompt")
	chatID, _ := flags.GetString("chat")
	harnessID, _ := flags.GetString("harness")
	model, _ := flags.GetString("model")
	agent, _ := flags.GetString("agent")
	skills, _ := flags.GetStringSlice("skill")
	extraArgs, _ := flags.GetStringSlice("extra-arg")
	mcpTools, _ := flags.GetStringSlice("mcp-tool")
	guardrails, _ := flags.GetStringSlice("guardrail")
	rawSecrets, _ := flags.GetStringSlice("secret")
	tier, _ := flags.GetString("tier")
	unsafe, _ := flags.GetBool("unsafe")
	perRunUSD, _ := flags.GetFloat64("budget-per-run-usd")
	perWorkspaceUSD, _ := flags.GetFloat64("budget-per-workspace-usd")
	verbosity, _ := flags.GetString("verbosity")

	if !types.HarnessID(harnessID).IsValid() {
		return fmt.Errorf("unknown harness %q", harnessID)
	}

	permConfig, err := safety.BuildPermissionConfig(tier, unsafe)
	if err != nil {
		return err
	}

	secrets, err := parseSecretFlags(rawSecrets)
	if err != nil {
		return err
	}

	guardrailPaths := guardrails
	if len(guardrailPaths) == 0 {
		guardrailPaths = cfg.GuardrailPaths
	}
	resolvedGuardrails, err := safety.NormalizeGuardrailPaths(guardrailPaths, repoRoot)
	if err != nil {
		return err
	}

	spaceDir := state.ResolveSpaceDir(repoRoot, types.SpaceID(args[0]))
	if _, err := state.ReadSpace(spaceDir); err != nil {
		return fmt.Errorf("read space: %w", err)
	}

	var chat types.ChatID
	if chatID != "" {
		chat = types.ChatID(chatID)
	} else {
		chat, err = state.StartSession(spaceDir, state.StartSessionParams{
			Harness: types.HarnessID(harnessID),
			Model:   model,
		})
		if err != nil {
			return fmt.Errorf("start chat session: %w", err)
		}
	}

	stats, err := state.ComputeRunStats(spaceDir)
	if err != nil {
		return fmt.Errorf("compute run stats: %w", err)
	}

	visible := types.Visibility(verbosity).Categories()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	idx, idxErr := index.Open(state.ResolveStatePaths(repoRoot).IndexDBPath)
	if idxErr != nil {
		logx.Warn(fmt.Sprintf("index cache unavailable, continuing without it: %v", idxErr))
	} else {
		defer idx.Close()
	}

	params := run.ExecuteParams{
		SpaceDir:           spaceDir,
		SpaceID:            types.SpaceID(args[0]),
		Index:              idx,
		ChatID:             chat,
		Prompt:             prompt,
		Model:              model,
		Agent:              agent,
		Skills:             skills,
		HarnessID:          types.HarnessID(harnessID),
		ExtraArgs:          extraArgs,
		RepoRoot:           repoRoot,
		McpTools:           mcpTools,
		PermissionConfig:   permConfig,
		PermissionResolver: safety.BuildPermissionResolver(mcpTools, permConfig, tier != "read-only"),
		Budget:             types.Budget{PerRunUSD: perRunUSD, PerWorkspaceUSD: perWorkspaceUSD},
		WorkspaceSpentUSD:  stats.TotalCostUSD,
		GuardrailPaths:     resolvedGuardrails,
		Secrets:            secrets,
		Cfg:                cfg,
		Artifacts:          state.NewLocalStore(state.ResolveStatePaths(repoRoot).ArtifactsDir),
		Cwd:                repoRoot,
		OnEvent:            printStreamEvent(visible),
	}

	result, err := run.ExecuteRun(ctx, params)
	if err != nil {
		return fmt.Errorf("execute run: %w", err)
	}

	printRunResult(result)
	os.Exit(result.ExitCode)
	return nil
}

func printStreamEvent(visible map[types.StreamCategory]bool) func(types.RunID, harness.StreamEvent) {
	cyan := color.New(color.FgCyan).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	dim := color.New(color.FgHiBlack).SprintFunc()

	return func(runID types.RunID, event harness.StreamEvent) {
		if !visible[event.Category] {
			return
		}
		text := event.Text
		if text == "" {
			text = event.RawLine
		}
		switch event.Category {
		case types.CategoryError:
			fmt.Printf("%s %s\n", red("✗"), text)
		case types.CategoryLifecycle, types.CategorySubRun:
			fmt.Printf("%s %s\n", cyan("→"), text)
		default:
			fmt.Printf("%s %s\n", dim("·"), text)
		}
	}
}

func printRunResult(result run.ExecuteResult) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	switch result.Status {
	case types.RunSucceeded:
		fmt.Printf("%s run %s succeeded\n", green("✓"), result.RunID)
	case types.RunCancelled:
		fmt.Printf("%s run %s cancelled\n", yellow("•"), result.RunID)
	default:
		fmt.Printf("%s run %s failed (exit %d, reason %s)\n", red("✗"), result.RunID, result.ExitCode, result.Reason)
	}
}

func parseSecretFlags(raw []string) ([]types.SecretSpec, error) {
	var secrets []types.SecretSpec
	for _, entry := range raw {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --secret %q, want KEY=VALUE", entry)
		}
		secrets = append(secrets, types.SecretSpec{Key: key, Value: value})
	}
	return secrets, nil
}
