package harness

import (
	"fmt"
	"strings"

	"github.com/meridian-run/meridian/internal/types"
)

// FlagEffect is how one RunParams field is translated into command-line
// arguments.
type FlagEffect string

const (
	CLIFlag   FlagEffect = "cli_flag"
	Transform FlagEffect = "transform"
	Drop      FlagEffect = "drop"
)

// FlagStrategy is the mapping rule for one field. Transform receives the
// field's value and the in-progress argument list, and appends to it
// however that harness needs.
type FlagStrategy struct {
	Effect    FlagEffect
	CLIFlag   string
	Transform func(value any, args *[]string)
}

// PromptMode says where prompt text goes in the built command.
type PromptMode string

const (
	PromptFlag       PromptMode = "flag"
	PromptPositional PromptMode = "positional"
)

// StrategyMap maps a RunParams field name to the strategy that applies to
// it. Field names mirror the RunParams struct; "prompt" and "extra_args"
// are always skipped since they're handled directly by buildHarnessCommand.
type StrategyMap map[string]FlagStrategy

// runFields returns the (name, value) pairs pulled out of a RunParams in a
// fixed, documented order. Go has no dataclass field iteration, so the field list
// is spelled out explicitly here instead of reflected.
func runFields(run RunParams) []struct {
	name  string
	value any
} {
	return []struct {
		name  string
		value any
	}{
		{"model", nonEmptyString(run.Model)},
		{"skills", nonEmptyStrings(run.Skills)},
		{"agent", nonEmptyString(run.Agent)},
		{"repo_root", nonEmptyString(run.RepoRoot)},
		{"mcp_tools", nonEmptyStrings(run.McpTools)},
		{"continue_session_id", nonEmptyString(run.ContinueSessionID)},
		{"continue_fork", boolOrNil(run.ContinueFork)},
	}
}

func nonEmptyString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonEmptyStrings(items []string) any {
	if len(items) == 0 {
		return nil
	}
	return items
}

func boolOrNil(b bool) any {
	if !b {
		return nil
	}
	return b
}

func appendCLIFlag(args *[]string, flag string, value any) {
	switch v := value.(type) {
	case []string:
		if len(v) == 0 {
			return
		}
		*args = append(*args, flag, strings.Join(v, ","))
	default:
		*args = append(*args, flag, fmt.Sprintf("%v", v))
	}
}

// buildHarnessCommand assembles one harness command line from a base
// command, a prompt-placement mode, and a per-field strategy table, then
// appends the permission resolver's flags and any caller-supplied extra
// args.
func buildHarnessCommand(
	baseCommand []string,
	promptMode PromptMode,
	run RunParams,
	strategies StrategyMap,
	perms PermissionResolver,
	harnessID types.HarnessID,
) ([]string, error) {
	var strategyArgs []string
	for _, f := range runFields(run) {
		if f.value == nil {
			continue
		}
		strategy, ok := strategies[f.name]
		if !ok {
			continue
		}
		switch strategy.Effect {
		case CLIFlag:
			if strategy.CLIFlag == "" {
				return nil, fmt.Errorf("cli_flag strategy for %q requires a flag", f.name)
			}
			appendCLIFlag(&strategyArgs, strategy.CLIFlag, f.value)
		case Transform:
			if strategy.Transform == nil {
				return nil, fmt.Errorf("transform strategy for %q requires a transform func", f.name)
			}
			strategy.Transform(f.value, &strategyArgs)
		case Drop:
			// field is intentionally not translated to CLI args
		}
	}

	command := append([]string{}, baseCommand...)
	if promptMode == PromptFlag {
		command = append(command, run.Prompt)
	}
	command = append(command, strategyArgs...)

	permFlags, err := perms.ResolveFlags(harnessID)
	if err != nil {
		return nil, err
	}
	command = append(command, permFlags...)

	if promptMode == PromptPositional {
		command = append(command, run.ExtraArgs...)
		command = append(command, run.Prompt)
		return command, nil
	}
	command = append(command, run.ExtraArgs...)
	return command, nil
}
