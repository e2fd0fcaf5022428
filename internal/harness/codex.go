package harness

import (
	"encoding/json"
	"strings"

	"github.com/meridian-run/meridian/internal/state"
	"github.com/meridian-run/meridian/internal/types"
)

// CodexAdapter drives the Codex CLI in non-interactive mode (`codex exec`).
type CodexAdapter struct{}

var _ Adapter = CodexAdapter{}

var codexStrategies = StrategyMap{
	"model":               {Effect: CLIFlag, CLIFlag: "--model"},
	"agent":               {Effect: Drop},
	"skills":              {Effect: Drop},
	"continue_session_id": {Effect: Drop},
	"continue_fork":       {Effect: Drop},
}

var codexEventCategories = eventCategoryMap{
	"response.completed":              types.CategoryLifecycle,
	"response.output_text.delta":      types.CategoryAssistant,
	"response.reasoning_summary.delta": types.CategoryThinking,
	"tool.call.started":               types.CategoryToolUse,
	"tool.call.completed":             types.CategoryToolUse,
	"error":                           types.CategoryError,
}

func (CodexAdapter) ID() types.HarnessID { return types.HarnessCodex }

func (CodexAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsStreamEvents:  true,
		SupportsSessionResume: true,
	}
}

// BuildCommand resumes a prior session via `codex exec resume <id>` when
// ContinueSessionID is set; otherwise it builds a fresh `codex exec
// <prompt>` invocation. Codex has no fork-session concept, so
// ContinueFork is ignored.
func (CodexAdapter) BuildCommand(run RunParams, perms PermissionResolver) ([]string, error) {
	if run.ContinueSessionID != "" {
		command := []string{"codex", "exec", "resume", run.ContinueSessionID}
		permFlags, err := perms.ResolveFlags(types.HarnessCodex)
		if err != nil {
			return nil, err
		}
		command = append(command, permFlags...)
		command = append(command, run.ExtraArgs...)
		command = append(command, run.Prompt)
		return command, nil
	}
	return buildHarnessCommand(
		[]string{"codex", "exec"},
		PromptPositional,
		run,
		codexStrategies,
		perms,
		types.HarnessCodex,
	)
}

// MCPConfig wires Meridian's MCP sidecar via repeated `--config
// mcp_servers.meridian.*=...` flags, Codex's way of injecting ad hoc TOML
// config without a config file.
func (CodexAdapter) MCPConfig(run RunParams) (*McpConfig, error) {
	if run.RepoRoot == "" {
		return nil, nil
	}
	argsJSON, err := json.Marshal([]string{"run", "--directory", run.RepoRoot, "meridian", "serve"})
	if err != nil {
		return nil, err
	}
	args := []string{
		"--config", `mcp_servers.meridian.command="uv"`,
		"--config", "mcp_servers.meridian.args=" + string(argsJSON),
	}
	if len(run.McpTools) > 0 {
		toolsJSON, err := json.Marshal(run.McpTools)
		if err != nil {
			return nil, err
		}
		args = append(args, "--config", "mcp_servers.meridian.enabled_tools="+string(toolsJSON))
	}
	return &McpConfig{CommandArgs: args}, nil
}

func (CodexAdapter) EnvOverrides(types.PermissionConfig) map[string]string {
	return map[string]string{}
}

func (CodexAdapter) ParseStreamEvent(line string) (*StreamEvent, bool) {
	payload, ok := parseJSONStreamEvent(line)
	if !ok {
		return nil, false
	}
	eventType, _ := stringField(payload, "type")
	text, _ := stringField(payload, "text")
	return &StreamEvent{
		EventType: eventType,
		Category:  categorizeStreamEvent(codexEventCategories, eventType),
		RawLine:   line,
		Text:      text,
		Metadata:  payload,
	}, true
}

func (CodexAdapter) ExtractUsage(artifacts state.ArtifactStore, runID types.RunID) (types.TokenUsage, error) {
	return extractUsageFromArtifacts(artifacts, runID), nil
}

func (CodexAdapter) ExtractSessionID(artifacts state.ArtifactStore, runID types.RunID) (string, bool) {
	return extractSessionIDFromArtifacts(artifacts, runID)
}

func (CodexAdapter) ExtractTasks(StreamEvent) []map[string]string {
	return nil
}

func (CodexAdapter) ExtractFindings(StreamEvent) []map[string]string {
	return nil
}

func (CodexAdapter) ExtractSummary(output string) (string, bool) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return "", false
	}
	lines := strings.Split(trimmed, "\n")
	return strings.TrimSpace(lines[len(lines)-1]), true
}
