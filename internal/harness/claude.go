package harness

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/meridian-run/meridian/internal/state"
	"github.com/meridian-run/meridian/internal/types"
)

// ClaudeAdapter drives Claude Code in non-interactive mode (`claude -p`).
type ClaudeAdapter struct{}

var _ Adapter = ClaudeAdapter{}

var claudeStrategies = StrategyMap{
	"model":               {Effect: CLIFlag, CLIFlag: "--model"},
	"agent":               {Effect: Drop},
	"skills":              {Effect: Drop},
	"continue_session_id": {Effect: Drop},
	"continue_fork":       {Effect: Drop},
}

var claudeEventCategories = eventCategoryMap{
	"lifecycle": types.CategoryLifecycle,
	"sub_run":   types.CategorySubRun,
	"tool_use":  types.CategoryToolUse,
	"thinking":  types.CategoryThinking,
	"assistant": types.CategoryAssistant,
	"error":     types.CategoryError,
}

func (ClaudeAdapter) ID() types.HarnessID { return types.HarnessClaude }

func (ClaudeAdapter) Capabilities() Capabilities {
	return Capabilities{
		SupportsStreamEvents:  true,
		SupportsSessionResume: true,
		SupportsSessionFork:   true,
	}
}

// BuildCommand resumes a prior session via `--resume <id>` (optionally
// `--fork-session`) when ContinueSessionID is set; otherwise it builds a
// fresh `claude -p <prompt> ...` invocation.
func (ClaudeAdapter) BuildCommand(run RunParams, perms PermissionResolver) ([]string, error) {
	if run.ContinueSessionID != "" {
		command := []string{"claude", "--resume", run.ContinueSessionID}
		if run.ContinueFork {
			command = append(command, "--fork-session")
		}
		permFlags, err := perms.ResolveFlags(types.HarnessClaude)
		if err != nil {
			return nil, err
		}
		command = append(command, permFlags...)
		command = append(command, run.ExtraArgs...)
		command = append(command, run.Prompt)
		return command, nil
	}
	return buildHarnessCommand(
		[]string{"claude", "-p"},
		PromptFlag,
		run,
		claudeStrategies,
		perms,
		types.HarnessClaude,
	)
}

// claudeMCPPayload is the on-disk shape of the temporary MCP config file
// Claude reads via `--mcp-config`.
type claudeMCPPayload struct {
	McpServers map[string]claudeMCPServer `json:"mcpServers"`
}

type claudeMCPServer struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// MCPConfig writes a fingerprinted MCP config file pointing at Meridian's
// own `meridian serve` sidecar and returns the `--mcp-config <path>` args
// needed to use it, plus the MCP tool names to pass via `--allowedTools`.
func (ClaudeAdapter) MCPConfig(run RunParams) (*McpConfig, error) {
	if run.RepoRoot == "" {
		return nil, nil
	}
	payload := claudeMCPPayload{
		McpServers: map[string]claudeMCPServer{
			"meridian": {
				Command: "uv",
				Args:    []string{"run", "--directory", run.RepoRoot, "meridian", "serve"},
			},
		},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(encoded)
	path := fmt.Sprintf("/tmp/meridian-mcp-%s.json", hex.EncodeToString(sum[:8]))
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return nil, err
	}

	allowedTools := claudeMCPToolNames(run.McpTools)
	return &McpConfig{
		CommandArgs:        []string{"--mcp-config", path},
		ClaudeAllowedTools: allowedTools,
	}, nil
}

func claudeMCPToolNames(tools []string) []string {
	if len(tools) == 0 {
		return []string{"mcp__meridian__*"}
	}
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, "mcp__meridian__"+tool)
	}
	return names
}

func (ClaudeAdapter) EnvOverrides(types.PermissionConfig) map[string]string {
	return map[string]string{}
}

func (ClaudeAdapter) ParseStreamEvent(line string) (*StreamEvent, bool) {
	payload, ok := parseJSONStreamEvent(line)
	if !ok {
		return nil, false
	}
	eventType, _ := stringField(payload, "type")
	text, _ := stringField(payload, "text")
	return &StreamEvent{
		EventType: eventType,
		Category:  categorizeStreamEvent(claudeEventCategories, eventType),
		RawLine:   line,
		Text:      text,
		Metadata:  payload,
	}, true
}

func (ClaudeAdapter) ExtractUsage(artifacts state.ArtifactStore, runID types.RunID) (types.TokenUsage, error) {
	return extractUsageFromArtifacts(artifacts, runID), nil
}

func (ClaudeAdapter) ExtractSessionID(artifacts state.ArtifactStore, runID types.RunID) (string, bool) {
	return extractSessionIDFromArtifacts(artifacts, runID)
}

// ExtractTasks reads Claude's native TodoWrite tool-use payloads out of a
// tool-use event, normalizing them into Meridian's generic task shape.
func (ClaudeAdapter) ExtractTasks(event StreamEvent) []map[string]string {
	if event.Category != types.CategoryToolUse {
		return nil
	}
	toolName, _ := stringField(event.Metadata, "tool_name")
	if toolName != "TodoWrite" {
		return nil
	}
	rawTodos, ok := event.Metadata["todos"].([]any)
	if !ok {
		return nil
	}
	var tasks []map[string]string
	for _, raw := range rawTodos {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		tasks = append(tasks, normalizeClaudeTask(item))
	}
	return tasks
}

func normalizeClaudeTask(item map[string]any) map[string]string {
	task := map[string]string{}
	if content, ok := stringField(item, "content"); ok {
		task["description"] = content
	}
	if status, ok := stringField(item, "status"); ok {
		task["status"] = status
	}
	return task
}

func (ClaudeAdapter) ExtractFindings(StreamEvent) []map[string]string {
	return nil
}

// WarmCheckModel confirms apiKey is live and model is a model ID the
// Claude API currently serves, by asking the catalog directly rather
// than guessing from a hardcoded name list. Meant for `meridian doctor`,
// not the run path: a catalog fetch on every run would add latency for
// no benefit once a model has been verified once.
func WarmCheckModel(ctx context.Context, apiKey, model string) error {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	if _, err := client.Models.Get(ctx, model); err != nil {
		return fmt.Errorf("model %q not found in the Claude model catalog: %w", model, err)
	}
	return nil
}

func (ClaudeAdapter) ExtractSummary(output string) (string, bool) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return "", false
	}
	lines := strings.Split(trimmed, "\n")
	return strings.TrimSpace(lines[len(lines)-1]), true
}
