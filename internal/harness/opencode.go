package harness

import (
	"encoding/json"
	"strings"

	"github.com/meridian-run/meridian/internal/safety"
	"github.com/meridian-run/meridian/internal/state"
	"github.com/meridian-run/meridian/internal/types"
)

// OpenCodeAdapter drives the OpenCode CLI in non-interactive mode
// (`opencode run`).
type OpenCodeAdapter struct{}

var _ Adapter = OpenCodeAdapter{}

const openCodeModelPrefix = "opencode-"

var openCodeStrategies = StrategyMap{
	"model": {Effect: Transform, Transform: openCodeModelTransform},
	"agent": {Effect: Drop},
}

var openCodeEventCategories = eventCategoryMap{
	"run.start": types.CategorySubRun,
	"run.done":  types.CategorySubRun,
	"tool.call": types.CategoryToolUse,
	"assistant": types.CategoryAssistant,
	"thinking":  types.CategoryThinking,
	"error":     types.CategoryError,
}

func stripOpenCodePrefix(model string) string {
	return strings.TrimPrefix(model, openCodeModelPrefix)
}

func openCodeModelTransform(value any, args *[]string) {
	model, ok := value.(string)
	if !ok || model == "" {
		return
	}
	*args = append(*args, "--model", stripOpenCodePrefix(model))
}

func (OpenCodeAdapter) ID() types.HarnessID { return types.HarnessOpenCode }

func (OpenCodeAdapter) Capabilities() Capabilities {
	return Capabilities{SupportsStreamEvents: true}
}

func (OpenCodeAdapter) BuildCommand(run RunParams, perms PermissionResolver) ([]string, error) {
	return buildHarnessCommand(
		[]string{"opencode", "run"},
		PromptPositional,
		run,
		openCodeStrategies,
		perms,
		types.HarnessOpenCode,
	)
}

func openCodeMCPToolGlobs(tools []string) []string {
	if len(tools) == 0 {
		return []string{"mcp__meridian__*"}
	}
	globs := make([]string, 0, len(tools))
	for _, tool := range tools {
		globs = append(globs, "mcp__meridian__"+tool)
	}
	return globs
}

type openCodeMCPPayload struct {
	McpServers map[string]openCodeMCPServer `json:"mcp_servers"`
}

type openCodeMCPServer struct {
	Command   []string `json:"command"`
	ToolGlobs []string `json:"tool_globs"`
}

// MCPConfig wires Meridian's MCP sidecar via the OPENCODE_MCP_CONFIG
// environment variable, OpenCode's JSON-payload equivalent of a config
// file argument.
func (OpenCodeAdapter) MCPConfig(run RunParams) (*McpConfig, error) {
	if run.RepoRoot == "" {
		return nil, nil
	}
	payload := openCodeMCPPayload{
		McpServers: map[string]openCodeMCPServer{
			"meridian": {
				Command:   []string{"uv", "run", "--directory", run.RepoRoot, "meridian", "serve"},
				ToolGlobs: openCodeMCPToolGlobs(run.McpTools),
			},
		},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &McpConfig{EnvOverrides: map[string]string{"OPENCODE_MCP_CONFIG": string(encoded)}}, nil
}

// EnvOverrides translates the run's permission tier into OpenCode's
// deny-by-default JSON permission payload.
func (OpenCodeAdapter) EnvOverrides(config types.PermissionConfig) map[string]string {
	permissionJSON, err := safety.OpenCodePermissionJSON(config.Tier)
	if err != nil {
		return map[string]string{}
	}
	return map[string]string{"OPENCODE_PERMISSION": permissionJSON}
}

func (OpenCodeAdapter) ParseStreamEvent(line string) (*StreamEvent, bool) {
	payload, ok := parseJSONStreamEvent(line)
	if !ok {
		return nil, false
	}
	eventType, _ := stringField(payload, "type")
	text, _ := stringField(payload, "text")
	return &StreamEvent{
		EventType: eventType,
		Category:  categorizeStreamEvent(openCodeEventCategories, eventType),
		RawLine:   line,
		Text:      text,
		Metadata:  payload,
	}, true
}

func (OpenCodeAdapter) ExtractUsage(artifacts state.ArtifactStore, runID types.RunID) (types.TokenUsage, error) {
	return extractUsageFromArtifacts(artifacts, runID), nil
}

func (OpenCodeAdapter) ExtractSessionID(artifacts state.ArtifactStore, runID types.RunID) (string, bool) {
	return extractSessionIDFromArtifacts(artifacts, runID)
}

func (OpenCodeAdapter) ExtractTasks(StreamEvent) []map[string]string {
	return nil
}

func (OpenCodeAdapter) ExtractFindings(StreamEvent) []map[string]string {
	return nil
}

func (OpenCodeAdapter) ExtractSummary(output string) (string, bool) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return "", false
	}
	lines := strings.Split(trimmed, "\n")
	return strings.TrimSpace(lines[len(lines)-1]), true
}
