// Package harness translates run parameters into concrete CLI invocations
// for each supported coding agent (Claude, Codex, OpenCode) and parses the
// structured events each one streams back on stdout.
package harness

import (
	"github.com/meridian-run/meridian/internal/state"
	"github.com/meridian-run/meridian/internal/types"
)

// Capabilities describes the optional features one harness implementation
// supports. Engine code checks these before relying on session resume,
// native skills, or programmatic tool wiring.
type Capabilities struct {
	SupportsStreamEvents      bool
	SupportsSessionResume     bool
	SupportsSessionFork       bool
	SupportsNativeSkills      bool
	SupportsProgrammaticTools bool
}

// RunParams holds everything needed to launch one harness run. Fields that
// a given harness doesn't support are simply dropped by its strategy table.
type RunParams struct {
	Prompt            string
	Model             string
	Skills            []string
	Agent             string
	ExtraArgs         []string
	RepoRoot          string
	McpTools          []string
	ContinueSessionID string
	ContinueFork      bool
}

// McpConfig is the harness-specific wiring needed to expose Meridian's own
// MCP server to a run, either via extra CLI args or environment variables.
type McpConfig struct {
	CommandArgs        []string
	EnvOverrides       map[string]string
	ClaudeAllowedTools []string
}

// StreamEvent is one structured event parsed from a harness's stdout line.
type StreamEvent struct {
	EventType string
	Category  types.StreamCategory
	RawLine   string
	Text      string
	Metadata  map[string]any
}

// PermissionResolver resolves the CLI flags a permission configuration
// contributes for one harness. Implemented by internal/safety.
type PermissionResolver interface {
	ResolveFlags(harnessID types.HarnessID) ([]string, error)
}

// Adapter is the per-harness strategy: how to build its command line, wire
// its MCP sidecar, parse its stream, and extract usage/session data from
// the artifacts a completed run left behind.
type Adapter interface {
	ID() types.HarnessID
	Capabilities() Capabilities

	BuildCommand(run RunParams, perms PermissionResolver) ([]string, error)
	MCPConfig(run RunParams) (*McpConfig, error)
	EnvOverrides(config types.PermissionConfig) map[string]string

	ParseStreamEvent(line string) (*StreamEvent, bool)

	ExtractUsage(artifacts state.ArtifactStore, runID types.RunID) (types.TokenUsage, error)
	ExtractSessionID(artifacts state.ArtifactStore, runID types.RunID) (string, bool)

	// ExtractTasks pulls structured task updates out of one stream event,
	// if this harness surfaces them. Most harnesses return nil.
	ExtractTasks(event StreamEvent) []map[string]string
	// ExtractFindings pulls structured findings out of one stream event.
	ExtractFindings(event StreamEvent) []map[string]string
	// ExtractSummary derives a short run summary from final output text.
	ExtractSummary(output string) (string, bool)
}
