package harness

import (
	"testing"

	"github.com/meridian-run/meridian/internal/safety"
	"github.com/meridian-run/meridian/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readOnlyPerms(t *testing.T) safety.TieredPermissionResolver {
	t.Helper()
	cfg, err := safety.BuildPermissionConfig("read-only", false)
	require.NoError(t, err)
	return safety.TieredPermissionResolver{Config: cfg}
}

func TestForHarness_ResolvesAllThree(t *testing.T) {
	for _, id := range []types.HarnessID{types.HarnessClaude, types.HarnessCodex, types.HarnessOpenCode} {
		adapter, err := ForHarness(id)
		require.NoError(t, err)
		assert.Equal(t, id, adapter.ID())
	}
}

func TestForHarness_UnknownErrors(t *testing.T) {
	_, err := ForHarness(types.HarnessID("unknown"))
	assert.Error(t, err)
}

func TestClaudeAdapter_BuildCommand_FreshRun(t *testing.T) {
	cmd, err := ClaudeAdapter{}.BuildCommand(RunParams{
		Prompt: "fix the bug",
		Model:  "sonnet",
	}, readOnlyPerms(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"claude", "-p", "fix the bug", "--model", "sonnet",
		"--allowedTools", "Read,Glob,Grep,Bash(git status),Bash(git log),Bash(git diff)"}, cmd)
}

func TestClaudeAdapter_BuildCommand_ResumesSession(t *testing.T) {
	cmd, err := ClaudeAdapter{}.BuildCommand(RunParams{
		Prompt:            "continue",
		ContinueSessionID: "sess-1",
		ContinueFork:      true,
	}, readOnlyPerms(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"claude", "--resume", "sess-1", "--fork-session",
		"--allowedTools", "Read,Glob,Grep,Bash(git status),Bash(git log),Bash(git diff)", "continue"}, cmd)
}

func TestClaudeAdapter_MCPConfig_WildcardWhenNoTools(t *testing.T) {
	cfg, err := ClaudeAdapter{}.MCPConfig(RunParams{RepoRoot: "/repo"})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, []string{"mcp__meridian__*"}, cfg.ClaudeAllowedTools)
}

func TestClaudeAdapter_MCPConfig_NilWithoutRepoRoot(t *testing.T) {
	cfg, err := ClaudeAdapter{}.MCPConfig(RunParams{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestClaudeAdapter_ParseStreamEvent(t *testing.T) {
	event, ok := ClaudeAdapter{}.ParseStreamEvent(`{"type":"assistant","text":"hello"}`)
	require.True(t, ok)
	assert.Equal(t, types.CategoryAssistant, event.Category)
	assert.Equal(t, "hello", event.Text)
}

func TestClaudeAdapter_ParseStreamEvent_BlankLineIsFalse(t *testing.T) {
	_, ok := ClaudeAdapter{}.ParseStreamEvent("   ")
	assert.False(t, ok)
}

func TestClaudeAdapter_ExtractTasks_FromTodoWrite(t *testing.T) {
	event := StreamEvent{
		Category: types.CategoryToolUse,
		Metadata: map[string]any{
			"tool_name": "TodoWrite",
			"todos": []any{
				map[string]any{"content": "write tests", "status": "in_progress"},
			},
		},
	}
	tasks := ClaudeAdapter{}.ExtractTasks(event)
	require.Len(t, tasks, 1)
	assert.Equal(t, "write tests", tasks[0]["description"])
	assert.Equal(t, "in_progress", tasks[0]["status"])
}

func TestCodexAdapter_BuildCommand_FreshRun(t *testing.T) {
	cmd, err := CodexAdapter{}.BuildCommand(RunParams{
		Prompt: "investigate flake",
		Model:  "o4",
	}, readOnlyPerms(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"codex", "exec", "--model", "o4", "--sandbox", "read-only", "investigate flake"}, cmd)
}

func TestCodexAdapter_BuildCommand_ResumesSession(t *testing.T) {
	cmd, err := CodexAdapter{}.BuildCommand(RunParams{
		Prompt:            "continue",
		ContinueSessionID: "sess-9",
	}, readOnlyPerms(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"codex", "exec", "resume", "sess-9", "--sandbox", "read-only", "continue"}, cmd)
}

func TestCodexAdapter_MCPConfig_IncludesEnabledTools(t *testing.T) {
	cfg, err := CodexAdapter{}.MCPConfig(RunParams{RepoRoot: "/repo", McpTools: []string{"read_file"}})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Contains(t, cfg.CommandArgs, "--config")
	found := false
	for _, arg := range cfg.CommandArgs {
		if arg == `mcp_servers.meridian.enabled_tools=["read_file"]` {
			found = true
		}
	}
	assert.True(t, found)
}

func TestOpenCodeAdapter_BuildCommand_StripsModelPrefix(t *testing.T) {
	cmd, err := OpenCodeAdapter{}.BuildCommand(RunParams{
		Prompt: "refactor",
		Model:  "opencode-big",
	}, readOnlyPerms(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"opencode", "run", "--model", "big", "refactor"}, cmd)
}

func TestOpenCodeAdapter_EnvOverrides_SetsPermissionJSON(t *testing.T) {
	cfg, err := safety.BuildPermissionConfig("read-only", false)
	require.NoError(t, err)
	overrides := OpenCodeAdapter{}.EnvOverrides(cfg)
	assert.Contains(t, overrides["OPENCODE_PERMISSION"], `"*":"deny"`)
}

func TestOpenCodeAdapter_MCPConfig_SetsEnvPayload(t *testing.T) {
	cfg, err := OpenCodeAdapter{}.MCPConfig(RunParams{RepoRoot: "/repo"})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Contains(t, cfg.EnvOverrides["OPENCODE_MCP_CONFIG"], "mcp__meridian__*")
}

func TestStripOpenCodePrefix_LeavesUnprefixedAlone(t *testing.T) {
	assert.Equal(t, "sonnet", stripOpenCodePrefix("sonnet"))
}
