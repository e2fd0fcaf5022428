package run

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/meridian-run/meridian/internal/config"
	"github.com/meridian-run/meridian/internal/safety"
	"github.com/meridian-run/meridian/internal/state"
	"github.com/meridian-run/meridian/internal/types"
	"github.com/stretchr/testify/require"
)

// writeFakeClaude drops an executable named "claude" into dir so it wins
// PATH lookup ahead of any real harness binary, and prepends dir to PATH
// for the duration of the test.
func writeFakeClaude(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return dir
}

func newTestSpace(t *testing.T) string {
	t.Helper()
	repoRoot := t.TempDir()
	space, err := state.CreateSpace(repoRoot, "test")
	require.NoError(t, err)
	return state.ResolveSpaceDir(repoRoot, space.ID)
}

func baseParams(t *testing.T, spaceDir string) ExecuteParams {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	permConfig, err := safety.BuildPermissionConfig("read-only", false)
	require.NoError(t, err)
	return ExecuteParams{
		SpaceDir:           spaceDir,
		ChatID:             types.ChatID("c1"),
		Prompt:             "do the thing",
		Model:              "claude-sonnet",
		HarnessID:          types.HarnessClaude,
		PermissionConfig:   permConfig,
		PermissionResolver: safety.TieredPermissionResolver{Config: permConfig},
		Cfg:                cfg,
		Artifacts:          state.NewInMemoryStore(),
	}
}

func TestExecuteRun_SuccessPath(t *testing.T) {
	writeFakeClaude(t, `echo '{"type":"assistant","content":"All done."}'`)
	spaceDir := newTestSpace(t)
	params := baseParams(t, spaceDir)

	result, err := ExecuteRun(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
	require.Equal(t, types.RunSucceeded, result.Status)
	require.Equal(t, types.FailureNone, result.Reason)
}

func TestExecuteRun_RetriesAfterRetryableErrorThenSucceeds(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "attempts")
	writeFakeClaude(t, fmt.Sprintf(`
if [ ! -f %s ]; then
  echo x > %s
  echo '{"type":"assistant","content":"transient failure"}'
  exit 1
fi
echo '{"type":"assistant","content":"succeeded on retry"}'
exit 0
`, counter, counter))
	spaceDir := newTestSpace(t)
	params := baseParams(t, spaceDir)
	params.Cfg.MaxRetries = 2
	params.Cfg.RetryBackoffSeconds = 0

	result, err := ExecuteRun(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
	require.Equal(t, types.RunSucceeded, result.Status)
}

func TestExecuteRun_GivesUpAfterMaxRetries(t *testing.T) {
	writeFakeClaude(t, `echo '{"type":"assistant","content":"still broken"}'; exit 1`)
	spaceDir := newTestSpace(t)
	params := baseParams(t, spaceDir)
	params.Cfg.MaxRetries = 1
	params.Cfg.RetryBackoffSeconds = 0

	result, err := ExecuteRun(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, 1, result.ExitCode)
	require.Equal(t, types.RunFailed, result.Status)
}

func TestExecuteRun_RetriesAfterGuardrailFailureThenSucceeds(t *testing.T) {
	writeFakeClaude(t, `echo '{"type":"assistant","content":"report text"}'`)
	spaceDir := newTestSpace(t)
	params := baseParams(t, spaceDir)
	params.Cfg.MaxRetries = 2
	params.Cfg.RetryBackoffSeconds = 0

	guardrailCounter := filepath.Join(t.TempDir(), "guardrail-attempts")
	guardrailScript := filepath.Join(t.TempDir(), "guardrail.sh")
	require.NoError(t, os.WriteFile(guardrailScript, []byte(fmt.Sprintf(`#!/bin/sh
if [ ! -f %s ]; then
  echo x > %s
  echo "guardrail failed on first attempt" 1>&2
  exit 1
fi
exit 0
`, guardrailCounter, guardrailCounter)), 0o755))
	params.GuardrailPaths = []string{guardrailScript}

	result, err := ExecuteRun(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
	require.Equal(t, types.RunSucceeded, result.Status)
}

func TestExecuteRun_BudgetBreachAbortsMidRun(t *testing.T) {
	writeFakeClaude(t, `echo '{"total_cost_usd": 5.0}'; sleep 1; echo '{"type":"assistant","content":"too late"}'`)
	spaceDir := newTestSpace(t)
	params := baseParams(t, spaceDir)
	params.Budget = types.Budget{PerRunUSD: 0.01}

	result, err := ExecuteRun(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, DefaultInfraExitCode, result.ExitCode)
	require.Equal(t, types.FailureBudgetExceeded, result.Reason)
}

func TestExecuteRun_TimeoutAbortsRun(t *testing.T) {
	writeFakeClaude(t, `sleep 2`)
	spaceDir := newTestSpace(t)
	params := baseParams(t, spaceDir)
	params.Cfg.TimeoutSeconds = 0.2
	params.Cfg.KillGraceSeconds = 0.2

	result, err := ExecuteRun(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, 3, result.ExitCode)
	require.Equal(t, types.FailureTimeout, result.Reason)
}

func TestExecuteRun_EmptyOutputIsTreatedAsFailure(t *testing.T) {
	writeFakeClaude(t, `exit 0`)
	spaceDir := newTestSpace(t)
	params := baseParams(t, spaceDir)

	result, err := ExecuteRun(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, 1, result.ExitCode)
	require.Equal(t, types.FailureEmptyOutput, result.Reason)
}

func TestExecuteRun_MaxDepthExceededReturnsWithoutSpawning(t *testing.T) {
	spawnMarker := filepath.Join(t.TempDir(), "spawned")
	writeFakeClaude(t, fmt.Sprintf(`touch %s; echo '{"type":"assistant","content":"should not run"}'`, spawnMarker))
	spaceDir := newTestSpace(t)
	params := baseParams(t, spaceDir)
	params.Cfg.MaxDepth = 2
	t.Setenv("MERIDIAN_DEPTH", "2")

	result, err := ExecuteRun(context.Background(), params)
	require.ErrorIs(t, err, ErrMaxDepthExceeded)
	require.Equal(t, types.RunFailed, result.Status)
	require.Equal(t, types.FailureMaxDepthReached, result.Reason)
	require.NoFileExists(t, spawnMarker)
}

func TestExecuteRun_ChildEnvCarriesIncrementedDepthAndParentRunID(t *testing.T) {
	envDump := filepath.Join(t.TempDir(), "env.txt")
	writeFakeClaude(t, fmt.Sprintf(`env > %s; echo '{"type":"assistant","content":"ok"}'`, envDump))
	spaceDir := newTestSpace(t)
	params := baseParams(t, spaceDir)
	t.Setenv("MERIDIAN_DEPTH", "1")

	result, err := ExecuteRun(context.Background(), params)
	require.NoError(t, err)

	data, err := os.ReadFile(envDump)
	require.NoError(t, err)
	require.Contains(t, string(data), "MERIDIAN_DEPTH=2")
	require.Contains(t, string(data), "MERIDIAN_PARENT_RUN_ID="+string(result.RunID))
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	original := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = original }()

	fn()

	require.NoError(t, w.Close())
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestEmitSubRunStart_SkipsAtDepthZero(t *testing.T) {
	out := captureStdout(t, func() {
		emitSubRunStart(0, types.RunID("r1"), "claude-sonnet", "")
	})
	require.Empty(t, out)
}

func TestEmitSubRunStart_PrintsEnvelopeWhenNested(t *testing.T) {
	t.Setenv("MERIDIAN_PARENT_RUN_ID", "r0")
	out := captureStdout(t, func() {
		emitSubRunStart(1, types.RunID("r1"), "claude-sonnet", "reviewer")
	})
	require.Contains(t, out, `"t":"meridian.run.start"`)
	require.Contains(t, out, `"id":"r1"`)
	require.Contains(t, out, `"parent":"r0"`)
	require.Contains(t, out, `"d":1`)
}

func TestEmitSubRunDone_PrintsEnvelopeWhenNested(t *testing.T) {
	tokens := 42
	out := captureStdout(t, func() {
		emitSubRunDone(1, types.RunID("r1"), 0, 1.5, &tokens)
	})
	require.Contains(t, out, `"t":"meridian.run.done"`)
	require.Contains(t, out, `"exit":0`)
	require.Contains(t, out, `"tok":42`)
}

func TestExecuteRun_AppendsExactlyOneFinalizeEvent(t *testing.T) {
	writeFakeClaude(t, `echo '{"type":"assistant","content":"done"}'`)
	spaceDir := newTestSpace(t)
	params := baseParams(t, spaceDir)

	result, err := ExecuteRun(context.Background(), params)
	require.NoError(t, err)

	sp := state.SpacePathsFromDir(spaceDir)
	data, err := os.ReadFile(sp.RunsJSONL)
	require.NoError(t, err)
	require.Contains(t, string(data), string(result.RunID))

	rows, err := state.ReadEvents(sp.RunsJSONL)
	require.NoError(t, err)
	finalizeEvents := 0
	for _, row := range rows {
		if row["event"] == "finalize" && row["id"] == string(result.RunID) {
			finalizeEvents++
		}
	}
	require.Equal(t, 1, finalizeEvents)
}
