package procexec

import (
	"context"
	"testing"
	"time"

	"github.com/meridian-run/meridian/internal/safety"
	"github.com/meridian-run/meridian/internal/state"
	"github.com/meridian-run/meridian/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnAndStream_CapturesStdoutAndExitCode(t *testing.T) {
	store := state.NewInMemoryStore()
	result, err := SpawnAndStream(context.Background(), SpawnParams{
		Command:   []string{"/bin/sh", "-c", "echo hello; exit 0"},
		Env:       []string{"PATH=/usr/bin:/bin"},
		Artifacts: store,
		RunID:     types.RunID("r1"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, string(result.Stdout), "hello")
}

func TestSpawnAndStream_MapsNonZeroExit(t *testing.T) {
	result, err := SpawnAndStream(context.Background(), SpawnParams{
		Command: []string{"/bin/sh", "-c", "exit 7"},
		Env:     []string{"PATH=/usr/bin:/bin"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)
}

func TestSpawnAndStream_RedactsSecretsFromOutput(t *testing.T) {
	result, err := SpawnAndStream(context.Background(), SpawnParams{
		Command: []string{"/bin/sh", "-c", "echo token-abc123"},
		Env:     []string{"PATH=/usr/bin:/bin"},
		Secrets: []types.SecretSpec{{Key: "GH_TOKEN", Value: "token-abc123"}},
	}, nil)
	require.NoError(t, err)
	assert.NotContains(t, string(result.Stdout), "token-abc123")
	assert.Contains(t, string(result.Stdout), "[REDACTED:GH_TOKEN]")
}

func TestSpawnAndStream_TimeoutKillsProcess(t *testing.T) {
	result, err := SpawnAndStream(context.Background(), SpawnParams{
		Command:     []string{"/bin/sh", "-c", "sleep 5"},
		Env:         []string{"PATH=/usr/bin:/bin"},
		Timeout:     100 * time.Millisecond,
		GracePeriod: 100 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
	assert.True(t, result.TimedOut)
}

func TestSpawnAndStream_PersistsArtifacts(t *testing.T) {
	store := state.NewInMemoryStore()
	_, err := SpawnAndStream(context.Background(), SpawnParams{
		Command:   []string{"/bin/sh", "-c", "echo out; echo err 1>&2"},
		Env:       []string{"PATH=/usr/bin:/bin"},
		Artifacts: store,
		RunID:     types.RunID("r9"),
	}, nil)
	require.NoError(t, err)
	assert.True(t, store.Exists(state.MakeArtifactKey("r9", "output.jsonl")))
	assert.True(t, store.Exists(state.MakeArtifactKey("r9", "stderr.log")))
}

func TestSpawnAndStream_PersistsLastTokensPayload(t *testing.T) {
	store := state.NewInMemoryStore()
	_, err := SpawnAndStream(context.Background(), SpawnParams{
		Command:   []string{"/bin/sh", "-c", `echo '{"tokens":{"input_tokens":1,"output_tokens":2}}'; echo '{"tokens":{"input_tokens":3,"output_tokens":4}}'`},
		Env:       []string{"PATH=/usr/bin:/bin"},
		Artifacts: store,
		RunID:     types.RunID("r10"),
	}, nil)
	require.NoError(t, err)
	require.True(t, store.Exists(state.MakeArtifactKey("r10", "tokens.json")))
	data, err := store.Get(state.MakeArtifactKey("r10", "tokens.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"input_tokens":3`)
}

func TestSpawnAndStream_NoTokensLineSkipsArtifact(t *testing.T) {
	store := state.NewInMemoryStore()
	_, err := SpawnAndStream(context.Background(), SpawnParams{
		Command:   []string{"/bin/sh", "-c", "echo '{\"type\":\"assistant\"}'"},
		Env:       []string{"PATH=/usr/bin:/bin"},
		Artifacts: store,
		RunID:     types.RunID("r11"),
	}, nil)
	require.NoError(t, err)
	assert.False(t, store.Exists(state.MakeArtifactKey("r11", "tokens.json")))
}

func TestSpawnAndStream_BudgetBreachEscalatesToSIGKILL(t *testing.T) {
	budget := safety.NewLiveBudgetTracker(types.Budget{PerRunUSD: 1}, 0)
	result, err := SpawnAndStream(context.Background(), SpawnParams{
		Command:     []string{"/bin/sh", "-c", "trap '' TERM; echo '{\"total_cost_usd\":5}'; sleep 5"},
		Env:         []string{"PATH=/usr/bin:/bin"},
		GracePeriod: 100 * time.Millisecond,
	}, budget)
	require.NoError(t, err)
	assert.True(t, result.BudgetBreached)
	assert.Equal(t, DefaultInfraExitCode, result.ExitCode)
}

func TestSpawnAndStream_ContextCancellationMapsToExitCode130(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var result SpawnResult
	var err error
	go func() {
		result, err = SpawnAndStream(ctx, SpawnParams{
			Command:     []string{"/bin/sh", "-c", "sleep 5"},
			Env:         []string{"PATH=/usr/bin:/bin"},
			GracePeriod: 100 * time.Millisecond,
		}, nil)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SpawnAndStream did not return after context cancellation")
	}
	require.NoError(t, err)
	assert.Equal(t, 130, result.ExitCode)
}
