// Package run implements the top-level execution engine: the spawn,
// stream, extract, guardrail, and retry loop that turns one run request
// into a finalized run record, no matter how many attempts it takes.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/meridian-run/meridian/internal/classify"
	"github.com/meridian-run/meridian/internal/config"
	"github.com/meridian-run/meridian/internal/extract"
	"github.com/meridian-run/meridian/internal/harness"
	"github.com/meridian-run/meridian/internal/index"
	"github.com/meridian-run/meridian/internal/logx"
	"github.com/meridian-run/meridian/internal/procexec"
	"github.com/meridian-run/meridian/internal/safety"
	"github.com/meridian-run/meridian/internal/state"
	"github.com/meridian-run/meridian/internal/types"
)

// DefaultInfraExitCode is returned when Meridian itself aborts a run for
// an infrastructure reason rather than surfacing the harness's own exit
// code.
const DefaultInfraExitCode = procexec.DefaultInfraExitCode

// ErrMaxDepthExceeded is returned, without spawning anything, when this
// process's own MERIDIAN_DEPTH has already reached Cfg.MaxDepth. It
// guards against a harness recursively invoking `meridian run` on itself
// (typically via its own MCP server) without bound.
var ErrMaxDepthExceeded = errors.New("max agent depth reached")

// ExecuteParams describes one run request end to end: what to run, how to
// run it, and the safety rails around it.
type ExecuteParams struct {
	SpaceDir string
	ChatID   types.ChatID
	RunID    types.RunID // optional; StartRun allocates one if empty

	Prompt            string
	Model             string
	Agent             string
	Skills            []string
	HarnessID         types.HarnessID
	ExtraArgs         []string
	RepoRoot          string
	McpTools          []string
	ContinueSessionID string
	ContinueFork      bool

	PermissionConfig   types.PermissionConfig
	PermissionResolver harness.PermissionResolver

	Budget            types.Budget
	WorkspaceSpentUSD float64

	GuardrailPaths []string
	Secrets        []types.SecretSpec

	Cfg       config.Config
	Artifacts state.ArtifactStore
	Cwd       string

	// SpaceID and Index are both optional. When Index is set, the engine
	// upserts the run's cache row after start and after finalize; a
	// missing or nil Index just means the caller is relying on
	// `meridian doctor`/an explicit rebuild to keep index.db current.
	SpaceID types.SpaceID
	Index   *index.Index

	OnEvent func(types.RunID, harness.StreamEvent)
}

func syncIndexRun(params ExecuteParams, runID types.RunID) {
	if params.Index == nil {
		return
	}
	if err := params.Index.SyncRun(params.SpaceDir, params.SpaceID, runID); err != nil {
		logx.Warn(fmt.Sprintf("index sync failed for run %s: %v", runID, err))
	}
}

// ExecuteResult is what one finished (possibly retried) run produced.
type ExecuteResult struct {
	RunID    types.RunID
	ExitCode int
	Status   types.RunStatus
	Reason   types.FailureReason
}

// ExecuteRun runs one harness attempt to completion, retrying on
// guardrail failure or a retryable error up to Cfg.MaxRetries, and appends
// exactly one finalize event once the start event is written, including
// when an attempt panics or hits an internal error. The finalize append happens inside a SIGTERM mask so a
// parent-directed termination can't tear a run record in half.
func ExecuteRun(ctx context.Context, params ExecuteParams) (ExecuteResult, error) {
	currentDepth := readNonNegativeIntEnv("MERIDIAN_DEPTH", 0)
	if currentDepth >= params.Cfg.MaxDepth {
		return ExecuteResult{Status: types.RunFailed, Reason: types.FailureMaxDepthReached}, ErrMaxDepthExceeded
	}

	adapter, err := harness.ForHarness(params.HarnessID)
	if err != nil {
		return ExecuteResult{}, err
	}

	runID, err := state.StartRun(params.SpaceDir, state.StartRunParams{
		ChatID:  params.ChatID,
		Model:   params.Model,
		Agent:   params.Agent,
		Harness: params.HarnessID,
		Prompt:  params.Prompt,
		RunID:   params.RunID,
	})
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("start run: %w", err)
	}
	syncIndexRun(params, runID)

	startedAt := time.Now()
	emitSubRunStart(currentDepth, runID, params.Model, params.Agent)

	sp := state.SpacePathsFromDir(params.SpaceDir)
	logDir := filepath.Join(sp.RunsDir, string(runID))

	runParams := harness.RunParams{
		Prompt:            params.Prompt,
		Model:             params.Model,
		Skills:            params.Skills,
		Agent:             params.Agent,
		ExtraArgs:         params.ExtraArgs,
		RepoRoot:          params.RepoRoot,
		McpTools:          params.McpTools,
		ContinueSessionID: params.ContinueSessionID,
		ContinueFork:      params.ContinueFork,
	}

	command, err := adapter.BuildCommand(runParams, params.PermissionResolver)
	if err != nil {
		return finalizeInfraFailure(params, runID, types.FailureInfraError, err)
	}
	if mcpConfig, mcpErr := adapter.MCPConfig(runParams); mcpErr == nil && mcpConfig != nil {
		command = append(command, mcpConfig.CommandArgs...)
		if len(mcpConfig.ClaudeAllowedTools) > 0 {
			command = append(command, "--allowedTools", joinComma(mcpConfig.ClaudeAllowedTools))
		}
	}

	childEnv := buildChildEnv(params, adapter, runID)

	var budgetTracker *safety.LiveBudgetTracker
	if !params.Budget.IsZero() {
		budgetTracker = safety.NewLiveBudgetTracker(params.Budget, params.WorkspaceSpentUSD)
	}

	maxRetries := params.Cfg.MaxRetries
	backoff := time.Duration(params.Cfg.RetryBackoffSeconds * float64(time.Second))

	exitCode := DefaultInfraExitCode
	reason := types.FailureInfraError
	finalSessionID := string(runID)
	var extraction extract.FinalizeExtraction
	haveExtraction := false

	retries := 0
	func() {
		defer func() {
			if r := recover(); r != nil {
				logx.Error(fmt.Sprintf("run execution panicked: %v", r))
				exitCode = DefaultInfraExitCode
				reason = types.FailureInfraError
			}
		}()

		for {
			extract.ResetFinalizeAttemptArtifacts(params.Artifacts, runID, logDir)

			if budgetTracker != nil {
				if breach := budgetTracker.Check(); breach != nil {
					exitCode = DefaultInfraExitCode
					reason = types.FailureBudgetExceeded
					logx.Warn(fmt.Sprintf("preflight budget breach: scope=%s observed=%.4f limit=%.4f", breach.Scope, breach.ObservedUSD, breach.LimitUSD))
					return
				}
			}

			spawnResult, spawnErr := procexec.SpawnAndStream(ctx, procexec.SpawnParams{
				Command:   command,
				Env:       childEnv,
				Dir:       params.Cwd,
				Adapter:   adapter,
				Secrets:   params.Secrets,
				Artifacts: params.Artifacts,
				RunID:     runID,
				OnEvent: func(event harness.StreamEvent) {
					if params.OnEvent != nil {
						params.OnEvent(runID, event)
					}
				},
				Timeout:     time.Duration(params.Cfg.TimeoutSeconds * float64(time.Second)),
				GracePeriod: time.Duration(params.Cfg.KillGraceSeconds * float64(time.Second)),
			}, budgetTracker)
			if spawnErr != nil {
				exitCode = DefaultInfraExitCode
				reason = types.FailureInfraError
				return
			}
			exitCode = spawnResult.ExitCode

			extracted, extractErr := extract.EnrichFinalize(params.Artifacts, adapter, runID, logDir, params.Secrets)
			if extractErr == nil {
				extraction = extracted
				haveExtraction = true
				if extracted.SessionID != "" {
					finalSessionID = extracted.SessionID
				}
			}

			if spawnResult.BudgetBreached {
				reason = types.FailureBudgetExceeded
				return
			}

			if budgetTracker != nil && haveExtraction && extraction.Usage.TotalCostUSD != nil {
				if breach := budgetTracker.ObserveCost(*extraction.Usage.TotalCostUSD); breach != nil {
					exitCode = DefaultInfraExitCode
					reason = types.FailureBudgetExceeded
					return
				}
			}

			if spawnResult.TimedOut {
				reason = types.FailureTimeout
				return
			}

			if exitCode == 0 && haveExtraction && extraction.OutputIsEmpty {
				exitCode = 1
				reason = types.FailureEmptyOutput
				return
			}

			if exitCode == 0 {
				guardrailResult := safety.RunGuardrails(params.GuardrailPaths, safety.RunGuardrailsParams{
					RunID:          runID,
					Cwd:            params.Cwd,
					Env:            childEnv,
					ReportPath:     extraction.ReportPath,
					OutputLogPath:  filepath.Join(logDir, "output.jsonl"),
					TimeoutSeconds: time.Duration(params.Cfg.GuardrailTimeoutSeconds * float64(time.Second)),
				})
				if guardrailResult.OK {
					reason = types.FailureNone
					return
				}

				reason = types.FailureGuardrailFailed
				exitCode = 1
				guardrailText := safety.GuardrailFailureText(guardrailResult.Failures)
				appendStderrText(params.Artifacts, runID, guardrailText)

				if retries >= maxRetries {
					return
				}
				retries++
				logx.Warn(fmt.Sprintf("retrying after guardrail failure: attempt %d/%d", retries, maxRetries))
				sleepBackoff(backoff, retries)
				continue
			}

			stderrText := readStderrArtifact(params.Artifacts, runID)
			category := classify.ClassifyError(exitCode, stderrText)
			if category == classify.StrategyChange {
				reason = types.FailureInfraError
			}
			if !classify.ShouldRetry(exitCode, stderrText, retries, maxRetries) {
				return
			}
			retries++
			logx.Warn(fmt.Sprintf("retrying failed attempt: attempt %d/%d exit_code=%d category=%s", retries, maxRetries, exitCode, category))
			sleepBackoff(backoff, retries)
		}
	}()

	status := types.RunFailed
	if exitCode == 0 {
		status = types.RunSucceeded
	} else if exitCode == 130 || exitCode == 143 {
		status = types.RunCancelled
		reason = types.FailureInterrupted
	}

	finalizeErr := procexec.MaskSIGTERM(func() error {
		elapsed := time.Since(startedAt).Seconds()
		durationSecs := &elapsed
		var totalCostUSD *float64
		var inputTokens, outputTokens, filesTouchedCount *int
		if haveExtraction {
			if extraction.Usage.TotalCostUSD != nil {
				totalCostUSD = extraction.Usage.TotalCostUSD
			}
			in, out := extraction.Usage.InputTokens, extraction.Usage.OutputTokens
			inputTokens, outputTokens = &in, &out
			count := len(extraction.FilesTouched)
			filesTouchedCount = &count
		}
		errorText := ""
		if reason != types.FailureNone {
			errorText = string(reason)
		}
		return state.FinalizeRun(params.SpaceDir, state.FinalizeRunParams{
			RunID:             runID,
			Status:            status,
			ExitCode:          exitCode,
			DurationSecs:      durationSecs,
			TotalCostUSD:      totalCostUSD,
			InputTokens:       inputTokens,
			OutputTokens:      outputTokens,
			FilesTouchedCount: filesTouchedCount,
			Error:             errorText,
		})
	})
	if finalizeErr != nil {
		return ExecuteResult{}, fmt.Errorf("finalize run %s: %w", runID, finalizeErr)
	}
	syncIndexRun(params, runID)

	var tokensTotal *int
	if haveExtraction {
		total := extraction.Usage.InputTokens + extraction.Usage.OutputTokens
		tokensTotal = &total
	}
	emitSubRunDone(currentDepth, runID, exitCode, time.Since(startedAt).Seconds(), tokensTotal)

	_ = finalSessionID
	return ExecuteResult{RunID: runID, ExitCode: exitCode, Status: status, Reason: reason}, nil
}

func finalizeInfraFailure(params ExecuteParams, runID types.RunID, reason types.FailureReason, cause error) (ExecuteResult, error) {
	_ = procexec.MaskSIGTERM(func() error {
		return state.FinalizeRun(params.SpaceDir, state.FinalizeRunParams{
			RunID:    runID,
			Status:   types.RunFailed,
			ExitCode: DefaultInfraExitCode,
			Error:    string(reason),
		})
	})
	syncIndexRun(params, runID)
	return ExecuteResult{RunID: runID, ExitCode: DefaultInfraExitCode, Status: types.RunFailed, Reason: reason}, cause
}

func buildChildEnv(params ExecuteParams, adapter harness.Adapter, runID types.RunID) []string {
	currentDepth := readNonNegativeIntEnv("MERIDIAN_DEPTH", 0)
	overrides := map[string]string{
		"MERIDIAN_REPO_ROOT":     params.RepoRoot,
		"MERIDIAN_STATE_ROOT":    state.ResolveStateRoot(params.RepoRoot),
		"MERIDIAN_RUN_ID":        string(runID),
		"MERIDIAN_SPACE_ID":      string(params.SpaceID),
		"MERIDIAN_DEPTH":         strconv.Itoa(currentDepth + 1),
		"MERIDIAN_PARENT_RUN_ID": string(runID),
		"MERIDIAN_MAX_DEPTH":     strconv.Itoa(params.Cfg.MaxDepth),
	}
	for k, v := range adapter.EnvOverrides(params.PermissionConfig) {
		overrides[k] = v
	}
	for _, secret := range params.Secrets {
		overrides[secret.EnvName()] = secret.Value
	}
	return safety.SanitizeChildEnv(os.Environ(), overrides, safety.HarnessEnvPassThrough)
}

func joinComma(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ","
		}
		out += item
	}
	return out
}

func sleepBackoff(backoff time.Duration, retries int) {
	if backoff <= 0 {
		return
	}
	time.Sleep(backoff * time.Duration(retries))
}

func appendStderrText(artifacts state.ArtifactStore, runID types.RunID, text string) {
	if artifacts == nil || text == "" {
		return
	}
	key := state.MakeArtifactKey(string(runID), "stderr.log")
	existing, _ := artifacts.Get(key)
	_ = artifacts.Put(key, append(existing, []byte("\n"+text)...))
}

// readNonNegativeIntEnv parses name as a non-negative integer, returning
// def if unset, blank, or invalid; a malformed depth value should not
// itself crash the engine.
func readNonNegativeIntEnv(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return def
	}
	return value
}

type subRunStartEvent struct {
	V      int    `json:"v"`
	Type   string `json:"t"`
	ID     string `json:"id"`
	Model  string `json:"model"`
	Agent  string `json:"agent,omitempty"`
	Parent string `json:"parent,omitempty"`
	Depth  int    `json:"d"`
	Ts     int64  `json:"ts"`
}

type subRunDoneEvent struct {
	V      int     `json:"v"`
	Type   string  `json:"t"`
	ID     string  `json:"id"`
	Exit   int     `json:"exit"`
	Secs   float64 `json:"secs"`
	Tok    *int    `json:"tok"`
	Parent string  `json:"parent,omitempty"`
	Depth  int     `json:"d"`
	Ts     int64   `json:"ts"`
}

// emitSubRunStart and emitSubRunDone print the sub-run protocol lines to
// this process's own stdout when it is itself running nested (depth > 0),
// so whichever meridian process spawned it can parse them out of its
// child's stdout stream and render a depth-indented sub-run tree.
func emitSubRunStart(depth int, runID types.RunID, model, agent string) {
	if depth <= 0 {
		return
	}
	event := subRunStartEvent{
		V:      1,
		Type:   "meridian.run.start",
		ID:     string(runID),
		Model:  model,
		Agent:  agent,
		Parent: os.Getenv("MERIDIAN_PARENT_RUN_ID"),
		Depth:  depth,
		Ts:     time.Now().Unix(),
	}
	printSubRunEvent(event)
}

func emitSubRunDone(depth int, runID types.RunID, exitCode int, secs float64, tokensTotal *int) {
	if depth <= 0 {
		return
	}
	event := subRunDoneEvent{
		V:      1,
		Type:   "meridian.run.done",
		ID:     string(runID),
		Exit:   exitCode,
		Secs:   secs,
		Tok:    tokensTotal,
		Parent: os.Getenv("MERIDIAN_PARENT_RUN_ID"),
		Depth:  depth,
		Ts:     time.Now().Unix(),
	}
	printSubRunEvent(event)
}

func printSubRunEvent(event any) {
	encoded, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintln(os.Stdout, string(encoded))
}

func readStderrArtifact(artifacts state.ArtifactStore, runID types.RunID) string {
	if artifacts == nil {
		return ""
	}
	key := state.MakeArtifactKey(string(runID), "stderr.log")
	if !artifacts.Exists(key) {
		return ""
	}
	data, err := artifacts.Get(key)
	if err != nil {
		return ""
	}
	return string(data)
}
