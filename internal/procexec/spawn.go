package procexec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/meridian-run/meridian/internal/harness"
	"github.com/meridian-run/meridian/internal/logx"
	"github.com/meridian-run/meridian/internal/safety"
	"github.com/meridian-run/meridian/internal/state"
	"github.com/meridian-run/meridian/internal/types"
	"golang.org/x/sync/errgroup"
)

// DefaultInfraExitCode is returned when Meridian itself fails a run for an
// infrastructure reason (budget breach, unhandled spawn error) rather than
// the harness process's own exit code.
const DefaultInfraExitCode = 2

// LineObserver is invoked for every raw line a harness writes to stdout,
// after secret redaction but before stream-event parsing. The
// LiveBudgetTracker passed to SpawnAndStream is fed separately, not
// through this hook.
type LineObserver func(line []byte)

// EventObserver is invoked for every successfully parsed stream event.
type EventObserver func(event harness.StreamEvent)

// SpawnParams describes one harness subprocess invocation.
type SpawnParams struct {
	Command []string
	Env     []string
	Dir     string

	Adapter  harness.Adapter
	Secrets  []types.SecretSpec
	Artifacts state.ArtifactStore
	RunID    types.RunID

	OnLine  LineObserver
	OnEvent EventObserver

	// Timeout bounds the subprocess's wall-clock runtime. Zero means no
	// timeout.
	Timeout time.Duration
	// GracePeriod is how long to wait after SIGTERM before escalating to
	// SIGKILL on timeout.
	GracePeriod time.Duration
}

// SpawnResult is everything the caller needs once a harness subprocess has
// exited: its exit code mapped onto Meridian's exit-code table (130 on
// cancellation, 3 on timeout, 2 on budget breach), whether it was killed
// by a forwarded signal
// or a timeout, and the artifacts captured along the way.
type SpawnResult struct {
	ExitCode       int
	Signaled       bool
	ReceivedSignal os.Signal
	TimedOut       bool
	BudgetBreached bool
	Stdout         []byte
	Stderr         []byte
}

// SpawnAndStream launches one harness subprocess in its own process group,
// pumps its stdout/stderr through redaction, budget observation, and
// stream-event parsing, persists the captured output as run artifacts, and
// maps its exit into Meridian's documented exit-code table.
func SpawnAndStream(ctx context.Context, params SpawnParams, budget *safety.LiveBudgetTracker) (SpawnResult, error) {
	cmd := exec.Command(params.Command[0], params.Command[1:]...)
	cmd.Env = params.Env
	cmd.Dir = params.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return SpawnResult{}, fmt.Errorf("attach stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return SpawnResult{}, fmt.Errorf("attach stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return SpawnResult{}, fmt.Errorf("start harness process: %w", err)
	}

	forwarder := NewSignalForwarder(cmd)
	defer forwarder.Stop()

	var (
		mu            sync.Mutex
		stdoutBuf     strings.Builder
		stderrBuf     strings.Builder
		breachSeen    bool
		tokensPayload []byte
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return pumpStdout(groupCtx, stdoutPipe, params, budget, &mu, &stdoutBuf, &breachSeen, &tokensPayload, cmd)
	})
	group.Go(func() error {
		return pumpStderr(stderrPipe, params, &mu, &stderrBuf)
	})

	timedOut := false
	if params.Timeout > 0 {
		timer := time.AfterFunc(params.Timeout, func() {
			timedOut = true
			terminateAfterTimeout(cmd, params.GracePeriod)
		})
		defer timer.Stop()
	}

	var cancelled atomic.Bool
	waitDone := make(chan struct{})
	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				cancelled.Store(true)
				terminateAfterCtxCancellation(cmd, params.GracePeriod)
			case <-waitDone:
			}
		}()
	}

	waitErr := cmd.Wait()
	close(waitDone)
	_ = group.Wait()

	rawExitCode := 0
	var exitErr *exec.ExitError
	if waitErr != nil {
		if errors.As(waitErr, &exitErr) {
			rawExitCode = exitErr.ExitCode()
		} else {
			rawExitCode = 1
		}
	}

	receivedSignal := forwarder.ReceivedSignal()
	exitCode := MapProcessExitCode(rawExitCode, receivedSignal)
	if cancelled.Load() {
		exitCode = 130
	}
	if timedOut {
		exitCode = 3
	}

	mu.Lock()
	stdout := []byte(stdoutBuf.String())
	stderr := []byte(stderrBuf.String())
	tokens := tokensPayload
	mu.Unlock()

	if params.Artifacts != nil {
		persistArtifacts(params.Artifacts, params.RunID, stdout, stderr, tokens)
	}

	if breachSeen {
		exitCode = DefaultInfraExitCode
	}

	return SpawnResult{
		ExitCode:       exitCode,
		Signaled:       receivedSignal != nil,
		ReceivedSignal: receivedSignal,
		TimedOut:       timedOut,
		BudgetBreached: breachSeen,
		Stdout:         stdout,
		Stderr:         stderr,
	}, nil
}

func pumpStdout(
	ctx context.Context,
	r io.Reader,
	params SpawnParams,
	budget *safety.LiveBudgetTracker,
	mu *sync.Mutex,
	buf *strings.Builder,
	breachSeen *bool,
	tokensPayload *[]byte,
	cmd *exec.Cmd,
) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		redacted := safety.RedactSecretBytes(line, params.Secrets)

		mu.Lock()
		buf.Write(redacted)
		buf.WriteByte('\n')
		if tokens, ok := extractTokensField(redacted); ok {
			*tokensPayload = tokens
		}
		mu.Unlock()

		if params.OnLine != nil {
			params.OnLine(redacted)
		}

		if budget != nil && !*breachSeen {
			if breach := budget.ObserveJSONLine(redacted); breach != nil {
				*breachSeen = true
				logx.Warn(fmt.Sprintf("budget breach observed mid-run: %s", breach.Scope))
				terminateAfterBudgetBreach(cmd, params.GracePeriod)
			}
		}

		if params.Adapter != nil && params.OnEvent != nil {
			if event, ok := params.Adapter.ParseStreamEvent(string(redacted)); ok {
				params.OnEvent(*event)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return scanner.Err()
}

func pumpStderr(r io.Reader, params SpawnParams, mu *sync.Mutex, buf *strings.Builder) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		redacted := safety.RedactSecretBytes(scanner.Bytes(), params.Secrets)
		mu.Lock()
		buf.Write(redacted)
		buf.WriteByte('\n')
		mu.Unlock()
	}
	return scanner.Err()
}

// terminateAfterTimeout sends SIGTERM to the process group, escalating to
// SIGKILL after grace elapses without exit.
func terminateAfterTimeout(cmd *exec.Cmd, grace time.Duration) {
	terminateWithGrace(cmd, syscall.SIGTERM, grace)
}

// terminateAfterBudgetBreach stops an in-flight harness process once a
// budget breach is observed. Budget limits are infra-enforced, so a harness
// that ignores SIGTERM is escalated to SIGKILL the same as on timeout.
func terminateAfterBudgetBreach(cmd *exec.Cmd, grace time.Duration) {
	terminateWithGrace(cmd, syscall.SIGTERM, grace)
}

// terminateAfterCtxCancellation stops an in-flight harness process when the
// caller's context is cancelled. This mirrors Ctrl-C semantics (SIGINT) so
// a harness can take its own graceful-shutdown path before being killed.
func terminateAfterCtxCancellation(cmd *exec.Cmd, grace time.Duration) {
	terminateWithGrace(cmd, syscall.SIGINT, grace)
}

// terminateWithGrace sends sig to the process group, escalating to SIGKILL
// after grace elapses without exit.
func terminateWithGrace(cmd *exec.Cmd, sig syscall.Signal, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, sig)
	time.AfterFunc(grace, func() {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	})
}

// extractTokensField pulls the "tokens" object out of one decoded stdout
// line, if present, and re-serializes it on its own for the tokens.json
// artifact. Lines without a "tokens" object are not candidates.
func extractTokensField(line []byte) ([]byte, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, false
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return nil, false
	}
	tokens, ok := payload["tokens"]
	if !ok {
		return nil, false
	}
	var probe map[string]any
	if err := json.Unmarshal(tokens, &probe); err != nil {
		return nil, false
	}
	return []byte(tokens), true
}

func persistArtifacts(store state.ArtifactStore, runID types.RunID, stdout, stderr, tokens []byte) {
	_ = store.Put(state.MakeArtifactKey(string(runID), "output.jsonl"), stdout)
	_ = store.Put(state.MakeArtifactKey(string(runID), "stderr.log"), stderr)
	if tokens != nil {
		_ = store.Put(state.MakeArtifactKey(string(runID), "tokens.json"), tokens)
	}
}
