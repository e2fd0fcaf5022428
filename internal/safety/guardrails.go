package safety

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/meridian-run/meridian/internal/types"
)

// DefaultGuardrailTimeout is applied to each guardrail script unless the
// caller overrides it.
const DefaultGuardrailTimeout = 30 * time.Second

// GuardrailFailure is one failed guardrail script execution.
type GuardrailFailure struct {
	Script   string
	ExitCode int
	Stderr   string
}

// GuardrailResult is the aggregate result of a post-run guardrail pass.
type GuardrailResult struct {
	OK       bool
	Failures []GuardrailFailure
}

// NormalizeGuardrailPaths resolves and validates guardrail script paths,
// accepting comma-separated lists within any one raw entry.
func NormalizeGuardrailPaths(raw []string, repoRoot string) ([]string, error) {
	var resolved []string
	for _, entry := range raw {
		for _, candidate := range strings.Split(entry, ",") {
			normalized := strings.TrimSpace(candidate)
			if normalized == "" {
				continue
			}
			path := normalized
			if !filepath.IsAbs(path) {
				path = filepath.Join(repoRoot, path)
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return nil, err
			}
			info, err := os.Stat(abs)
			if err != nil || info.IsDir() {
				return nil, fmt.Errorf("guardrail script not found: %s", normalized)
			}
			resolved = append(resolved, abs)
		}
	}
	return resolved, nil
}

// RunGuardrailsParams are the inputs to RunGuardrails.
type RunGuardrailsParams struct {
	RunID           types.RunID
	Cwd             string
	Env             []string
	ReportPath      string // empty if no report was produced
	OutputLogPath   string
	TimeoutSeconds  time.Duration
}

// RunGuardrails executes each guardrail script in order against a sanitized
// environment, collecting every failure. A script is invoked directly if
// executable; otherwise it is run via "bash <script>". A direct invocation
// that fails to start at all (an exec error rather than a nonzero exit) is
// retried once via "bash <script>".
func RunGuardrails(scripts []string, params RunGuardrailsParams) GuardrailResult {
	if len(scripts) == 0 {
		return GuardrailResult{OK: true}
	}

	timeout := params.TimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultGuardrailTimeout
	}

	childEnv := append([]string{}, params.Env...)
	childEnv = append(childEnv,
		"MERIDIAN_GUARDRAIL_RUN_ID="+string(params.RunID),
		"MERIDIAN_GUARDRAIL_OUTPUT_LOG="+params.OutputLogPath,
	)
	if params.ReportPath != "" {
		childEnv = append(childEnv, "MERIDIAN_GUARDRAIL_REPORT_PATH="+params.ReportPath)
	}

	var failures []GuardrailFailure
	for _, script := range scripts {
		failure := runOneGuardrail(script, params.Cwd, childEnv, timeout)
		if failure != nil {
			failures = append(failures, *failure)
		}
	}
	return GuardrailResult{OK: len(failures) == 0, Failures: failures}
}

func runOneGuardrail(script, cwd string, env []string, timeout time.Duration) *GuardrailFailure {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	name, args := script, []string(nil)
	if !isExecutable(script) {
		name, args = "bash", []string{script}
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = cwd
	cmd.Env = env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var startErr *exec.ExitError
	if err != nil && name != "bash" && ctx.Err() == nil && !isExitError(err, &startErr) {
		stdout.Reset()
		stderr.Reset()
		retry := exec.CommandContext(ctx, "bash", script)
		retry.Dir = cwd
		retry.Env = env
		retry.Stdout = &stdout
		retry.Stderr = &stderr
		err = retry.Run()
	}
	if ctx.Err() == context.DeadlineExceeded {
		return &GuardrailFailure{
			Script:   script,
			ExitCode: 124,
			Stderr:   fmt.Sprintf("guardrail timed out after %s", timeout),
		}
	}
	if err == nil {
		return nil
	}

	exitCode := 1
	var exitErr *exec.ExitError
	if ok := isExitError(err, &exitErr); ok {
		exitCode = exitErr.ExitCode()
	}
	stderrText := strings.TrimSpace(stderr.String())
	if stderrText == "" {
		stderrText = strings.TrimSpace(stdout.String())
	}
	return &GuardrailFailure{Script: script, ExitCode: exitCode, Stderr: stderrText}
}

func isExitError(err error, target **exec.ExitError) bool {
	exitErr, ok := err.(*exec.ExitError)
	if ok {
		*target = exitErr
	}
	return ok
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode()&0o111 != 0
}

// GuardrailFailureText renders a human-readable summary of one or more
// guardrail failures, appended to a run's captured stderr artifact.
func GuardrailFailureText(failures []GuardrailFailure) string {
	var b strings.Builder
	b.WriteString("Guardrail validation failed:\n")
	for _, f := range failures {
		b.WriteString(fmt.Sprintf("- %s (exit %d)", f.Script, f.ExitCode))
		if f.Stderr != "" {
			b.WriteString(": " + f.Stderr)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
