package extract

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/meridian-run/meridian/internal/harness"
	"github.com/meridian-run/meridian/internal/safety"
	"github.com/meridian-run/meridian/internal/state"
	"github.com/meridian-run/meridian/internal/types"
)

const (
	reportFilename = "report.md"
	outputFilename = "output.jsonl"
	stderrFilename = "stderr.log"
	tokensFilename = "tokens.json"
)

// FinalizeExtraction bundles every value the finalize step derives from a
// completed attempt's artifacts.
type FinalizeExtraction struct {
	Usage          types.TokenUsage
	SessionID      string
	FilesTouched   []string
	ReportPath     string
	Report         ExtractedReport
	OutputIsEmpty  bool
}

// ResetFinalizeAttemptArtifacts clears attempt-scoped artifacts before a
// retry, so a retried attempt never inherits a prior attempt's extraction
// state.
func ResetFinalizeAttemptArtifacts(artifacts state.ArtifactStore, runID types.RunID, logDir string) {
	for _, name := range []string{outputFilename, stderrFilename, tokensFilename, reportFilename} {
		_ = artifacts.Delete(state.MakeArtifactKey(string(runID), name))
	}
	reportPath := filepath.Join(logDir, reportFilename)
	_ = os.Remove(reportPath)
}

func persistReport(
	artifacts state.ArtifactStore,
	runID types.RunID,
	logDir string,
	extracted ExtractedReport,
	secrets []types.SecretSpec,
) string {
	if extracted.Content == "" {
		return ""
	}

	redacted := string(safety.RedactSecretBytes([]byte(extracted.Content), secrets))
	target := filepath.Join(logDir, reportFilename)
	reportKey := state.MakeArtifactKey(string(runID), reportFilename)

	text := redacted
	if extracted.Source == ReportSourceAssistantMessage {
		text = "# Auto-extracted Report\n\n" + strings.TrimSpace(redacted) + "\n"
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return ""
	}
	if err := os.WriteFile(target, []byte(text), 0o644); err != nil {
		return ""
	}
	_ = artifacts.Put(reportKey, []byte(text))
	return target
}

func isEmptyOutput(artifacts state.ArtifactStore, runID types.RunID, report ExtractedReport) bool {
	if strings.TrimSpace(report.Content) != "" {
		return false
	}
	outputText := readArtifactText(artifacts, runID, outputFilename)
	return strings.TrimSpace(outputText) == ""
}

// EnrichFinalize runs every extraction step against one attempt's
// artifacts and returns the combined result used to build the run's
// finalize event.
func EnrichFinalize(
	artifacts state.ArtifactStore,
	adapter harness.Adapter,
	runID types.RunID,
	logDir string,
	secrets []types.SecretSpec,
) (FinalizeExtraction, error) {
	usage, err := adapter.ExtractUsage(artifacts, runID)
	if err != nil {
		return FinalizeExtraction{}, err
	}
	sessionID, _ := adapter.ExtractSessionID(artifacts, runID)
	filesTouched := ExtractFilesTouched(artifacts, runID)
	report := ExtractOrFallbackReport(artifacts, runID)
	reportPath := persistReport(artifacts, runID, logDir, report, secrets)

	return FinalizeExtraction{
		Usage:         usage,
		SessionID:     sessionID,
		FilesTouched:  filesTouched,
		ReportPath:    reportPath,
		Report:        report,
		OutputIsEmpty: isEmptyOutput(artifacts, runID, report),
	}, nil
}
