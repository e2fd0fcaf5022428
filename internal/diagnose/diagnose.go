// Package diagnose implements an opt-in, post-hoc summary of why a
// finished run failed. It never touches the execute_run critical path:
// it reads a run's recorded artifacts after the fact and, only when
// ANTHROPIC_API_KEY is set, asks Claude Haiku for a short explanation an
// operator can read without combing through stderr and tool-use events
// by hand.
package diagnose

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/meridian-run/meridian/internal/state"
	"github.com/meridian-run/meridian/internal/types"
)

// model is pinned to Haiku: this is a cheap, best-effort summary, not a
// reasoning task worth a larger model's latency or cost.
const model = "claude-3-5-haiku-20241022"

// maxOutputLines bounds how much of a run's raw output.jsonl gets folded
// into the prompt, keeping the request small and fast.
const maxOutputLines = 200

// ErrNoAPIKey is returned when ANTHROPIC_API_KEY isn't set; callers
// should treat this as "diagnosis unavailable", not a failure.
var ErrNoAPIKey = fmt.Errorf("ANTHROPIC_API_KEY is not set")

// Summary is the structured result of diagnosing one finished run.
type Summary struct {
	RunID      types.RunID
	Reasoning  string
	Confidence float64
}

// Run reads a finished run's record and raw output, then asks Haiku to
// explain why it failed in one short paragraph. Returns ErrNoAPIKey when
// no key is configured rather than attempting a network call.
func Run(ctx context.Context, spaceDir string, runID types.RunID, artifacts state.ArtifactStore) (Summary, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return Summary{}, ErrNoAPIKey
	}

	record, err := state.GetRun(spaceDir, runID)
	if err != nil {
		return Summary{}, fmt.Errorf("load run %s: %w", runID, err)
	}

	outputTail := readOutputTail(artifacts, runID)
	prompt := buildPrompt(*record, outputTail)

	checkCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	resp, err := client.Messages.New(checkCtx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(400),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Summary{}, fmt.Errorf("diagnose run %s: %w", runID, err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Summary{RunID: runID}, nil
	}

	return parseResponse(runID, text.String()), nil
}

func buildPrompt(record state.RunRecord, outputTail string) string {
	return fmt.Sprintf(`You are summarizing why an automated coding agent run failed.

Harness: %s
Model: %s
Exit code: %s
Recorded error: %s

Last %d lines of the run's raw output stream:
%s

In one short paragraph, explain the likely cause of the failure. Respond with JSON:
{
  "reasoning": "one-paragraph explanation",
  "confidence": 0.0-1.0
}`, record.Harness, record.Model, exitCodeText(record.ExitCode), orNone(record.Error), maxOutputLines, outputTail)
}

func exitCodeText(exitCode *int) string {
	if exitCode == nil {
		return "unknown"
	}
	return fmt.Sprintf("%d", *exitCode)
}

func orNone(s string) string {
	if s == "" {
		return "(none recorded)"
	}
	return s
}

func readOutputTail(artifacts state.ArtifactStore, runID types.RunID) string {
	if artifacts == nil {
		return "(no output artifact available)"
	}
	key := state.MakeArtifactKey(string(runID), "output.jsonl")
	if !artifacts.Exists(key) {
		return "(no output artifact available)"
	}
	data, err := artifacts.Get(key)
	if err != nil {
		return "(output artifact unreadable)"
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) > maxOutputLines {
		lines = lines[len(lines)-maxOutputLines:]
	}
	return strings.Join(lines, "\n")
}

func parseResponse(runID types.RunID, raw string) Summary {
	var parsed struct {
		Reasoning  string  `json:"reasoning"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		if start := strings.Index(raw, "```json"); start >= 0 {
			start += len("```json")
			if end := strings.Index(raw[start:], "```"); end > 0 {
				_ = json.Unmarshal([]byte(raw[start:start+end]), &parsed)
			}
		}
	}
	if parsed.Reasoning == "" {
		parsed.Reasoning = strings.TrimSpace(raw)
	}
	return Summary{RunID: runID, Reasoning: parsed.Reasoning, Confidence: parsed.Confidence}
}
