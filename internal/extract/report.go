// Package extract runs the post-execution extraction pipeline applied to
// every finished run's artifacts: usage/session-id extraction (delegated
// to the harness adapter), touched-file inference, and report recovery.
package extract

import (
	"encoding/json"
	"strings"

	"github.com/meridian-run/meridian/internal/state"
	"github.com/meridian-run/meridian/internal/types"
)

// ReportSource records where an extracted report's text came from.
type ReportSource string

const (
	ReportSourceNone             ReportSource = ""
	ReportSourceReportMD         ReportSource = "report_md"
	ReportSourceAssistantMessage ReportSource = "assistant_message"
)

// ExtractedReport is the result of recovering a run's report text.
type ExtractedReport struct {
	Content string
	Source  ReportSource
}

func readArtifactText(artifacts state.ArtifactStore, runID types.RunID, name string) string {
	key := state.MakeArtifactKey(string(runID), name)
	if !artifacts.Exists(key) {
		return ""
	}
	data, err := artifacts.Get(key)
	if err != nil {
		return ""
	}
	return string(data)
}

func textFromValue(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case []any:
		var parts []string
		for _, item := range v {
			if text := textFromValue(item); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	case map[string]any:
		var parts []string
		for _, key := range []string{"text", "message", "output"} {
			if raw, ok := v[key]; ok {
				if text := textFromValue(raw); text != "" {
					parts = append(parts, text)
				}
			}
		}
		if raw, ok := v["content"]; ok {
			if text := textFromValue(raw); text != "" {
				parts = append(parts, text)
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))
	default:
		return ""
	}
}

func lowerStringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if raw, ok := m[key]; ok {
			if s, ok := raw.(string); ok {
				return strings.ToLower(s)
			}
		}
	}
	return ""
}

func assistantTexts(payload any) []string {
	var found []string
	switch v := payload.(type) {
	case map[string]any:
		role := lowerStringField(v, "role")
		eventType := lowerStringField(v, "type", "event")

		if role == "assistant" || strings.Contains(eventType, "assistant") {
			if text := textFromValue(v["content"]); text != "" {
				found = append(found, text)
			}
			for _, key := range []string{"text", "message", "output"} {
				if text := textFromValue(v[key]); text != "" {
					found = append(found, text)
				}
			}
		}

		if choices, ok := v["choices"].([]any); ok {
			for _, raw := range choices {
				choice, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				message, ok := choice["message"].(map[string]any)
				if !ok {
					continue
				}
				if lowerStringField(message, "role") == "assistant" {
					if text := textFromValue(message["content"]); text != "" {
						found = append(found, text)
					}
				}
			}
		}

		for _, nested := range v {
			found = append(found, assistantTexts(nested)...)
		}
	case []any:
		for _, item := range v {
			found = append(found, assistantTexts(item)...)
		}
	}
	return found
}

func extractLastAssistantMessage(outputLines string) string {
	var lastAssistant string
	for _, line := range strings.Split(outputLines, "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			continue
		}
		var payload any
		if err := json.Unmarshal([]byte(stripped), &payload); err != nil {
			continue
		}
		if assistants := assistantTexts(payload); len(assistants) > 0 {
			lastAssistant = strings.TrimSpace(assistants[len(assistants)-1])
		}
	}
	return lastAssistant
}

// ExtractOrFallbackReport recovers a run's report text, preferring a
// harness-written report.md over the last assistant message in the
// streamed output.
func ExtractOrFallbackReport(artifacts state.ArtifactStore, runID types.RunID) ExtractedReport {
	outputLines := readArtifactText(artifacts, runID, "output.jsonl")
	assistantReport := strings.TrimSpace(extractLastAssistantMessage(outputLines))

	reportContent := strings.TrimSpace(readArtifactText(artifacts, runID, "report.md"))
	if reportContent != "" {
		return ExtractedReport{Content: reportContent, Source: ReportSourceReportMD}
	}

	if assistantReport == "" {
		return ExtractedReport{}
	}
	return ExtractedReport{Content: assistantReport, Source: ReportSourceAssistantMessage}
}
