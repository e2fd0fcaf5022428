package harness

import (
	"encoding/json"
	"strings"

	"github.com/meridian-run/meridian/internal/safety"
	"github.com/meridian-run/meridian/internal/state"
	"github.com/meridian-run/meridian/internal/types"
)

// tokenKeyPair is one (input, output) key naming convention a harness might
// use to report token counts in its JSON output.
type tokenKeyPair struct {
	input  string
	output string
}

// TokenKeyPairs lists every token-count key naming convention observed
// across the supported harnesses, tried in order until one matches.
var TokenKeyPairs = []tokenKeyPair{
	{"input_tokens", "output_tokens"},
	{"input", "output"},
	{"prompt_tokens", "completion_tokens"},
	{"prompt_token_count", "completion_token_count"},
	{"inputTokenCount", "outputTokenCount"},
}

// eventCategoryMap maps a harness-native event-type string to the
// Meridian-wide stream category it belongs to.
type eventCategoryMap map[string]types.StreamCategory

// categorizeStreamEvent looks up eventType in m, falling back to
// CategoryProgress for anything the harness doesn't explicitly classify.
func categorizeStreamEvent(m eventCategoryMap, eventType string) types.StreamCategory {
	if category, ok := m[eventType]; ok {
		return category
	}
	return types.CategoryProgress
}

// parseJSONStreamEvent decodes one JSONL stream line into a generic payload,
// returning false for blank or malformed lines.
func parseJSONStreamEvent(line string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, false
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return nil, false
	}
	return payload, true
}

func stringField(payload map[string]any, key string) (string, bool) {
	v, ok := payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// iterDicts walks a decoded JSON value, yielding every map it finds,
// depth-first, including the root.
func iterDicts(value any) []map[string]any {
	var out []map[string]any
	switch v := value.(type) {
	case map[string]any:
		out = append(out, v)
		for _, nested := range v {
			out = append(out, iterDicts(nested)...)
		}
	case []any:
		for _, item := range v {
			out = append(out, iterDicts(item)...)
		}
	}
	return out
}

func coerceOptionalInt(value any) (int, bool) {
	switch v := value.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// usageCandidate is one token-usage reading found somewhere in a run's
// artifacts, scored so the richest candidate wins when several are present.
type usageCandidate struct {
	usage types.TokenUsage
	score int
}

func candidateFromPayload(payload map[string]any) (usageCandidate, bool) {
	for _, pair := range TokenKeyPairs {
		inRaw, inOK := payload[pair.input]
		outRaw, outOK := payload[pair.output]
		if !inOK && !outOK {
			continue
		}
		usage := types.TokenUsage{}
		if in, ok := coerceOptionalInt(inRaw); ok {
			usage.InputTokens = in
		}
		if out, ok := coerceOptionalInt(outRaw); ok {
			usage.OutputTokens = out
		}
		for _, costKey := range safety.CostKeys {
			if raw, ok := payload[costKey]; ok {
				if cost, ok := toFloat(raw); ok {
					usage.TotalCostUSD = &cost
					break
				}
			}
		}
		return usageCandidate{usage: usage, score: candidateScore(usage)}, true
	}
	return usageCandidate{}, false
}

func candidateScore(usage types.TokenUsage) int {
	score := usage.InputTokens + usage.OutputTokens
	if usage.TotalCostUSD != nil {
		score++
	}
	return score
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// iterJSONLinesArtifact decodes an artifact that is either a JSON document
// or newline-delimited JSON, yielding every decoded map it contains.
func iterJSONLinesArtifact(data []byte) []map[string]any {
	var out []map[string]any
	text := strings.TrimSpace(string(data))
	if text == "" {
		return out
	}
	var whole any
	if err := json.Unmarshal([]byte(text), &whole); err == nil {
		return iterDicts(whole)
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var payload any
		if err := json.Unmarshal([]byte(line), &payload); err != nil {
			continue
		}
		out = append(out, iterDicts(payload)...)
	}
	return out
}

// extractUsageFromArtifacts scans a run's artifacts for the best available
// token-usage reading. It checks the dedicated tokens.json artifact first,
// then falls back to scanning the raw stream output.
func extractUsageFromArtifacts(artifacts state.ArtifactStore, runID types.RunID) types.TokenUsage {
	var best *usageCandidate

	consider := func(payloads []map[string]any) {
		for _, payload := range payloads {
			candidate, ok := candidateFromPayload(payload)
			if !ok {
				continue
			}
			if best == nil || candidate.score > best.score {
				c := candidate
				best = &c
			}
		}
	}

	for _, name := range []string{"tokens.json", "usage.json"} {
		key := state.MakeArtifactKey(string(runID), name)
		if !artifacts.Exists(key) {
			continue
		}
		data, err := artifacts.Get(key)
		if err != nil {
			continue
		}
		consider(iterJSONLinesArtifact(data))
	}

	if best == nil {
		key := state.MakeArtifactKey(string(runID), "output.jsonl")
		if artifacts.Exists(key) {
			if data, err := artifacts.Get(key); err == nil {
				consider(iterJSONLinesArtifact(data))
			}
		}
	}

	if best == nil {
		return types.TokenUsage{}
	}
	return best.usage
}

// extractSessionIDFromArtifacts looks for a dedicated session_id.txt
// artifact first, then falls back to scanning stream output for a
// "session_id" field.
func extractSessionIDFromArtifacts(artifacts state.ArtifactStore, runID types.RunID) (string, bool) {
	key := state.MakeArtifactKey(string(runID), "session_id.txt")
	if artifacts.Exists(key) {
		if data, err := artifacts.Get(key); err == nil {
			id := strings.TrimSpace(string(data))
			if id != "" {
				return id, true
			}
		}
	}

	outKey := state.MakeArtifactKey(string(runID), "output.jsonl")
	if artifacts.Exists(outKey) {
		data, err := artifacts.Get(outKey)
		if err == nil {
			for _, payload := range iterJSONLinesArtifact(data) {
				if id, ok := stringField(payload, "session_id"); ok && id != "" {
					return id, true
				}
			}
		}
	}
	return "", false
}
