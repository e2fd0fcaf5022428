package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/meridian-run/meridian/internal/state"
	"github.com/meridian-run/meridian/internal/types"
)

var pathKeys = map[string]bool{
	"path": true, "file": true, "file_path": true, "filepath": true,
	"source": true, "target": true,
}

var fileListKeys = map[string]bool{
	"files": true, "files_touched": true, "touched_files": true,
	"modified_files": true, "paths": true,
}

// pathPattern loosely matches path-like tokens: one or more "word[\/]"
// segments ending in a final component, optionally with an extension.
var pathPattern = regexp.MustCompile(`(?:\.{1,2}/)?(?:[\w.-]+[\\/])+[\w.-]+(?:\.[\w.-]+)?`)

func normalizePath(value string) (string, bool) {
	candidate := strings.Trim(strings.TrimSpace(value), "`'\"()[]{}<>.,:;")
	if candidate == "" {
		return "", false
	}
	if strings.Contains(candidate, "://") {
		return "", false
	}
	normalized := strings.ReplaceAll(candidate, "\\", "/")
	normalized = strings.TrimPrefix(normalized, "./")
	if !strings.Contains(normalized, "/") {
		return "", false
	}
	return normalized, true
}

func appendPath(found *[]string, seen map[string]bool, candidate string) {
	normalized, ok := normalizePath(candidate)
	if !ok || seen[normalized] {
		return
	}
	seen[normalized] = true
	*found = append(*found, normalized)
}

func extractPathsFromText(text string) []string {
	return pathPattern.FindAllString(text, -1)
}

func extractFromJSONValue(value any, found *[]string, seen map[string]bool) {
	switch v := value.(type) {
	case map[string]any:
		for key, nested := range v {
			keyLower := strings.ToLower(key)
			if pathKeys[keyLower] {
				if s, ok := nested.(string); ok {
					appendPath(found, seen, s)
					continue
				}
			}
			if fileListKeys[keyLower] {
				if list, ok := nested.([]any); ok {
					for _, item := range list {
						if s, ok := item.(string); ok {
							appendPath(found, seen, s)
						} else {
							extractFromJSONValue(item, found, seen)
						}
					}
					continue
				}
			}
			if s, ok := nested.(string); ok {
				for _, candidate := range extractPathsFromText(s) {
					appendPath(found, seen, candidate)
				}
			} else {
				extractFromJSONValue(nested, found, seen)
			}
		}
	case []any:
		for _, nested := range v {
			extractFromJSONValue(nested, found, seen)
		}
	case string:
		for _, candidate := range extractPathsFromText(v) {
			appendPath(found, seen, candidate)
		}
	}
}

// ExtractFilesTouched recovers the set of file paths a run appears to have
// touched: the union of the explicit files_touched.json and
// files_touched.txt artifacts (when the harness wrote them) and the paths
// found by scanning its streamed output and report text.
func ExtractFilesTouched(artifacts state.ArtifactStore, runID types.RunID) []string {
	var found []string
	seen := make(map[string]bool)

	if explicitJSON := strings.TrimSpace(readArtifactText(artifacts, runID, "files_touched.json")); explicitJSON != "" {
		var payload any
		if err := json.Unmarshal([]byte(explicitJSON), &payload); err == nil {
			extractFromJSONValue(payload, &found, seen)
		}
	}

	explicitText := readArtifactText(artifacts, runID, "files_touched.txt")
	for _, line := range strings.Split(explicitText, "\n") {
		if strings.TrimSpace(line) != "" {
			appendPath(&found, seen, line)
		}
	}

	outputLines := readArtifactText(artifacts, runID, "output.jsonl")
	for _, line := range strings.Split(outputLines, "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			continue
		}
		var payload any
		if err := json.Unmarshal([]byte(stripped), &payload); err == nil {
			extractFromJSONValue(payload, &found, seen)
			continue
		}
		for _, candidate := range extractPathsFromText(stripped) {
			appendPath(&found, seen, candidate)
		}
	}

	report := readArtifactText(artifacts, runID, "report.md")
	for _, candidate := range extractPathsFromText(report) {
		appendPath(&found, seen, candidate)
	}

	return found
}
