package state

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/meridian-run/meridian/internal/types"
)

// RunRecord is the derived run state assembled by folding every runs.jsonl
// event matching one run ID.
type RunRecord struct {
	ID                types.RunID
	ChatID            types.ChatID
	Model             string
	Agent             string
	Harness           types.HarnessID
	HarnessSessionID  string
	Status            types.RunStatus
	Prompt            string
	StartedAt         string
	FinishedAt        string
	ExitCode          *int
	DurationSecs      *float64
	TotalCostUSD      *float64
	InputTokens       *int
	OutputTokens      *int
	FilesTouchedCount *int
	Error             string
}

// StartRunParams are the inputs for appending a run "start" event.
type StartRunParams struct {
	ChatID           types.ChatID
	Model            string
	Agent            string
	Harness          types.HarnessID
	Prompt           string
	RunID            types.RunID // optional; allocated if empty
	HarnessSessionID string
	StartedAt        time.Time
}

// StartRun appends a run-start event under runs.lock and returns the
// allocated (or caller-provided) run ID.
func StartRun(spaceDir string, params StartRunParams) (types.RunID, error) {
	sp := SpacePathsFromDir(spaceDir)
	started := params.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}

	var runID types.RunID
	err := WithLock(sp.RunsLock, func() error {
		rows, err := ReadEvents(sp.RunsJSONL)
		if err != nil {
			return err
		}
		if params.RunID != "" {
			runID = params.RunID
		} else {
			runID = types.RunID(NextID(rows, "id", "r"))
		}

		event := Row{
			"v":          1,
			"event":      "start",
			"id":         string(runID),
			"chat_id":    string(params.ChatID),
			"model":      params.Model,
			"agent":      params.Agent,
			"harness":    string(params.Harness),
			"status":     "running",
			"started_at": started.Truncate(time.Second).Format(time.RFC3339),
			"prompt":     params.Prompt,
		}
		if params.HarnessSessionID != "" {
			event["harness_session_id"] = params.HarnessSessionID
		}
		return appendEventLocked(sp.RunsJSONL, event)
	})
	return runID, err
}

// FinalizeRunParams are the inputs for appending a run "finalize" event.
type FinalizeRunParams struct {
	RunID             types.RunID
	Status            types.RunStatus
	ExitCode          int
	DurationSecs      *float64
	TotalCostUSD      *float64
	InputTokens       *int
	OutputTokens      *int
	FilesTouchedCount *int
	FinishedAt        time.Time
	Error             string
}

// FinalizeRun appends a run-finalize event under runs.lock.
func FinalizeRun(spaceDir string, params FinalizeRunParams) error {
	sp := SpacePathsFromDir(spaceDir)
	finished := params.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}

	event := Row{
		"v":           1,
		"event":       "finalize",
		"id":          string(params.RunID),
		"status":      string(params.Status),
		"exit_code":   params.ExitCode,
		"finished_at": finished.Truncate(time.Second).Format(time.RFC3339),
	}
	if params.DurationSecs != nil {
		event["duration_secs"] = *params.DurationSecs
	}
	if params.TotalCostUSD != nil {
		event["total_cost_usd"] = *params.TotalCostUSD
	}
	if params.InputTokens != nil {
		event["input_tokens"] = *params.InputTokens
	}
	if params.OutputTokens != nil {
		event["output_tokens"] = *params.OutputTokens
	}
	if params.FilesTouchedCount != nil {
		event["files_touched_count"] = *params.FilesTouchedCount
	}
	if params.Error != "" {
		event["error"] = params.Error
	}

	return WithLock(sp.RunsLock, func() error {
		return appendEventLocked(sp.RunsJSONL, event)
	})
}

func emptyRecord(id string) RunRecord {
	return RunRecord{ID: types.RunID(id), Status: types.RunStatus("unknown")}
}

func foldRunEvents(rows []Row) map[string]RunRecord {
	records := make(map[string]RunRecord)
	for _, event := range rows {
		id, _ := event["id"].(string)
		if id == "" {
			continue
		}
		current, ok := records[id]
		if !ok {
			current = emptyRecord(id)
		}

		switch event["event"] {
		case "start":
			current.ID = types.RunID(id)
			if v, ok := event["chat_id"].(string); ok {
				current.ChatID = types.ChatID(v)
			}
			if v, ok := event["model"].(string); ok {
				current.Model = v
			}
			if v, ok := event["agent"].(string); ok {
				current.Agent = v
			}
			if v, ok := event["harness"].(string); ok {
				current.Harness = types.HarnessID(v)
			}
			if v, ok := event["harness_session_id"].(string); ok {
				current.HarnessSessionID = v
			}
			if v, ok := event["status"].(string); ok {
				current.Status = types.RunStatus(v)
			} else {
				current.Status = types.RunRunning
			}
			if v, ok := event["prompt"].(string); ok {
				current.Prompt = v
			}
			if v, ok := event["started_at"].(string); ok {
				current.StartedAt = v
			}

		case "finalize":
			if v, ok := event["duration_secs"].(float64); ok {
				current.DurationSecs = &v
			}
			if v, ok := event["total_cost_usd"].(float64); ok {
				current.TotalCostUSD = &v
			}
			if v, ok := asInt(event["input_tokens"]); ok {
				current.InputTokens = &v
			}
			if v, ok := asInt(event["output_tokens"]); ok {
				current.OutputTokens = &v
			}
			if v, ok := asInt(event["files_touched_count"]); ok {
				current.FilesTouchedCount = &v
			}
			if v, ok := asInt(event["exit_code"]); ok {
				current.ExitCode = &v
			}
			if v, ok := event["status"].(string); ok {
				current.Status = types.RunStatus(v)
			}
			if v, ok := event["finished_at"].(string); ok {
				current.FinishedAt = v
			}
			if v, ok := event["error"].(string); ok {
				current.Error = v
			}
		}
		records[id] = current
	}
	return records
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func runSortKey(r RunRecord) (int, string) {
	id := string(r.ID)
	if strings.HasPrefix(id, "r") {
		if n, err := strconv.Atoi(strings.TrimPrefix(id, "r")); err == nil {
			return n, id
		}
	}
	return 1 << 30, id
}

// ListRuns returns every derived run record in one space, sorted by
// numeric run-ID suffix.
func ListRuns(spaceDir string) ([]RunRecord, error) {
	sp := SpacePathsFromDir(spaceDir)
	rows, err := ReadEvents(sp.RunsJSONL)
	if err != nil {
		return nil, err
	}
	records := foldRunEvents(rows)

	runs := make([]RunRecord, 0, len(records))
	for _, r := range records {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool {
		ni, si := runSortKey(runs[i])
		nj, sj := runSortKey(runs[j])
		if ni != nj {
			return ni < nj
		}
		return si < sj
	})
	return runs, nil
}

// GetRun returns one run by ID, or an error if it has never been started.
func GetRun(spaceDir string, runID types.RunID) (*RunRecord, error) {
	runs, err := ListRuns(spaceDir)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if r.ID == runID {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("run %s not found", runID)
}

// RunStats aggregates high-level run statistics from the JSONL-derived
// records of one space.
type RunStats struct {
	TotalRuns         int
	ByStatus          map[types.RunStatus]int
	ByModel           map[string]int
	TotalDurationSecs float64
	TotalCostUSD      float64
	TotalInputTokens  int
	TotalOutputTokens int
}

// ComputeRunStats aggregates RunStats for one space.
func ComputeRunStats(spaceDir string) (RunStats, error) {
	runs, err := ListRuns(spaceDir)
	if err != nil {
		return RunStats{}, err
	}
	stats := RunStats{ByStatus: map[types.RunStatus]int{}, ByModel: map[string]int{}}
	for _, r := range runs {
		stats.TotalRuns++
		stats.ByStatus[r.Status]++
		if r.Model != "" {
			stats.ByModel[r.Model]++
		}
		if r.DurationSecs != nil {
			stats.TotalDurationSecs += *r.DurationSecs
		}
		if r.TotalCostUSD != nil {
			stats.TotalCostUSD += *r.TotalCostUSD
		}
		if r.InputTokens != nil {
			stats.TotalInputTokens += *r.InputTokens
		}
		if r.OutputTokens != nil {
			stats.TotalOutputTokens += *r.OutputTokens
		}
	}
	return stats, nil
}
