package safety

import (
	"encoding/json"
	"time"

	"golang.org/x/time/rate"

	"github.com/meridian-run/meridian/internal/types"
)

// CostKeys are the JSON field names scanned, in priority order, for a
// harness's self-reported run cost. Pinned exactly from the original
// reference implementation's COST_KEYS tuple.
var CostKeys = []string{"total_cost_usd", "cost_usd", "cost", "total_cost", "totalCostUsd"}

// LiveBudgetTracker observes a run's cost as harness stdout streams in and
// reports a breach the first time either the per-run or per-workspace limit
// is crossed. Cost is tracked monotonically: a later, lower self-reported
// figure never un-trips an already-observed high-water mark.
type LiveBudgetTracker struct {
	Budget            types.Budget
	WorkspaceSpentUSD float64

	runCostUSD float64
	limiter    *rate.Limiter
}

// NewLiveBudgetTracker returns a tracker for one run. The limiter bounds how
// often observeJSONLine re-runs its recursive JSON sweep, since a chatty
// harness can emit thousands of stdout lines per second and most carry no
// cost field at all.
func NewLiveBudgetTracker(budget types.Budget, workspaceSpentUSD float64) *LiveBudgetTracker {
	return &LiveBudgetTracker{
		Budget:            budget,
		WorkspaceSpentUSD: workspaceSpentUSD,
		limiter:           rate.NewLimiter(rate.Every(10*time.Millisecond), 50),
	}
}

// ObserveCost updates the tracker's high-water-mark run cost and returns
// breach details, if any, after the update.
func (t *LiveBudgetTracker) ObserveCost(costUSD float64) *types.BudgetBreach {
	if costUSD < 0 {
		return nil
	}
	if costUSD > t.runCostUSD {
		t.runCostUSD = costUSD
	}
	return t.Check()
}

// ObserveJSONLine parses one JSONL stdout line and updates the tracker if a
// recognized cost field is present. Lines that arrive faster than the
// tracker's rate limiter allows (a burst of 50, then one line per 10ms)
// are dropped without being parsed, so a cost field on a dropped line is
// not observed.
func (t *LiveBudgetTracker) ObserveJSONLine(rawLine []byte) *types.BudgetBreach {
	if t.limiter != nil && !t.limiter.Allow() {
		return nil
	}
	cost, ok := extractCostUSDFromJSONLine(rawLine)
	if !ok {
		return nil
	}
	return t.ObserveCost(cost)
}

// Check evaluates the per-run and per-workspace limits against the
// tracker's current state.
func (t *LiveBudgetTracker) Check() *types.BudgetBreach {
	if t.Budget.PerRunUSD > 0 && t.runCostUSD > t.Budget.PerRunUSD {
		return &types.BudgetBreach{Scope: types.ScopeRun, ObservedUSD: t.runCostUSD, LimitUSD: t.Budget.PerRunUSD}
	}
	if t.Budget.PerWorkspaceUSD > 0 {
		observed := t.WorkspaceSpentUSD + t.runCostUSD
		if observed > t.Budget.PerWorkspaceUSD {
			return &types.BudgetBreach{Scope: types.ScopeWorkspace, ObservedUSD: observed, LimitUSD: t.Budget.PerWorkspaceUSD}
		}
	}
	return nil
}

func extractCostUSDFromJSONLine(rawLine []byte) (float64, bool) {
	var payload any
	if err := json.Unmarshal(rawLine, &payload); err != nil {
		return 0, false
	}
	for _, obj := range iterDicts(payload) {
		for _, key := range CostKeys {
			if v, ok := coerceOptionalFloat(obj[key]); ok {
				return v, true
			}
		}
	}
	return 0, false
}

// iterDicts recursively walks a decoded JSON value, yielding every nested
// object (dict) encountered, depth-first with each object before the
// objects nested inside it.
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

func coerceOptionalFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
