package safety

import (
	"testing"

	"github.com/meridian-run/meridian/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveBudgetTracker_NoBreachUnderLimit(t *testing.T) {
	tracker := NewLiveBudgetTracker(types.Budget{PerRunUSD: 10}, 0)
	assert.Nil(t, tracker.ObserveCost(5))
}

func TestLiveBudgetTracker_BreachesPerRunLimit(t *testing.T) {
	tracker := NewLiveBudgetTracker(types.Budget{PerRunUSD: 10}, 0)
	breach := tracker.ObserveCost(11)
	require.NotNil(t, breach)
	assert.Equal(t, types.ScopeRun, breach.Scope)
	assert.Equal(t, 11.0, breach.ObservedUSD)
	assert.Equal(t, 10.0, breach.LimitUSD)
}

func TestLiveBudgetTracker_BreachesPerWorkspaceLimit(t *testing.T) {
	tracker := NewLiveBudgetTracker(types.Budget{PerWorkspaceUSD: 10}, 8)
	breach := tracker.ObserveCost(3)
	require.NotNil(t, breach)
	assert.Equal(t, types.ScopeWorkspace, breach.Scope)
	assert.Equal(t, 11.0, breach.ObservedUSD)
}

func TestLiveBudgetTracker_CostIsMonotonic(t *testing.T) {
	tracker := NewLiveBudgetTracker(types.Budget{PerRunUSD: 10}, 0)
	tracker.ObserveCost(9)
	breach := tracker.ObserveCost(1) // a lower later reading must not un-trip
	assert.Nil(t, breach)
	assert.Equal(t, 9.0, tracker.runCostUSD)
}

func TestLiveBudgetTracker_NegativeCostIgnored(t *testing.T) {
	tracker := NewLiveBudgetTracker(types.Budget{PerRunUSD: 10}, 0)
	assert.Nil(t, tracker.ObserveCost(-1))
	assert.Equal(t, 0.0, tracker.runCostUSD)
}

func TestLiveBudgetTracker_ObserveJSONLine_ExtractsFirstRecognizedKey(t *testing.T) {
	tracker := NewLiveBudgetTracker(types.Budget{PerRunUSD: 1}, 0)
	breach := tracker.ObserveJSONLine([]byte(`{"usage":{"total_cost_usd":2.5}}`))
	require.NotNil(t, breach)
	assert.Equal(t, 2.5, breach.ObservedUSD)
}

func TestLiveBudgetTracker_ObserveJSONLine_NoRecognizedKeyIsNil(t *testing.T) {
	tracker := NewLiveBudgetTracker(types.Budget{PerRunUSD: 1}, 0)
	assert.Nil(t, tracker.ObserveJSONLine([]byte(`{"unrelated":1}`)))
}

func TestLiveBudgetTracker_ObserveJSONLine_MalformedJSONIsNil(t *testing.T) {
	tracker := NewLiveBudgetTracker(types.Budget{PerRunUSD: 1}, 0)
	assert.Nil(t, tracker.ObserveJSONLine([]byte(`not json`)))
}

func TestIterDicts_WalksNestedArraysAndObjects(t *testing.T) {
	var payload any = map[string]any{
		"a": map[string]any{"b": 1},
		"c": []any{map[string]any{"d": 2}},
	}
	dicts := iterDicts(payload)
	assert.Len(t, dicts, 3)
}
