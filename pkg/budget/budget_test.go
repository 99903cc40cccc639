package budget

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckBudgetNormalBelowWarningThreshold(t *testing.T) {
	tr := NewTracker()
	result := tr.CheckBudget(1000, 100_000, 0.1, 10.0, "story-1")
	require.True(t, result.Allowed)
	require.Nil(t, result.Alert)
	require.Equal(t, 99_000, result.RemainingTokens)
}

func TestCheckBudgetWarningAt75Percent(t *testing.T) {
	tr := NewTracker()
	result := tr.CheckBudget(75_000, 100_000, 0, 10.0, "story-1")
	require.True(t, result.Allowed)
	require.NotNil(t, result.Alert)
	require.Equal(t, AlertWarning, result.Alert.Level)
}

func TestCheckBudgetCriticalAt90Percent(t *testing.T) {
	tr := NewTracker()
	result := tr.CheckBudget(90_000, 100_000, 0, 10.0, "story-1")
	require.True(t, result.Allowed)
	require.Equal(t, AlertCritical, result.Alert.Level)
}

func TestCheckBudgetExceededBlocksUnderHardLimit(t *testing.T) {
	tr := NewTracker()
	result := tr.CheckBudget(100_000, 100_000, 0, 10.0, "story-1")
	require.False(t, result.Allowed)
	require.Equal(t, AlertExceeded, result.Alert.Level)
	require.Equal(t, 0, result.RemainingTokens)
}

func TestCheckBudgetExceededAllowedUnderSoftLimit(t *testing.T) {
	tr := NewTracker(WithSoftLimit())
	result := tr.CheckBudget(150_000, 100_000, 0, 10.0, "story-1")
	require.True(t, result.Allowed)
	require.Equal(t, AlertExceeded, result.Alert.Level)
}

func TestCheckBudgetUsesHigherOfTokenOrCostPercentage(t *testing.T) {
	tr := NewTracker()
	result := tr.CheckBudget(1000, 100_000, 9.5, 10.0, "story-1")
	require.InDelta(t, 0.95, result.Percentage, 1e-9)
	require.Equal(t, AlertCritical, result.Alert.Level)
}

func TestEstimateCostUsesModelRateWithFallback(t *testing.T) {
	require.InDelta(t, 0.015, EstimateCost(1000, "claude-3-opus"), 1e-9)
	require.InDelta(t, 0.005, EstimateCost(1000, "unknown-model"), 1e-9)
}

func TestTrackUsageAccumulatesTokens(t *testing.T) {
	tr := NewTracker()
	newTotal, cost, result := tr.TrackUsage(1000, 500, 100_000, "claude-3-sonnet", "story-1")
	require.Equal(t, 1500, newTotal)
	require.Greater(t, cost, 0.0)
	require.True(t, result.Allowed)
}

func TestAlertsFiltersByLevel(t *testing.T) {
	tr := NewTracker()
	tr.CheckBudget(75_000, 100_000, 0, 10.0, "s1")
	tr.CheckBudget(95_000, 100_000, 0, 10.0, "s2")

	warnings := tr.Alerts(AlertWarning)
	require.Len(t, warnings, 1)
	require.Equal(t, "s1", warnings[0].StoryID)

	all := tr.Alerts("")
	require.Len(t, all, 2)

	tr.ClearAlerts()
	require.Empty(t, tr.Alerts(""))
}
