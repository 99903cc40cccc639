package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExecuteAutoExecutableGatePassed(t *testing.T) {
	e := NewExecutor(nil)
	require.NoError(t, e.RegisterValidator(NewBuildValidator()))

	result, err := e.Execute(context.Background(), Gate2, map[string]any{"build_success": true})
	require.NoError(t, err)
	require.Equal(t, StatusPassed, result.Status)
}

func TestExecuteAutoExecutableGateFailed(t *testing.T) {
	e := NewExecutor(nil)
	require.NoError(t, e.RegisterValidator(NewTestValidator(80)))

	result, err := e.Execute(context.Background(), Gate3, map[string]any{"tests_passing": true, "coverage": 50.0})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
}

func TestExecuteUnregisteredAutoExecutableGateErrors(t *testing.T) {
	e := NewExecutor(nil)
	_, err := e.Execute(context.Background(), Gate1, map[string]any{})
	require.Error(t, err)
}

func TestExecuteManualGatePending(t *testing.T) {
	e := NewExecutor(nil)
	result, err := e.Execute(context.Background(), Gate4, map[string]any{})
	require.NoError(t, err)
	require.Equal(t, StatusPending, result.Status)
	require.Contains(t, result.Metadata["message"], "qa")
}

func TestSelfReviewValidator(t *testing.T) {
	v := NewSelfReviewValidator([]string{"tests_added", "docs_updated"})
	result, err := v.Validate(context.Background(), map[string]any{"checklist": []any{"tests_added"}})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)

	result2, err := v.Validate(context.Background(), map[string]any{"checklist": []any{"tests_added", "docs_updated"}})
	require.NoError(t, err)
	require.Equal(t, StatusPassed, result2.Status)
}

func TestNextGateSequence(t *testing.T) {
	require.Equal(t, Gate1, Next(Gate0))
	require.Equal(t, ID(""), Next(Gate7))
	require.Equal(t, ID(""), Next("unknown"))
}
