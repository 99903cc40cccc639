package gate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/wave/pkg/checkpoint"
)

func newTestMachine(t *testing.T) (*Machine, *checkpoint.Manager) {
	t.Helper()
	cfg := &checkpoint.Config{Dialect: checkpoint.DialectSQLite, DSN: fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())}
	mgr, err := checkpoint.NewManager(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	executor := NewExecutor(nil)
	require.NoError(t, executor.RegisterValidator(NewSelfReviewValidator([]string{"reviewed"})))
	require.NoError(t, executor.RegisterValidator(NewBuildValidator()))
	require.NoError(t, executor.RegisterValidator(NewTestValidator(70)))

	return NewMachine(mgr, executor), mgr
}

func TestStartExecutionBeginsAtGate0(t *testing.T) {
	m, _ := newTestMachine(t)
	se, err := m.StartExecution(context.Background(), "sess-1", "story-1", "Add login", "backend", "be-agent")
	require.NoError(t, err)
	require.Equal(t, checkpoint.StoryPending, se.Status)
	require.Equal(t, string(Gate0), se.CurrentGate())
}

func TestExecuteGateAdvancesOnPass(t *testing.T) {
	m, _ := newTestMachine(t)
	se, err := m.StartExecution(context.Background(), "sess-2", "story-2", "Add login", "backend", "be-agent")
	require.NoError(t, err)
	require.NoError(t, m.TransitionState(context.Background(), se, checkpoint.StoryInProgress))

	se.SetCurrentGate(string(Gate1))
	result, err := m.ExecuteGate(context.Background(), se, Gate1, map[string]any{"checklist": []any{"reviewed"}})
	require.NoError(t, err)
	require.Equal(t, StatusPassed, result.Status)
	require.Equal(t, string(Gate2), se.CurrentGate())
}

func TestExecuteGateSafetyBlockOverridesValidator(t *testing.T) {
	m, _ := newTestMachine(t)
	se, err := m.StartExecution(context.Background(), "sess-3", "story-3", "Add login", "backend", "be-agent")
	require.NoError(t, err)

	result, err := m.ExecuteGate(context.Background(), se, Gate2, map[string]any{
		"build_success": true, "safety_block": true, "safety_block_reason": "secret leaked",
	})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.Contains(t, result.ErrorMessage, "secret leaked")
}

func TestExecuteGateRetriesBeforeFailing(t *testing.T) {
	m, _ := newTestMachine(t)
	se, err := m.StartExecution(context.Background(), "sess-6", "story-6", "Add login", "backend", "be-agent")
	require.NoError(t, err)
	require.NoError(t, m.TransitionState(context.Background(), se, checkpoint.StoryInProgress))
	se.SetCurrentGate(string(Gate2))

	for i := 1; i <= DefaultMaxRetries; i++ {
		result, err := m.ExecuteGate(context.Background(), se, Gate2, map[string]any{"build_success": false, "build_error": "compile error"})
		require.NoError(t, err)
		require.Equal(t, StatusFailed, result.Status)
		require.Equal(t, i, se.RetryCount)
		require.False(t, se.Status.IsTerminal())
		require.Equal(t, checkpoint.StoryInProgress, se.Status)
	}

	result, err := m.ExecuteGate(context.Background(), se, Gate2, map[string]any{"build_success": false, "build_error": "compile error"})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, checkpoint.StoryFailed, se.Status)
	require.NotNil(t, se.FailedAt)
}

func TestExecuteGateResetsRetryCountOnPass(t *testing.T) {
	m, _ := newTestMachine(t)
	se, err := m.StartExecution(context.Background(), "sess-7", "story-7", "Add login", "backend", "be-agent")
	require.NoError(t, err)
	require.NoError(t, m.TransitionState(context.Background(), se, checkpoint.StoryInProgress))
	se.SetCurrentGate(string(Gate2))

	_, err = m.ExecuteGate(context.Background(), se, Gate2, map[string]any{"build_success": false, "build_error": "compile error"})
	require.NoError(t, err)
	require.Equal(t, 1, se.RetryCount)

	result, err := m.ExecuteGate(context.Background(), se, Gate2, map[string]any{"build_success": true})
	require.NoError(t, err)
	require.Equal(t, StatusPassed, result.Status)
	require.Equal(t, 0, se.RetryCount)
}

func TestTerminalStateRejectsFurtherTransitions(t *testing.T) {
	m, _ := newTestMachine(t)
	se, err := m.StartExecution(context.Background(), "sess-4", "story-4", "Add login", "backend", "be-agent")
	require.NoError(t, err)
	require.NoError(t, m.FailExecution(context.Background(), se, fmt.Errorf("boom")))
	require.True(t, se.Status.IsTerminal())

	err = m.TransitionState(context.Background(), se, checkpoint.StoryInProgress)
	require.Error(t, err)
}

func TestCompleteExecutionRequiresFinalGate(t *testing.T) {
	m, _ := newTestMachine(t)
	se, err := m.StartExecution(context.Background(), "sess-5", "story-5", "Add login", "backend", "be-agent")
	require.NoError(t, err)

	err = m.CompleteExecution(context.Background(), se)
	require.Error(t, err)

	se.SetCurrentGate("")
	require.NoError(t, m.TransitionState(context.Background(), se, checkpoint.StoryInProgress))
	require.NoError(t, m.CompleteExecution(context.Background(), se))
	require.Equal(t, checkpoint.StoryComplete, se.Status)
}
