package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := &Config{Dialect: DialectSQLite, DSN: "file::memory:?cache=shared"}
	mgr, err := NewManager(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

// seedFailedStory creates a story that reached gate-5, then crashed, and
// returns the id of the last checkpoint recorded before the crash so tests
// can assert resume_from_last's recovered_from field against it.
func seedFailedStory(t *testing.T, mgr *Manager, sessionID, storyID string) (se *StoryExecution, preCrashLatestID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mgr.Storage().SaveSession(ctx, &Session{ID: sessionID, ProjectName: "wave", Status: SessionInProgress}))

	se = &StoryExecution{
		SessionID: sessionID, StoryID: storyID, Domain: "backend",
		Status: StoryInProgress, Metadata: map[string]any{},
	}
	se.SetCurrentGate("gate-5")
	require.NoError(t, mgr.SaveStoryExecution(ctx, se))
	require.NoError(t, mgr.SaveCheckpoint(ctx, &Checkpoint{
		SessionID: sessionID, CheckpointType: CheckpointStoryStart, StoryID: storyID, Gate: "gate-0",
	}))
	require.NoError(t, mgr.SaveCheckpoint(ctx, &Checkpoint{
		SessionID: sessionID, CheckpointType: CheckpointGate, StoryID: storyID, Gate: "gate-5",
		State: map[string]any{"status": "passed"},
	}))
	latest, err := mgr.Storage().LatestCheckpoint(ctx, sessionID)
	require.NoError(t, err)
	preCrashLatestID = latest.ID

	se.AcceptanceCriteriaPassed = 4
	se.Status = StoryFailed
	se.ErrorMessage = "crash"
	require.NoError(t, mgr.SaveStoryExecution(ctx, se))
	require.NoError(t, mgr.SaveCheckpoint(ctx, &Checkpoint{
		SessionID: sessionID, CheckpointType: CheckpointError, StoryID: storyID, Gate: "gate-5",
		State: map[string]any{"error": "crash"},
	}))
	return se, preCrashLatestID
}

func TestRecoverStoryResumeFromLast(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	_, preCrashID := seedFailedStory(t, mgr, "sess-recover-1", "story-1")

	recovered, err := mgr.RecoverStory(ctx, "sess-recover-1", "story-1", StrategyResumeFromLast, "")
	require.NoError(t, err)
	require.Equal(t, StrategyResumeFromLast, recovered.Strategy)

	got, err := mgr.Storage().GetStoryExecution(ctx, "sess-recover-1", "story-1")
	require.NoError(t, err)
	require.Equal(t, StoryInProgress, got.Status)
	require.Nil(t, got.FailedAt)
	require.Equal(t, "gate-5", got.CurrentGate())
	require.Equal(t, 4, got.AcceptanceCriteriaPassed)

	require.Equal(t, CheckpointManual, recovered.Checkpoint.CheckpointType)
	require.Equal(t, "resume_from_last", recovered.Checkpoint.State["recovery_strategy"])
	require.Equal(t, preCrashID, recovered.Checkpoint.State["recovered_from"])
}

func TestRecoverStoryResumeFromGate(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	seedFailedStory(t, mgr, "sess-recover-2", "story-2")
	require.NoError(t, mgr.SaveCheckpoint(ctx, &Checkpoint{
		SessionID: "sess-recover-2", CheckpointType: CheckpointGate, StoryID: "story-2", Gate: "gate-3",
		State: map[string]any{"status": "passed"},
	}))

	recovered, err := mgr.RecoverStory(ctx, "sess-recover-2", "story-2", StrategyResumeFromGate, "gate-3")
	require.NoError(t, err)

	got, err := mgr.Storage().GetStoryExecution(ctx, "sess-recover-2", "story-2")
	require.NoError(t, err)
	require.Equal(t, StoryInProgress, got.Status)
	require.Equal(t, "gate-3", got.CurrentGate())
	require.Equal(t, "gate-3", recovered.Checkpoint.State["target_gate"])
	require.Equal(t, "gate-3", recovered.Checkpoint.Gate)
}

func TestRecoverStoryResumeFromGateRequiresTarget(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	seedFailedStory(t, mgr, "sess-recover-3", "story-3")

	_, err := mgr.RecoverStory(ctx, "sess-recover-3", "story-3", StrategyResumeFromGate, "")
	require.Error(t, err)
}

func TestRecoverStoryRestart(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	seedFailedStory(t, mgr, "sess-recover-4", "story-4")

	recovered, err := mgr.RecoverStory(ctx, "sess-recover-4", "story-4", StrategyRestart, "")
	require.NoError(t, err)

	got, err := mgr.Storage().GetStoryExecution(ctx, "sess-recover-4", "story-4")
	require.NoError(t, err)
	require.Equal(t, StoryPending, got.Status)
	require.Equal(t, 0, got.RetryCount)
	require.Equal(t, 0, got.AcceptanceCriteriaPassed)
	require.Equal(t, "", got.ErrorMessage)
	require.Nil(t, got.FailedAt)
	require.Equal(t, "gate-0", got.CurrentGate())
	require.NotEmpty(t, got.Metadata["restarted_at"])
	require.Equal(t, "restart", recovered.Checkpoint.State["recovery_strategy"])
}

func TestRecoverStorySkip(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	seedFailedStory(t, mgr, "sess-recover-5", "story-5")

	recovered, err := mgr.RecoverStory(ctx, "sess-recover-5", "story-5", StrategySkip, "")
	require.NoError(t, err)

	got, err := mgr.Storage().GetStoryExecution(ctx, "sess-recover-5", "story-5")
	require.NoError(t, err)
	require.Equal(t, StoryCancelled, got.Status)
	require.True(t, got.Status.IsTerminal())
	require.NotEmpty(t, got.Metadata["skip_reason"])
	require.NotEmpty(t, got.Metadata["skipped_at"])
	require.Equal(t, "skip", recovered.Checkpoint.State["recovery_strategy"])
}

func TestRecoverStoryRejectsTerminalStatus(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	sessionID := "sess-recover-6"
	require.NoError(t, mgr.Storage().SaveSession(ctx, &Session{ID: sessionID, ProjectName: "wave", Status: SessionInProgress}))
	se := &StoryExecution{SessionID: sessionID, StoryID: "story-6", Status: StoryComplete, Metadata: map[string]any{}}
	require.NoError(t, mgr.SaveStoryExecution(ctx, se))

	_, err := mgr.RecoverStory(ctx, sessionID, "story-6", StrategyResumeFromLast, "")
	require.Error(t, err)
}

func TestRecoverSessionAppliesStrategyToEveryNonTerminalStory(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	sessionID := "sess-recover-7"
	require.NoError(t, mgr.Storage().SaveSession(ctx, &Session{ID: sessionID, ProjectName: "wave", Status: SessionInProgress}))

	seedFailedStory(t, mgr, sessionID, "story-a")
	seedFailedStory(t, mgr, sessionID, "story-b")

	complete := &StoryExecution{SessionID: sessionID, StoryID: "story-c", Status: StoryComplete, Metadata: map[string]any{}}
	require.NoError(t, mgr.SaveStoryExecution(ctx, complete))

	result, err := mgr.RecoverSession(ctx, sessionID, StrategyResumeFromLast)
	require.NoError(t, err)
	require.Len(t, result.Recovered, 2)
	require.Empty(t, result.Failed)

	a, err := mgr.Storage().GetStoryExecution(ctx, sessionID, "story-a")
	require.NoError(t, err)
	require.Equal(t, StoryInProgress, a.Status)
}

func TestRecoverSessionReportsPerStoryFailures(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	sessionID := "sess-recover-8"
	require.NoError(t, mgr.Storage().SaveSession(ctx, &Session{ID: sessionID, ProjectName: "wave", Status: SessionInProgress}))
	seedFailedStory(t, mgr, sessionID, "story-x")

	// resume_from_gate has no per-story target at session granularity, so it
	// must show up in the failed list rather than aborting the whole call.
	result, err := mgr.RecoverSession(ctx, sessionID, StrategyResumeFromGate)
	require.NoError(t, err)
	require.Empty(t, result.Recovered)
	require.Len(t, result.Failed, 1)
	require.Equal(t, "story-x", result.Failed[0].StoryID)
}
