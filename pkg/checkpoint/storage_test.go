package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/wave/pkg/waveerr"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	cfg := &Config{Dialect: DialectSQLite, DSN: "file::memory:?cache=shared"}
	cfg.SetDefaults()
	s, err := NewStorage(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewStorageCreatesMissingSQLiteDir(t *testing.T) {
	base := t.TempDir()
	dbPath := filepath.Join(base, "nested", "state", "wave.db")

	cfg := &Config{Dialect: DialectSQLite, DSN: dbPath}
	s, err := NewStorage(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	info, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestSaveAndGetSession(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	sess := &Session{ID: "sess-1", ProjectName: "wave", Status: SessionInProgress, BudgetUSD: 100, Metadata: map[string]any{"k": "v"}}
	require.NoError(t, s.SaveSession(ctx, sess))

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "wave", got.ProjectName)
	require.Equal(t, SessionInProgress, got.Status)
	require.Equal(t, "v", got.Metadata["k"])

	sess.Status = SessionCompleted
	require.NoError(t, s.SaveSession(ctx, sess))
	got2, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, SessionCompleted, got2.Status)
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.GetSession(context.Background(), "missing")
	require.Error(t, err)
	kind, ok := waveerr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, waveerr.KindNotFound, kind)
}

func TestCheckpointArenaAndCleanup(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, s.SaveSession(ctx, &Session{ID: "sess-2", ProjectName: "wave", Status: SessionInProgress}))

	var parent string
	for i := 0; i < 8; i++ {
		cp := &Checkpoint{
			ID:                 idFor(i),
			SessionID:          "sess-2",
			CheckpointType:     CheckpointGate,
			Gate:               "gate-0",
			State:              map[string]any{"i": i},
			ParentCheckpointID: parent,
			CreatedAt:          time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, s.SaveCheckpoint(ctx, cp))
		parent = cp.ID
	}

	all, err := s.ListCheckpointsBySession(ctx, "sess-2")
	require.NoError(t, err)
	require.Len(t, all, 8)

	latest, err := s.LatestCheckpoint(ctx, "sess-2")
	require.NoError(t, err)
	require.Equal(t, idFor(7), latest.ID)

	deleted, err := s.CleanupOld(ctx, "sess-2", 5)
	require.NoError(t, err)
	require.Equal(t, int64(3), deleted)

	remaining, err := s.ListCheckpointsBySession(ctx, "sess-2")
	require.NoError(t, err)
	require.Len(t, remaining, 5)
}

func TestStoryExecutionUpsert(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	require.NoError(t, s.SaveSession(ctx, &Session{ID: "sess-3", ProjectName: "wave", Status: SessionInProgress}))

	se := &StoryExecution{
		ID: "se-1", SessionID: "sess-3", StoryID: "story-1", Domain: "backend",
		Status: StoryInProgress, FilesCreated: []string{"a.go"},
	}
	require.NoError(t, s.SaveStoryExecution(ctx, se))

	se.Status = StoryComplete
	se.FilesModified = []string{"b.go"}
	require.NoError(t, s.SaveStoryExecution(ctx, se))

	got, err := s.GetStoryExecution(ctx, "sess-3", "story-1")
	require.NoError(t, err)
	require.Equal(t, StoryComplete, got.Status)
	require.Equal(t, []string{"a.go"}, got.FilesCreated)
	require.Equal(t, []string{"b.go"}, got.FilesModified)
	require.True(t, got.Status.IsTerminal())
}

func TestCurrentGateDerivedFromMetadata(t *testing.T) {
	se := &StoryExecution{}
	require.Equal(t, "", se.CurrentGate())
	se.SetCurrentGate("gate-3")
	require.Equal(t, "gate-3", se.CurrentGate())
	require.Equal(t, "gate-3", se.Metadata["current_gate"])
}

func idFor(i int) string { return "cp-" + string(rune('a'+i)) }
