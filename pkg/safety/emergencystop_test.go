package safety

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStop(t *testing.T) *EmergencyStop {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(EmergencyStopFileEnv, filepath.Join(dir, "EMERGENCY-STOP"))
	t.Setenv(ZKHostsEnv, "")
	return New(nil)
}

func TestEmergencyStopStartsInactive(t *testing.T) {
	es := newTestStop(t)
	require.False(t, es.Check())
	require.Empty(t, es.Reason())
}

func TestEmergencyStopTriggerActivatesAndWritesFile(t *testing.T) {
	es := newTestStop(t)
	ctx := context.Background()

	require.NoError(t, es.Trigger(ctx, "safety violation", "safety"))
	require.True(t, es.Check())
	require.Equal(t, "safety violation", es.Reason())

	content, err := os.ReadFile(es.stopFile)
	require.NoError(t, err)
	require.Contains(t, string(content), "safety violation")
}

func TestEmergencyStopClearRemovesFileAndResets(t *testing.T) {
	es := newTestStop(t)
	ctx := context.Background()

	require.NoError(t, es.Trigger(ctx, "manual", "api"))
	require.True(t, es.Check())

	require.NoError(t, es.Clear(ctx))
	require.False(t, es.Check())
	require.Empty(t, es.Reason())

	_, err := os.Stat(es.stopFile)
	require.True(t, os.IsNotExist(err))

	history := es.History()
	require.Len(t, history, 1)
	require.Equal(t, "manual", history[0].Reason)
	require.False(t, history[0].ClearedAt.IsZero())
}

func TestEmergencyStopDetectsExternallyCreatedFile(t *testing.T) {
	es := newTestStop(t)

	require.NoError(t, os.MkdirAll(filepath.Dir(es.stopFile), 0o750))
	require.NoError(t, os.WriteFile(es.stopFile, []byte("external trigger"), 0o640))

	require.True(t, es.Check())
	require.Equal(t, "external trigger", es.Reason())
}

func TestEmergencyStopRegisterCallbackFiresOnTrigger(t *testing.T) {
	es := newTestStop(t)
	var wg sync.WaitGroup
	wg.Add(1)
	var gotReason string
	es.RegisterCallback(func(reason string) {
		gotReason = reason
		wg.Done()
	})

	require.NoError(t, es.Trigger(context.Background(), "budget exceeded", "budget"))
	wg.Wait()
	require.Equal(t, "budget exceeded", gotReason)
}

func TestEmergencyStopStatusReportsFileExistence(t *testing.T) {
	es := newTestStop(t)
	require.False(t, es.Status().FileExists)

	require.NoError(t, es.Trigger(context.Background(), "r", "api"))
	require.True(t, es.Status().FileExists)
	require.True(t, es.Status().Active)
}
