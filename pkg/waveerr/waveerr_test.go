package waveerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapAndKindOf(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindConflict, "merge fe into integration", cause)

	require.True(t, errors.Is(err, Conflict))
	require.True(t, errors.Is(err, cause))

	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindConflict, kind)
}

func TestKindOfUnknown(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	require.False(t, ok)
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(Wrap(KindConnection, "stream unreachable", nil)))
	require.True(t, Retryable(Wrap(KindTimeout, "dequeue timed out", nil)))
	require.False(t, Retryable(Wrap(KindValidation, "bad input", nil)))
	require.False(t, Retryable(errors.New("plain")))
}

func TestSwallowed(t *testing.T) {
	require.True(t, Swallowed(Wrap(KindExternal, "notifier down", nil)))
	require.False(t, Swallowed(Wrap(KindPersistence, "write failed", nil)))
}
