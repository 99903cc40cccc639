package logger

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func TestHCLogImplementsInterface(t *testing.T) {
	var _ hclog.Logger = HCLog("test")
}

func TestHCLogNamedScopesSubsystem(t *testing.T) {
	l := HCLog("worker-plugin")
	named := l.Named("handshake")
	require.Equal(t, "worker-plugin.handshake", named.Name())
	require.Equal(t, "worker-plugin", l.Name())
}

func TestHCLogResetNamed(t *testing.T) {
	l := HCLog("worker-plugin")
	reset := l.ResetNamed("fresh")
	require.Equal(t, "fresh", reset.Name())
}

func TestHCLogLogDoesNotPanicAcrossLevels(t *testing.T) {
	l := HCLog("test")
	l.Log(hclog.Trace, "trace msg")
	l.Log(hclog.Debug, "debug msg")
	l.Log(hclog.Info, "info msg", "k", "v")
	l.Log(hclog.Warn, "warn msg")
	l.Log(hclog.Error, "error msg")
}
