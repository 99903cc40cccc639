package issuedetect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanDetectsKnownPatterns(t *testing.T) {
	d := New(nil, "")
	issues := d.Scan("ERROR: timeout reached while waiting for build", "worker-be")
	require.NotEmpty(t, issues)

	var found bool
	for _, i := range issues {
		if i.Message == "timeout reached" {
			found = true
			require.Equal(t, SeverityCritical, i.Severity)
			require.Equal(t, "worker-be", i.Source)
		}
	}
	require.True(t, found)
}

func TestScanRendersCaptureGroups(t *testing.T) {
	d := New(nil, "")
	issues := d.Scan("container exited with code 137", "worker-fe")
	require.Len(t, issues, 1)
	require.Equal(t, "container exited with error code 137", issues[0].Message)
}

func TestScanDeduplicatesAcrossCalls(t *testing.T) {
	d := New(nil, "")
	first := d.Scan("retry limit reached for task-1", "worker-qa")
	require.Len(t, first, 1)

	second := d.Scan("retry limit reached for task-1", "worker-qa")
	require.Empty(t, second)
}

func TestScanDeduplicatesWithinOneCall(t *testing.T) {
	d := New(nil, "")
	issues := d.Scan("rate limit hit\nrate limited again\nrate limit hit", "worker-be")
	require.Len(t, issues, 1)
}

func TestResetClearsDeduplication(t *testing.T) {
	d := New(nil, "")
	d.Scan("merge conflict in feature branch", "worker-be")
	d.Reset()
	issues := d.Scan("merge conflict in feature branch", "worker-be")
	require.Len(t, issues, 1)
}

func TestAddPatternExtendsDefaults(t *testing.T) {
	d := New(nil, "")
	base := d.PatternCount()
	require.NoError(t, d.AddPattern(`custom failure\s+(\w+)`, "custom failure: %s", SeverityWarning))
	require.Equal(t, base+1, d.PatternCount())

	issues := d.Scan("custom failure widget", "worker-be")
	require.Len(t, issues, 1)
	require.Equal(t, "custom failure: widget", issues[0].Message)
}

func TestAddPatternRejectsInvalidRegex(t *testing.T) {
	d := New(nil, "")
	err := d.AddPattern("(unclosed", "bad", SeverityInfo)
	require.Error(t, err)
}

func TestScanAndPublishWithoutPublisherStillDetects(t *testing.T) {
	d := New(nil, "")
	issues := d.ScanAndPublish(context.Background(), "safety score < 0.85", "worker-be", "story-1")
	require.Len(t, issues, 1)
	require.Equal(t, SeverityCritical, issues[0].Severity)
}

func TestScanIgnoresUnmatchedText(t *testing.T) {
	d := New(nil, "")
	issues := d.Scan("everything is fine, build succeeded", "worker-fe")
	require.Empty(t, issues)
}
