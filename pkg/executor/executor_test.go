package executor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTopologicalLayersOrdersByDependency(t *testing.T) {
	g := Graph{
		Domains: []string{"qa", "fe", "be"},
		Deps:    map[string][]string{"qa": {"fe", "be"}},
	}
	layers, err := TopologicalLayers(g)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"be", "fe"}, {"qa"}}, layers)
}

func TestTopologicalLayersNoDependencies(t *testing.T) {
	g := Graph{Domains: []string{"fe", "be"}}
	layers, err := TopologicalLayers(g)
	require.NoError(t, err)
	require.Equal(t, [][]string{{"be", "fe"}}, layers)
}

func TestTopologicalLayersDetectsCycle(t *testing.T) {
	g := Graph{
		Domains: []string{"a", "b"},
		Deps:    map[string][]string{"a": {"b"}, "b": {"a"}},
	}
	_, err := TopologicalLayers(g)
	require.Error(t, err)
	var cycleErr *ErrCycle
	require.ErrorAs(t, err, &cycleErr)
}

func TestExecutorRunDispatchesLayersConcurrently(t *testing.T) {
	g := Graph{
		Domains: []string{"qa", "fe", "be"},
		Deps:    map[string][]string{"qa": {"fe", "be"}},
	}

	var mu sync.Mutex
	var order []string
	run := func(ctx context.Context, domain string) DomainResult {
		mu.Lock()
		order = append(order, domain)
		mu.Unlock()
		return DomainResult{Domain: domain, Success: true, FilesModified: []string{domain + ".go"}, TestsPassed: true, BudgetUsed: 1.0}
	}

	ex := New(run)
	result, err := ex.Run(context.Background(), g)
	require.NoError(t, err)
	require.False(t, result.Halted)
	require.Equal(t, []string{"be.go", "fe.go", "qa.go"}, result.Aggregate.FilesModified)
	require.True(t, result.Aggregate.TestsPassed)
	require.InDelta(t, 3.0, result.Aggregate.BudgetUsed, 1e-9)
	require.Equal(t, "qa", order[len(order)-1])
}

func TestExecutorRunFlagsPartialFailureForNonCriticalDomain(t *testing.T) {
	g := Graph{Domains: []string{"fe", "be"}}
	run := func(ctx context.Context, domain string) DomainResult {
		return DomainResult{Domain: domain, Success: domain != "fe", TestsPassed: true}
	}

	ex := New(run)
	result, err := ex.Run(context.Background(), g)
	require.NoError(t, err)
	require.False(t, result.Halted)
	require.True(t, result.Aggregate.PartialFailure)
	require.Contains(t, result.Aggregate.FailedDomains, "fe")
}

func TestExecutorRunHaltsOnCriticalDomainFailure(t *testing.T) {
	g := Graph{
		Domains: []string{"fe", "auth", "qa"},
		Deps:    map[string][]string{"qa": {"fe", "auth"}},
	}
	run := func(ctx context.Context, domain string) DomainResult {
		return DomainResult{Domain: domain, Success: domain != "auth", TestsPassed: true}
	}

	ex := New(run)
	result, err := ex.Run(context.Background(), g)
	require.NoError(t, err)
	require.True(t, result.Halted)
	require.Equal(t, "auth", result.HaltedAt)
	require.Len(t, result.Layers, 2)
}

func TestCheckConflictsFindsSharedFile(t *testing.T) {
	results := []DomainResult{
		{Domain: "fe", FilesModified: []string{"shared.go"}},
		{Domain: "be", FilesModified: []string{"shared.go"}},
	}
	report := CheckConflicts(results)
	require.True(t, report.HasConflicts)
}
