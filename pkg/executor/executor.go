// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package executor runs a story's domain graph as topologically ordered
// layers, dispatching every layer member concurrently and aggregating
// their results before advancing.
package executor

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// CriticalDomains is the closed set of domains whose failure halts the run
// rather than merely flagging a partial failure.
var CriticalDomains = map[string]bool{
	"auth":     true,
	"payments": true,
	"data":     true,
}

// Graph is a domain dependency graph: deps[d] lists the domains d depends
// on. Every key in deps, and every domain named in any value, must also
// appear in Domains.
type Graph struct {
	Domains []string
	Deps    map[string][]string
}

// DomainResult is one domain's outcome for a single layer's dispatch.
type DomainResult struct {
	Domain        string
	Success       bool
	FilesModified []string
	TestsPassed   bool
	BudgetUsed    float64
	Error         string
}

// DomainRunner executes one domain's work for the story and returns its
// result. Implementations are supplied by the orchestrator, typically
// backed by the task queue (C9/C10).
type DomainRunner func(ctx context.Context, domain string) DomainResult

// AggregateState is the running union/merge of every layer's results so
// far, per spec: deduplicated stable-order file list, AND of tests_passed,
// sum of budget, union of failed domains.
type AggregateState struct {
	FilesModified  []string
	TestsPassed    bool
	BudgetUsed     float64
	FailedDomains  []string
	PartialFailure bool

	seenFiles map[string]bool
	seenFail  map[string]bool
}

func newAggregateState() *AggregateState {
	return &AggregateState{TestsPassed: true, seenFiles: map[string]bool{}, seenFail: map[string]bool{}}
}

func (a *AggregateState) merge(r DomainResult) {
	for _, f := range r.FilesModified {
		if !a.seenFiles[f] {
			a.seenFiles[f] = true
			a.FilesModified = append(a.FilesModified, f)
		}
	}
	a.TestsPassed = a.TestsPassed && r.TestsPassed
	a.BudgetUsed += r.BudgetUsed
	if !r.Success {
		if !a.seenFail[r.Domain] {
			a.seenFail[r.Domain] = true
			a.FailedDomains = append(a.FailedDomains, r.Domain)
		}
	}
}

// ErrCycle is returned by TopologicalLayers when the dependency graph
// contains a cycle.
type ErrCycle struct{ Remaining []string }

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("domain graph has a cycle involving: %v", e.Remaining)
}

// TopologicalLayers runs Kahn's algorithm over g, returning domains grouped
// into execution layers: layer 0 has no dependencies, layer L+1 depends
// only on domains in layers 0..L. Each layer's members are sorted
// alphabetically for deterministic dispatch order.
func TopologicalLayers(g Graph) ([][]string, error) {
	inDegree := make(map[string]int, len(g.Domains))
	dependents := make(map[string][]string, len(g.Domains))
	for _, d := range g.Domains {
		inDegree[d] = 0
	}
	for d, deps := range g.Deps {
		inDegree[d] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], d)
		}
	}

	var layers [][]string
	remaining := len(g.Domains)
	current := make([]string, 0)
	for _, d := range g.Domains {
		if inDegree[d] == 0 {
			current = append(current, d)
		}
	}

	for len(current) > 0 {
		sort.Strings(current)
		layers = append(layers, current)
		remaining -= len(current)

		var next []string
		for _, d := range current {
			for _, dependent := range dependents[d] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if remaining > 0 {
		var stuck []string
		for d, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, d)
			}
		}
		sort.Strings(stuck)
		return nil, &ErrCycle{Remaining: stuck}
	}

	return layers, nil
}

// Executor runs a Graph's layers against a DomainRunner.
type Executor struct {
	run DomainRunner
}

// New returns an Executor dispatching every domain through run.
func New(run DomainRunner) *Executor {
	return &Executor{run: run}
}

// Result is the outcome of running every layer of a graph.
type Result struct {
	Aggregate  *AggregateState
	Layers     [][]string
	AllResults []DomainResult
	Halted     bool
	HaltedAt   string
}

// Run executes g's layers in order. Each layer's members are dispatched
// concurrently via errgroup and awaited before the next layer starts. A
// failed critical-domain result (one of CriticalDomains) halts further
// layers immediately; a failed non-critical domain is recorded in
// PartialFailure/FailedDomains but the run continues.
func (e *Executor) Run(ctx context.Context, g Graph) (*Result, error) {
	layers, err := TopologicalLayers(g)
	if err != nil {
		return nil, err
	}

	agg := newAggregateState()
	result := &Result{Aggregate: agg, Layers: layers}

	for _, layer := range layers {
		results := make([]DomainResult, len(layer))
		group, groupCtx := errgroup.WithContext(ctx)
		for i, domain := range layer {
			i, domain := i, domain
			group.Go(func() error {
				results[i] = e.run(groupCtx, domain)
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return nil, err
		}

		haltAt := ""
		for _, r := range results {
			result.AllResults = append(result.AllResults, r)
			agg.merge(r)
			if !r.Success {
				if CriticalDomains[r.Domain] {
					haltAt = r.Domain
				} else {
					agg.PartialFailure = true
				}
			}
		}
		if haltAt != "" {
			result.Halted = true
			result.HaltedAt = haltAt
			return result, nil
		}
	}

	return result, nil
}
