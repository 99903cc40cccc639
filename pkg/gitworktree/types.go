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

// Package gitworktree gives each domain worker its own git worktree so N
// domains can write and commit concurrently against the same repository
// without contending for one working copy, then merges each domain branch
// into a per-run integration branch.
package gitworktree

import "time"

// Info describes one domain's worktree.
type Info struct {
	Domain     string
	RunID      string
	Path       string
	Branch     string
	BaseBranch string
	CreatedAt  time.Time
	IsValid    bool
}

// MergeResult is the outcome of merging one or more domain branches into a
// run's integration branch.
type MergeResult struct {
	Success       bool
	HasConflicts  bool
	ConflictFiles []string
	MergedSHA     string
	Message       string
}

func branchName(runID, domain string) string {
	return "wave/" + runID + "/" + domain
}

func integrationBranchName(runID string) string {
	return "wave/" + runID + "/integration"
}
