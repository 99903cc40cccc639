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

package executor

import "github.com/kadirpekel/wave/pkg/gitworktree"

// CheckConflicts runs the cross-domain conflict detector (C11) against
// results (typically a Result.AllResults from a completed Run) as the
// executor's post-merge step.
func CheckConflicts(results []DomainResult) gitworktree.ConflictReport {
	byDomain := make(map[string]gitworktree.DomainResult, len(results))
	for _, r := range results {
		byDomain[r.Domain] = gitworktree.DomainResult{FilesModified: r.FilesModified}
	}
	return gitworktree.CheckCrossDomainConflicts(byDomain)
}
