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

package safety

// WorkerScorer adapts a Checker to the worker package's SafetyScorer
// interface (Score(content) (score, violations)), so a Worker can run the
// full P001-P006 pattern table instead of the AlwaysSafe stub.
type WorkerScorer struct {
	checker *Checker
}

// NewWorkerScorer wraps checker for use as a worker.SafetyScorer.
func NewWorkerScorer(checker *Checker) *WorkerScorer {
	return &WorkerScorer{checker: checker}
}

// Score runs the constitutional check against content and flattens the
// result into the (score, violation labels) shape the worker package logs.
func (s *WorkerScorer) Score(content string) (float64, []string) {
	if content == "" {
		return 1.0, nil
	}
	result, err := s.checker.Check(content, "")
	if err != nil {
		return 0, []string{"safety check error: " + err.Error()}
	}
	labels := make([]string, len(result.Violations))
	for i, v := range result.Violations {
		labels[i] = v.PrincipleID + ": " + v.PrincipleName
	}
	return result.Score, labels
}
