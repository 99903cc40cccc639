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

package gate

import (
	"context"
	"fmt"
)

// Validator auto-executes one gate's check against the story's reported
// input, returning a pass/fail Result.
type Validator interface {
	Gate() ID
	Validate(ctx context.Context, input map[string]any) (*Result, error)
}

// SelfReviewValidator backs gate-1: the agent reports a checklist of items
// it verified, and the gate passes if every configured required item is
// present in that checklist.
type SelfReviewValidator struct {
	required []string
}

// NewSelfReviewValidator returns a gate-1 validator requiring every item in
// required to appear in the reported checklist.
func NewSelfReviewValidator(required []string) *SelfReviewValidator {
	return &SelfReviewValidator{required: required}
}

func (v *SelfReviewValidator) Gate() ID { return Gate1 }

func (v *SelfReviewValidator) Validate(_ context.Context, input map[string]any) (*Result, error) {
	raw, _ := input["checklist"].([]any)
	checklist := make(map[string]bool, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			checklist[s] = true
		}
	}

	var missing []string
	for _, req := range v.required {
		if !checklist[req] {
			missing = append(missing, req)
		}
	}

	if len(missing) > 0 {
		return &Result{
			Gate: Gate1, Status: StatusFailed,
			ErrorMessage: fmt.Sprintf("self-review checklist missing: %v", missing),
			Metadata:     map[string]any{"missing": missing},
		}, nil
	}
	return &Result{Gate: Gate1, Status: StatusPassed, Metadata: map[string]any{"checklist_complete": true}}, nil
}

// BuildValidator backs gate-2: the story reports whether its build
// succeeded.
type BuildValidator struct{}

func NewBuildValidator() *BuildValidator { return &BuildValidator{} }

func (v *BuildValidator) Gate() ID { return Gate2 }

func (v *BuildValidator) Validate(_ context.Context, input map[string]any) (*Result, error) {
	success, _ := input["build_success"].(bool)
	if !success {
		errMsg, _ := input["build_error"].(string)
		if errMsg == "" {
			errMsg = "build did not report success"
		}
		return &Result{Gate: Gate2, Status: StatusFailed, ErrorMessage: errMsg}, nil
	}
	return &Result{Gate: Gate2, Status: StatusPassed, Metadata: map[string]any{"build_success": true}}, nil
}

// TestValidator backs gate-3: tests must pass and coverage must meet the
// configured threshold.
type TestValidator struct {
	requiredCoverage float64
}

// NewTestValidator returns a gate-3 validator requiring requiredCoverage
// (0..100) percent line coverage.
func NewTestValidator(requiredCoverage float64) *TestValidator {
	return &TestValidator{requiredCoverage: requiredCoverage}
}

func (v *TestValidator) Gate() ID { return Gate3 }

func (v *TestValidator) Validate(_ context.Context, input map[string]any) (*Result, error) {
	passing, _ := input["tests_passing"].(bool)
	coverage, _ := input["coverage"].(float64)

	if !passing {
		return &Result{Gate: Gate3, Status: StatusFailed, ErrorMessage: "tests are not passing"}, nil
	}
	if coverage < v.requiredCoverage {
		return &Result{
			Gate: Gate3, Status: StatusFailed,
			ErrorMessage: fmt.Sprintf("coverage %.1f%% below required %.1f%%", coverage, v.requiredCoverage),
			Metadata:     map[string]any{"coverage": coverage, "required_coverage": v.requiredCoverage},
		}, nil
	}
	return &Result{Gate: Gate3, Status: StatusPassed, Metadata: map[string]any{"coverage": coverage}}, nil
}
