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

// Package safety implements the constitutional safety checker (pattern
// matching over six WAVE principles plus an optional advisory-model hook)
// and the process-wide emergency stop latch.
package safety

import (
	"regexp"
	"strings"
)

// Category groups principles by the kind of concern they guard against.
type Category string

const (
	CategoryDestructive Category = "destructive"
	CategorySecurity    Category = "security"
	CategoryScope       Category = "scope"
	CategoryResource    Category = "resource"
	CategoryUncertainty Category = "uncertainty"
)

// EscalationLevel orders how urgently a safety finding needs attention.
type EscalationLevel string

const (
	EscalationNone     EscalationLevel = "none"
	EscalationWarning  EscalationLevel = "warning"
	EscalationCritical EscalationLevel = "critical"
	EscalationEStop    EscalationLevel = "e_stop"
)

// Principle is one constitutional rule: a severity and the regex signatures
// that detect it. Principles with no patterns (P005, P006) are checked
// programmatically rather than by pattern match.
type Principle struct {
	ID          string
	Name        string
	Description string
	Category    Category
	Severity    float64
	Patterns    []*regexp.Regexp
}

func compile(patterns ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		compiled[i] = regexp.MustCompile("(?i)" + p)
	}
	return compiled
}

// Principles is the WAVE constitutional principle table, P001-P006.
var Principles = []Principle{
	{
		ID: "P001", Name: "No Destructive Commands",
		Description: "Never execute destructive commands without explicit approval",
		Category:    CategoryDestructive, Severity: 1.0,
		Patterns: compile(
			`rm\s+-rf`,
			`git\s+push\s+--force`,
			`git\s+push\s+-f`,
			`DROP\s+TABLE`,
			`DROP\s+DATABASE`,
			`TRUNCATE`,
			`git\s+reset\s+--hard`,
			`:\s*>`,
		),
	},
	{
		ID: "P002", Name: "No Secret Exposure",
		Description: "Never expose secrets, credentials, or API keys",
		Category:    CategorySecurity, Severity: 1.0,
		Patterns: compile(
			`API_KEY`, `SECRET`, `PASSWORD`, `PRIVATE_KEY`, `AWS_ACCESS`,
			`\.env`, `credentials`, `token\s*=`,
		),
	},
	{
		ID: "P003", Name: "Stay In Scope",
		Description: "Never modify files outside the assigned worktree",
		Category:    CategoryScope, Severity: 0.9,
		Patterns: compile(
			`\.\./\.\./`, `/etc/`, `/usr/`, `/var/`, `~/\.ssh`, `~/\.aws`,
		),
	},
	{
		ID: "P004", Name: "Validate Inputs",
		Description: "Always validate inputs before processing",
		Category:    CategorySecurity, Severity: 0.7,
		Patterns: compile(
			`eval\s*\(`, `exec\s*\(`, `subprocess\.call.*shell\s*=\s*True`, `os\.system\s*\(`,
		),
	},
	{
		ID: "P005", Name: "Respect Budgets",
		Description: "Respect token and cost budgets",
		Category:    CategoryResource, Severity: 0.8,
	},
	{
		ID: "P006", Name: "Escalate Uncertainty",
		Description: "Escalate uncertainty rather than guessing",
		Category:    CategoryUncertainty, Severity: 0.6,
	},
}

// ConfidenceThreshold is the P006 confidence floor below which uncertainty
// must be escalated rather than guessed past.
const ConfidenceThreshold = 0.6

// AmbiguousKeywords flags requirement text that signals the requester
// themselves was unsure, triggering P006 regardless of confidence score.
var AmbiguousKeywords = []string{
	"maybe", "perhaps", "possibly", "might",
	"some kind of", "something like", "not sure",
	"tbd", "todo", "unclear", "ambiguous",
	"could be", "either", "or maybe", "not certain",
	"probably", "i think", "i guess", "potentially",
	"figure out", "to be determined", "decide later",
}

var uncertainDecisions = map[string]bool{
	"unsure": true, "uncertain": true, "unclear": true, "unknown": true, "undecided": true,
}

// DecisionContext carries the explicit P006 escalation triggers a worker's
// output can report alongside its content.
type DecisionContext struct {
	ConfidenceScore float64
	Requirements    string
	Options         []string
	Selected        string
	Decision        string
}

// ShouldEscalateP006 reports whether any of the four explicit uncertainty
// triggers fires for ctx: low confidence, ambiguous requirement wording,
// multiple options with none selected, or a decision reported as uncertain.
func ShouldEscalateP006(ctx DecisionContext) bool {
	if ctx.ConfidenceScore > 0 && ctx.ConfidenceScore < ConfidenceThreshold {
		return true
	}
	requirements := strings.ToLower(ctx.Requirements)
	for _, kw := range AmbiguousKeywords {
		if strings.Contains(requirements, kw) {
			return true
		}
	}
	if len(ctx.Options) > 1 && ctx.Selected == "" {
		return true
	}
	if uncertainDecisions[strings.ToLower(ctx.Decision)] {
		return true
	}
	return false
}

// Violation is one principle match found in checked content.
type Violation struct {
	PrincipleID   string
	PrincipleName string
	Category      Category
	Severity      float64
	Description   string
	MatchedText   string
}

// Recommendation is the closed set of actions a Result can carry.
type Recommendation string

const (
	RecommendAllow Recommendation = "ALLOW"
	RecommendWarn  Recommendation = "WARN"
	RecommendBlock Recommendation = "BLOCK"
)

// Result is the outcome of a safety check.
type Result struct {
	Safe           bool
	Score          float64
	Violations     []Violation
	Recommendation Recommendation
	Escalation     EscalationLevel
}

// AdvisoryModel is an optional nuanced-analysis hook consulted only when no
// pattern violation fired. A real implementation calls out to an LLM; tests
// and deployments with no model configured simply omit it.
type AdvisoryModel interface {
	Review(content, context string) (Result, error)
}

// Checker runs the constitutional safety check: a fast pattern pass over
// the WAVE principle table, falling back to an AdvisoryModel for nuanced
// analysis only when the pattern pass found nothing.
type Checker struct {
	principles []Principle
	advisory   AdvisoryModel
}

// NewChecker returns a Checker over Principles. advisory may be nil.
func NewChecker(advisory AdvisoryModel) *Checker {
	return &Checker{principles: Principles, advisory: advisory}
}

// CheckPatterns matches content against every principle's patterns,
// reporting at most one violation per principle.
func (c *Checker) CheckPatterns(content string) []Violation {
	var violations []Violation
	for _, p := range c.principles {
		for _, re := range p.Patterns {
			if match := re.FindString(content); match != "" {
				violations = append(violations, Violation{
					PrincipleID: p.ID, PrincipleName: p.Name, Category: p.Category,
					Severity: p.Severity, Description: p.Description, MatchedText: match,
				})
				break
			}
		}
	}
	return violations
}

// escalationFor mirrors the original checker's severity-to-escalation map.
func escalationFor(score float64, violations []Violation) EscalationLevel {
	for _, v := range violations {
		if v.Severity >= 1.0 {
			return EscalationEStop
		}
	}
	switch {
	case score < 0.3:
		return EscalationCritical
	case score < 0.6 || len(violations) > 0:
		return EscalationWarning
	default:
		return EscalationNone
	}
}

// Check runs the full safety check: a severity-1.0 pattern match
// short-circuits straight to BLOCK/e-stop without ever consulting an
// advisory model, so a severity-1 finding can never be softened by an
// advisory opinion. Absent a severity-1 finding, any other pattern match
// produces a pattern-based result; with no pattern match at all, an
// advisory model (if configured) gets the final say.
func (c *Checker) Check(content, context string) (Result, error) {
	violations := c.CheckPatterns(content)

	for _, v := range violations {
		if v.Severity >= 1.0 {
			return Result{
				Safe: false, Score: 0, Violations: violations,
				Recommendation: RecommendBlock, Escalation: EscalationEStop,
			}, nil
		}
	}

	if len(violations) == 0 && c.advisory != nil {
		return c.advisory.Review(content, context)
	}

	if len(violations) > 0 {
		maxSeverity := 0.0
		for _, v := range violations {
			if v.Severity > maxSeverity {
				maxSeverity = v.Severity
			}
		}
		score := 1.0 - maxSeverity
		recommendation := RecommendWarn
		// Small tolerance: 1.0-0.7 evaluates to 0.30000000000000004.
		if score <= 0.3+1e-9 {
			recommendation = RecommendBlock
		}
		return Result{
			Safe: score > 0.5, Score: score, Violations: violations,
			Recommendation: recommendation, Escalation: escalationFor(score, violations),
		}, nil
	}

	return Result{Safe: true, Score: 1.0, Recommendation: RecommendAllow, Escalation: EscalationNone}, nil
}
