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

// Package budget tracks token usage and estimated cost per story, raising
// alerts at configurable thresholds and optionally enforcing a hard stop at
// 100%.
package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/kadirpekel/wave/pkg/utils"
)

// AlertLevel is the severity of a budget check.
type AlertLevel string

const (
	AlertNormal   AlertLevel = "normal"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
	AlertExceeded AlertLevel = "exceeded"
)

// Alert is a single budget notification.
type Alert struct {
	Level        AlertLevel
	Message      string
	Percentage   float64
	TokensUsed   int
	TokenLimit   int
	CostUSD      float64
	CostLimitUSD float64
	StoryID      string
	CreatedAt    time.Time
}

// Result is the outcome of a budget check.
type Result struct {
	Allowed         bool
	Alert           *Alert
	Percentage      float64
	RemainingTokens int
	RemainingCost   float64
}

// costPer1KTokens is the approximate per-model cost table, with a fallback
// for any model not listed.
var costPer1KTokens = map[string]float64{
	"claude-3-sonnet": 0.003,
	"claude-3-opus":   0.015,
	"grok-3":          0.005,
	"default":         0.005,
}

// Tracker enforces budget limits for one orchestrator run: configurable
// warning/critical thresholds, and either a hard stop at 100% or a
// soft-limit mode that only ever warns.
type Tracker struct {
	warningThreshold  float64
	criticalThreshold float64
	hardLimit         bool

	mu     sync.Mutex
	alerts []Alert
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithThresholds overrides the default 75%/90% warning/critical bounds.
func WithThresholds(warning, critical float64) Option {
	return func(t *Tracker) { t.warningThreshold = warning; t.criticalThreshold = critical }
}

// WithSoftLimit disables hard enforcement: a story may continue past 100%
// of budget, it simply keeps generating EXCEEDED alerts.
func WithSoftLimit() Option {
	return func(t *Tracker) { t.hardLimit = false }
}

// NewTracker returns a Tracker with hard-limit enforcement and 75%/90%
// thresholds unless overridden by opts.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{warningThreshold: 0.75, criticalThreshold: 0.90, hardLimit: true}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// EstimateTokens estimates a token count for text using the shared
// tiktoken-backed counter, falling back to the ~4-chars-per-token heuristic
// when no exact encoder is available for model.
func EstimateTokens(text, model string) int {
	counter, err := utils.NewTokenCounter(model)
	if err != nil {
		return utils.EstimateTokens(text)
	}
	return counter.Count(text)
}

// EstimateCost estimates the USD cost of tokens at model's rate, falling
// back to the default per-1K rate for an unlisted model.
func EstimateCost(tokens int, model string) float64 {
	rate, ok := costPer1KTokens[model]
	if !ok {
		rate = costPer1KTokens["default"]
	}
	return (float64(tokens) / 1000) * rate
}

// CheckBudget evaluates tokensUsed/costUSD against the configured limits
// and returns whether continued operation is allowed, recording an Alert
// when the result is above the normal threshold.
func (t *Tracker) CheckBudget(tokensUsed, tokenLimit int, costUSD, costLimitUSD float64, storyID string) Result {
	tokenPct := 0.0
	if tokenLimit > 0 {
		tokenPct = float64(tokensUsed) / float64(tokenLimit)
	}
	costPct := 0.0
	if costLimitUSD > 0 {
		costPct = costUSD / costLimitUSD
	}
	percentage := tokenPct
	if costPct > percentage {
		percentage = costPct
	}

	var level AlertLevel
	var allowed bool
	var message string
	switch {
	case percentage >= 1.0:
		level, allowed = AlertExceeded, !t.hardLimit
		message = fmt.Sprintf("Budget exceeded! %.0f%% used", percentage*100)
	case percentage >= t.criticalThreshold:
		level, allowed = AlertCritical, true
		message = fmt.Sprintf("Critical: %.0f%% of budget used", percentage*100)
	case percentage >= t.warningThreshold:
		level, allowed = AlertWarning, true
		message = fmt.Sprintf("Warning: %.0f%% of budget used", percentage*100)
	default:
		level, allowed = AlertNormal, true
	}

	var alert *Alert
	if level != AlertNormal {
		a := Alert{
			Level: level, Message: message, Percentage: percentage,
			TokensUsed: tokensUsed, TokenLimit: tokenLimit,
			CostUSD: costUSD, CostLimitUSD: costLimitUSD,
			StoryID: storyID, CreatedAt: time.Now().UTC(),
		}
		t.mu.Lock()
		t.alerts = append(t.alerts, a)
		t.mu.Unlock()
		alert = &a
	}

	remainingTokens := tokenLimit - tokensUsed
	if remainingTokens < 0 {
		remainingTokens = 0
	}
	remainingCost := costLimitUSD - costUSD
	if remainingCost < 0 {
		remainingCost = 0
	}

	return Result{
		Allowed: allowed, Alert: alert, Percentage: percentage,
		RemainingTokens: remainingTokens, RemainingCost: remainingCost,
	}
}

// TrackUsage adds newTokens to currentTokens, estimates cost at model's
// rate, and checks the resulting total against tokenLimit.
func (t *Tracker) TrackUsage(currentTokens, newTokens, tokenLimit int, model, storyID string) (newTotal int, cost float64, result Result) {
	newTotal = currentTokens + newTokens
	cost = EstimateCost(newTotal, model)
	result = t.CheckBudget(newTotal, tokenLimit, cost, 10.0, storyID)
	return newTotal, cost, result
}

// Alerts returns every recorded alert, optionally filtered by level.
func (t *Tracker) Alerts(level AlertLevel) []Alert {
	t.mu.Lock()
	defer t.mu.Unlock()
	if level == "" {
		return append([]Alert{}, t.alerts...)
	}
	var out []Alert
	for _, a := range t.alerts {
		if a.Level == level {
			out = append(out, a)
		}
	}
	return out
}

// ClearAlerts discards all recorded alerts.
func (t *Tracker) ClearAlerts() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alerts = nil
}
