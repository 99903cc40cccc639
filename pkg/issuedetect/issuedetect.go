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

// Package issuedetect scans worker log and output text for a closed set of
// recurring-failure signatures - safety blocks, timeouts, retry exhaustion,
// container crashes, budget warnings, API errors, git conflicts - and
// deduplicates them across calls so the same issue is not re-surfaced every
// poll cycle.
package issuedetect

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kadirpekel/wave/pkg/logger"
	"github.com/kadirpekel/wave/pkg/pubsub"
)

// Severity orders detected issues for alert-threshold filtering.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// Issue is a single detected occurrence of a pattern.
type Issue struct {
	Message   string
	Severity  Severity
	Source    string
	Pattern   string
	Timestamp time.Time
}

// pattern is one entry in the detection table: a regex, a message template
// using %s verbs for each capture group, and the severity to report at.
type pattern struct {
	re       *regexp.Regexp
	template string
	severity Severity
}

// DefaultPatterns is the built-in detection table, ordered safety-critical
// first. Case-insensitive; applied to raw log/output text.
var DefaultPatterns = []struct {
	Regex    string
	Template string
	Severity Severity
}{
	{`SAFETY BLOCK[:\s]+Score\s+(\d+\.?\d*)`, "safety block detected: score %s below threshold", SeverityCritical},
	{`safety score\s*[<:]\s*0\.85`, "safety score below threshold", SeverityCritical},
	{`[Ff]ound dangerous pattern\s+['"]([^'"]+)['"]`, "dangerous pattern detected: %s", SeverityCritical},

	{`[Tt]imed?\s*out\s+(?:after\s+)?(\d+)s?`, "task timed out after %ss", SeverityCritical},
	{`exceeded maximum duration`, "workflow exceeded maximum duration", SeverityCritical},
	{`timeout\s+(?:reached|exceeded)`, "timeout reached", SeverityCritical},

	{`[Rr]etry limit\s+(?:reached|hit|exceeded)`, "retry limit reached", SeverityCritical},
	{`max(?:imum)?\s+retries?\s+(?:reached|hit|exceeded)`, "maximum retries exceeded", SeverityCritical},

	{`exited with code\s+([1-9]\d*)`, "container exited with error code %s", SeverityCritical},
	{`(?:container|service)\s+(?:crashed|failed)`, "container crashed", SeverityCritical},
	{`restarting\s+\(attempt\s+(\d+)\)`, "container restarting (attempt %s)", SeverityWarning},

	{`[Bb]udget\s+(?:warning|alert)[:\s]+(\d+)%\s+used`, "budget warning: %s%% used", SeverityWarning},
	{`[Bb]udget exceeded[:\s]+\$?(\d+\.?\d*)`, "budget exceeded: $%s", SeverityCritical},
	{`[Ss]tory budget exceeded`, "story budget exceeded", SeverityCritical},

	{`API\s+(?:error|failed)[:\s]+(.+)`, "API error: %s", SeverityWarning},
	{`rate\s+limit(?:ed)?`, "rate limit hit", SeverityWarning},

	{`merge conflict`, "merge conflict detected", SeverityWarning},
	{`push\s+(?:failed|rejected)`, "git push failed", SeverityWarning},
}

// Detector matches worker log text against a pattern table and deduplicates
// issues it has already reported for the lifetime of the Detector.
type Detector struct {
	patterns []pattern

	mu   sync.Mutex
	seen map[string]struct{}

	publisher *pubsub.Publisher
	channel   string
	log       *logger.Logger
}

// New builds a Detector with DefaultPatterns. publisher and channel may be
// nil/empty, in which case Scan still detects and deduplicates but never
// emits events.
func New(publisher *pubsub.Publisher, channel string) *Detector {
	d := &Detector{
		seen:      make(map[string]struct{}),
		publisher: publisher,
		channel:   channel,
		log:       logger.Get().WithComponent("issuedetect"),
	}
	for _, p := range DefaultPatterns {
		d.patterns = append(d.patterns, pattern{
			re:       regexp.MustCompile("(?i)" + p.Regex),
			template: p.Template,
			severity: p.Severity,
		})
	}
	return d
}

// AddPattern registers an additional detection pattern beyond the defaults.
func (d *Detector) AddPattern(regex, template string, severity Severity) error {
	re, err := regexp.Compile("(?i)" + regex)
	if err != nil {
		return fmt.Errorf("issuedetect: compile pattern %q: %w", regex, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patterns = append(d.patterns, pattern{re: re, template: template, severity: severity})
	return nil
}

// Scan matches text against the pattern table and returns the issues not
// already seen by this Detector, marking them seen. It never returns the
// same (severity, message) pair twice across the Detector's lifetime.
func (d *Detector) Scan(text, source string) []Issue {
	d.mu.Lock()
	defer d.mu.Unlock()

	var fresh []Issue
	for _, p := range d.patterns {
		for _, match := range p.re.FindAllStringSubmatch(text, -1) {
			message := renderTemplate(p.template, match[1:])
			key := fmt.Sprintf("%s:%s", p.severity, message)
			if _, ok := d.seen[key]; ok {
				continue
			}
			d.seen[key] = struct{}{}
			fresh = append(fresh, Issue{
				Message:   message,
				Severity:  p.severity,
				Source:    source,
				Pattern:   p.re.String(),
				Timestamp: time.Now().UTC(),
			})
		}
	}
	return fresh
}

// Reset clears the deduplication set, allowing previously-seen issues to be
// reported again.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]struct{})
}

// PatternCount returns the number of registered detection patterns.
func (d *Detector) PatternCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.patterns)
}

// ScanAndPublish calls Scan and, for every fresh issue, publishes an
// EventSystemHealth event carrying the issue. Publish errors are logged and
// swallowed: a detector never blocks the worker loop it's observing.
func (d *Detector) ScanAndPublish(ctx context.Context, text, source, storyID string) []Issue {
	issues := d.Scan(text, source)
	if d.publisher == nil || d.channel == "" {
		return issues
	}
	for _, issue := range issues {
		payload := map[string]any{
			"message":  issue.Message,
			"severity": issue.Severity.String(),
			"source":   issue.Source,
			"pattern":  issue.Pattern,
		}
		opts := []pubsub.PublishOption{}
		if storyID != "" {
			opts = append(opts, pubsub.WithStoryID(storyID))
		}
		if _, err := d.publisher.Publish(ctx, pubsub.EventSystemHealth, payload, d.channel, opts...); err != nil {
			d.log.Warn("failed to publish detected issue", "message", issue.Message, "error", err)
		}
	}
	return issues
}

// renderTemplate substitutes %s verbs in template with groups in order,
// falling back to the bare template if the group count doesn't match.
func renderTemplate(template string, groups []string) string {
	want := strings.Count(template, "%s")
	if want == 0 || want > len(groups) {
		return template
	}
	args := make([]any, want)
	for i := 0; i < want; i++ {
		args[i] = groups[i]
	}
	return fmt.Sprintf(template, args...)
}
