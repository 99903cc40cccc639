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

// Package signal provides a reusable, non-blocking event-signaling surface
// that any agent-shaped caller can embed: gate completion, failure, error,
// progress and lifecycle signals published through pkg/pubsub, plus an
// optional periodic progress heartbeat. Every publish swallows its own
// error after logging it - a degraded event bus never blocks the caller.
package signal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kadirpekel/wave/pkg/logger"
	"github.com/kadirpekel/wave/pkg/pubsub"
)

// DefaultHeartbeatInterval matches the worker package's own cadence.
const DefaultHeartbeatInterval = 30 * time.Second

// Publisher is a thin, always-safe-to-call façade over pubsub.Publisher,
// scoped to one agent identity. The zero value is not usable; build one
// with New.
type Publisher struct {
	publisher *pubsub.Publisher
	project   string
	agentID   string
	domain    string
	sessionID string

	publishCount atomic.Int64

	mu        sync.Mutex
	hbCancel  context.CancelFunc
	hbRunning bool

	log *logger.Logger
}

// New returns a Publisher for agentID/domain within project. pub may be
// nil, in which case every signal method is a safe no-op (graceful
// degradation when the event bus is unavailable).
func New(pub *pubsub.Publisher, project, agentID, domain, sessionID string) *Publisher {
	return &Publisher{
		publisher: pub,
		project:   project,
		agentID:   agentID,
		domain:    domain,
		sessionID: sessionID,
		log:       logger.Get().WithComponent("signal").WithDomain(domain),
	}
}

// PublishCount reports how many signals this Publisher has sent
// successfully.
func (p *Publisher) PublishCount() int64 {
	return p.publishCount.Load()
}

// SignalGateComplete publishes a gate-passed signal.
func (p *Publisher) SignalGateComplete(ctx context.Context, gateID, storyID string) string {
	return p.safePublish(ctx, pubsub.EventGatePassed, map[string]any{
		"gate_id": gateID, "agent_id": p.agentID, "domain": p.domain,
	}, storyID, pubsub.PriorityNormal)
}

// SignalGateFailed publishes a gate-failed signal.
func (p *Publisher) SignalGateFailed(ctx context.Context, gateID, errMsg, storyID string) string {
	return p.safePublish(ctx, pubsub.EventGateFailed, map[string]any{
		"gate_id": gateID, "error": errMsg, "agent_id": p.agentID, "domain": p.domain,
	}, storyID, pubsub.PriorityNormal)
}

// SignalError publishes an agent-error signal at high priority.
func (p *Publisher) SignalError(ctx context.Context, errMsg, storyID string, retryCount int) string {
	return p.safePublish(ctx, pubsub.EventAgentError, map[string]any{
		"error": errMsg, "retry_count": retryCount, "agent_id": p.agentID, "domain": p.domain,
	}, storyID, pubsub.PriorityHigh)
}

// SignalProgress publishes a progress/heartbeat signal.
func (p *Publisher) SignalProgress(ctx context.Context, storyID, detail string) string {
	if detail == "" {
		detail = "working"
	}
	return p.safePublish(ctx, pubsub.EventSystemHealth, map[string]any{
		"agent_id": p.agentID, "domain": p.domain, "detail": detail, "type": "progress",
	}, storyID, pubsub.PriorityNormal)
}

// SignalReady publishes an agent-ready signal.
func (p *Publisher) SignalReady(ctx context.Context) string {
	return p.safePublish(ctx, pubsub.EventAgentReady, map[string]any{
		"agent_id": p.agentID, "domain": p.domain, "status": "ready",
	}, "", pubsub.PriorityNormal)
}

// SignalBusy publishes an agent-busy signal.
func (p *Publisher) SignalBusy(ctx context.Context, storyID string) string {
	return p.safePublish(ctx, pubsub.EventAgentBusy, map[string]any{
		"agent_id": p.agentID, "domain": p.domain, "status": "busy",
	}, storyID, pubsub.PriorityNormal)
}

// StartHeartbeat begins a background goroutine that calls SignalProgress
// every interval (DefaultHeartbeatInterval if zero) until StopHeartbeat is
// called. Calling it while a heartbeat is already running is a no-op.
func (p *Publisher) StartHeartbeat(ctx context.Context, storyID string, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	p.mu.Lock()
	if p.hbRunning {
		p.mu.Unlock()
		return
	}
	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.hbCancel = cancel
	p.hbRunning = true
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.SignalProgress(hbCtx, storyID, "heartbeat")
			case <-hbCtx.Done():
				return
			}
		}
	}()
}

// StopHeartbeat cancels a running heartbeat started by StartHeartbeat. Safe
// to call even if no heartbeat is running.
func (p *Publisher) StopHeartbeat() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hbRunning {
		return
	}
	p.hbCancel()
	p.hbRunning = false
}

func (p *Publisher) safePublish(ctx context.Context, eventType pubsub.EventType, payload map[string]any, storyID string, priority pubsub.MessagePriority) string {
	if p.publisher == nil {
		p.log.Debug("signal publisher unavailable, skipping", "agent_id", p.agentID, "event", eventType)
		return ""
	}

	opts := []pubsub.PublishOption{pubsub.WithPriority(priority)}
	if p.sessionID != "" {
		opts = append(opts, pubsub.WithSessionID(p.sessionID))
	}
	if storyID != "" {
		opts = append(opts, pubsub.WithStoryID(storyID))
	}

	channel := pubsub.NewChannelManager(p.project).Agent(p.agentID)
	id, err := p.publisher.Publish(ctx, eventType, payload, channel, opts...)
	if err != nil {
		p.log.Warn("failed to publish signal, continuing", "agent_id", p.agentID, "event", eventType, "error", err)
		return ""
	}
	p.publishCount.Add(1)
	return id
}
