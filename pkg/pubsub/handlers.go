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

package pubsub

import (
	"fmt"
	"sync"

	"github.com/kadirpekel/wave/pkg/logger"
)

// gateOrder is the fixed gate sequence used to compute the next gate name
// after a pass; empty after gate-7.
var gateOrder = []string{"gate-0", "gate-1", "gate-2", "gate-3", "gate-4", "gate-5", "gate-6", "gate-7"}

func nextGate(gate string) string {
	for i, g := range gateOrder {
		if g == gate {
			if i+1 < len(gateOrder) {
				return gateOrder[i+1]
			}
			return ""
		}
	}
	return ""
}

// GateCompleteHandler logs gate-passed events and reports the next gate.
type GateCompleteHandler struct{ log *logger.Logger }

func NewGateCompleteHandler() *GateCompleteHandler {
	return &GateCompleteHandler{log: logger.Get().WithComponent("handler.gate_complete")}
}

func (h *GateCompleteHandler) Name() string { return "gate_complete" }

func (h *GateCompleteHandler) Handle(msg WaveMessage) HandlerResult {
	gate, _ := msg.Payload["gate_id"].(string)
	next := nextGate(gate)
	h.log.Info("gate passed", "gate", gate, "story_id", msg.StoryID, "next_gate", next)

	result := newHandlerResult()
	result.ActionTaken = fmt.Sprintf("gate_advance:%s", gate)
	result.Data["next_gate"] = next
	return result
}

// AgentErrorHandler requests a retry for each of an agent's first
// maxRetries-1 errors and escalates from the maxRetries-th error on.
type AgentErrorHandler struct {
	maxRetries int
	mu         sync.Mutex
	attempts   map[string]int
	log        *logger.Logger
}

func NewAgentErrorHandler(maxRetries int) *AgentErrorHandler {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &AgentErrorHandler{
		maxRetries: maxRetries,
		attempts:   make(map[string]int),
		log:        logger.Get().WithComponent("handler.agent_error"),
	}
}

func (h *AgentErrorHandler) Name() string { return "agent_error" }

func (h *AgentErrorHandler) Handle(msg WaveMessage) HandlerResult {
	agentID, _ := msg.Payload["agent_id"].(string)

	h.mu.Lock()
	h.attempts[agentID]++
	attempt := h.attempts[agentID]
	h.mu.Unlock()

	result := newHandlerResult()
	if attempt >= h.maxRetries {
		result.ActionTaken = fmt.Sprintf("escalate:%s", agentID)
		h.log.Error("agent error retries exhausted", "agent_id", agentID, "attempts", attempt)
	} else {
		result.ActionTaken = fmt.Sprintf("retry:%s:attempt_%d", agentID, attempt)
		h.log.Warn("agent error, scheduling retry", "agent_id", agentID, "attempt", attempt)
	}
	return result
}

// AgentBlockedHandler surfaces a paused agent with its blocker.
type AgentBlockedHandler struct{ log *logger.Logger }

func NewAgentBlockedHandler() *AgentBlockedHandler {
	return &AgentBlockedHandler{log: logger.Get().WithComponent("handler.agent_blocked")}
}

func (h *AgentBlockedHandler) Name() string { return "agent_blocked" }

func (h *AgentBlockedHandler) Handle(msg WaveMessage) HandlerResult {
	agentID, _ := msg.Payload["agent_id"].(string)
	reason, _ := msg.Payload["reason"].(string)

	h.log.Warn("agent blocked", "agent_id", agentID, "reason", reason)

	result := newHandlerResult()
	result.ActionTaken = fmt.Sprintf("pause:%s", agentID)
	result.Data["reason"] = reason
	return result
}

// SessionPauseHandler surfaces a session pause request.
type SessionPauseHandler struct{ log *logger.Logger }

func NewSessionPauseHandler() *SessionPauseHandler {
	return &SessionPauseHandler{log: logger.Get().WithComponent("handler.session_pause")}
}

func (h *SessionPauseHandler) Name() string { return "session_pause" }

func (h *SessionPauseHandler) Handle(msg WaveMessage) HandlerResult {
	h.log.Warn("session pause requested", "session_id", msg.SessionID)

	result := newHandlerResult()
	result.ActionTaken = fmt.Sprintf("session_pause:%s", msg.SessionID)
	return result
}

// EmergencyStopHandler reacts to system.emergency_stop events by invoking a
// trip callback (wired to the estop package's process-wide latch).
type EmergencyStopHandler struct {
	trip func(reason string)
	log  *logger.Logger
}

func NewEmergencyStopHandler(trip func(reason string)) *EmergencyStopHandler {
	return &EmergencyStopHandler{trip: trip, log: logger.Get().WithComponent("handler.emergency_stop")}
}

func (h *EmergencyStopHandler) Name() string { return "emergency_stop" }

func (h *EmergencyStopHandler) Handle(msg WaveMessage) HandlerResult {
	reason, _ := msg.Payload["reason"].(string)
	h.log.Error("emergency stop signal received", "reason", reason, "source", msg.Source)

	if h.trip != nil {
		h.trip(reason)
	}

	result := newHandlerResult()
	result.ActionTaken = "emergency_stop"
	return result
}
