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
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/wave/pkg/checkpoint"
	"github.com/kadirpekel/wave/pkg/logger"
	"github.com/kadirpekel/wave/pkg/waveerr"
)

// validTransitions is the story status transition table. Terminal states
// (I7) have no outgoing edges.
var validTransitions = map[checkpoint.StoryStatus][]checkpoint.StoryStatus{
	checkpoint.StoryPending:    {checkpoint.StoryInProgress, checkpoint.StoryCancelled},
	checkpoint.StoryInProgress: {checkpoint.StoryBlocked, checkpoint.StoryReview, checkpoint.StoryComplete, checkpoint.StoryFailed, checkpoint.StoryCancelled},
	checkpoint.StoryBlocked:    {checkpoint.StoryInProgress, checkpoint.StoryFailed, checkpoint.StoryCancelled},
	checkpoint.StoryReview:     {checkpoint.StoryInProgress, checkpoint.StoryComplete, checkpoint.StoryFailed},
}

// DefaultMaxRetries bounds how many times a failing gate retries before
// the story gives up and transitions to failed, per the gate-advancement
// retry rule.
const DefaultMaxRetries = 3

// Machine drives one story through the gate sequence, persisting every
// transition and gate evaluation through a checkpoint.Manager.
type Machine struct {
	checkpoints *checkpoint.Manager
	executor    *Executor
	maxRetries  int
	log         *logger.Logger
}

// NewMachine returns a Machine backed by checkpoints and executor, retrying
// a failing gate up to DefaultMaxRetries times before failing the story.
func NewMachine(checkpoints *checkpoint.Manager, executor *Executor) *Machine {
	return &Machine{checkpoints: checkpoints, executor: executor, maxRetries: DefaultMaxRetries, log: logger.Get().WithComponent("gate.machine")}
}

// WithMaxRetries overrides the gate failure retry budget.
func (m *Machine) WithMaxRetries(n int) *Machine {
	m.maxRetries = n
	return m
}

// StartExecution creates a new StoryExecution row at gate-0/pending and
// records a story_start checkpoint.
func (m *Machine) StartExecution(ctx context.Context, sessionID, storyID, storyTitle, domain, agent string) (*checkpoint.StoryExecution, error) {
	se := &checkpoint.StoryExecution{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		StoryID:    storyID,
		StoryTitle: storyTitle,
		Domain:     domain,
		Agent:      agent,
		Status:     checkpoint.StoryPending,
		StartedAt:  time.Now().UTC(),
		Metadata:   map[string]any{},
	}
	se.SetCurrentGate(string(Gate0))

	if err := m.checkpoints.SaveStoryExecution(ctx, se); err != nil {
		return nil, err
	}
	if err := m.checkpoints.SaveCheckpoint(ctx, &checkpoint.Checkpoint{
		SessionID:      sessionID,
		CheckpointType: checkpoint.CheckpointStoryStart,
		StoryID:        storyID,
		Gate:           string(Gate0),
		State:          map[string]any{"domain": domain, "agent": agent},
	}); err != nil {
		return nil, err
	}
	return se, nil
}

// TransitionState moves se to newStatus if the transition table allows it,
// persisting the updated row.
func (m *Machine) TransitionState(ctx context.Context, se *checkpoint.StoryExecution, newStatus checkpoint.StoryStatus) error {
	if se.Status.IsTerminal() {
		return waveerr.Wrap(waveerr.KindConflict, "story already in terminal state",
			fmt.Errorf("story %s is %s, cannot transition to %s", se.StoryID, se.Status, newStatus))
	}
	allowed := false
	for _, s := range validTransitions[se.Status] {
		if s == newStatus {
			allowed = true
			break
		}
	}
	if !allowed {
		return waveerr.Wrap(waveerr.KindValidation, "invalid story transition",
			fmt.Errorf("cannot transition story %s from %s to %s", se.StoryID, se.Status, newStatus))
	}

	se.Status = newStatus
	return m.checkpoints.SaveStoryExecution(ctx, se)
}

// ExecuteGate evaluates gateID against se's reported input, records the
// outcome as a gate checkpoint, and on pass advances se to the next gate.
// A BLOCK-severity safety failure (carried in input["safety_block"]) always
// fails the gate regardless of what the validator itself would have
// returned, so an advisory model can never soften a hard safety block.
func (m *Machine) ExecuteGate(ctx context.Context, se *checkpoint.StoryExecution, gateID ID, input map[string]any) (*Result, error) {
	if blocked, _ := input["safety_block"].(bool); blocked {
		reason, _ := input["safety_block_reason"].(string)
		result := &Result{Gate: gateID, Status: StatusFailed, ErrorMessage: "safety block: " + reason, EvaluatedAt: time.Now().UTC()}
		if err := m.recordGateCheckpoint(ctx, se, result); err != nil {
			return result, err
		}
		se.ErrorMessage = result.ErrorMessage
		if se.Status != checkpoint.StoryBlocked {
			_ = m.TransitionState(ctx, se, checkpoint.StoryBlocked)
		}
		return result, nil
	}

	result, err := m.executor.Execute(ctx, gateID, input)
	if err != nil {
		return nil, err
	}
	if err := m.recordGateCheckpoint(ctx, se, result); err != nil {
		return result, err
	}

	switch result.Status {
	case StatusPassed:
		next := Next(gateID)
		se.SetCurrentGate(string(next))
		se.RetryCount = 0
		if next == "" {
			se.AcceptanceCriteriaPassed = se.AcceptanceCriteriaTotal
		}
		return result, m.checkpoints.SaveStoryExecution(ctx, se)
	case StatusFailed:
		return result, m.handleGateFailure(ctx, se, result)
	default: // pending manual approval: no state change
		return result, nil
	}
}

// handleGateFailure applies the gate-advancement retry rule: below
// maxRetries, bump se.RetryCount and leave the story at the phase that
// produced the failure; once exhausted, fail the story outright.
func (m *Machine) handleGateFailure(ctx context.Context, se *checkpoint.StoryExecution, result *Result) error {
	se.ErrorMessage = result.ErrorMessage
	if se.RetryCount >= m.maxRetries {
		return m.FailExecution(ctx, se, fmt.Errorf("gate %s failed after %d retries: %s", result.Gate, se.RetryCount, result.ErrorMessage))
	}
	se.RetryCount++
	return m.checkpoints.SaveStoryExecution(ctx, se)
}

func (m *Machine) recordGateCheckpoint(ctx context.Context, se *checkpoint.StoryExecution, result *Result) error {
	return m.checkpoints.SaveCheckpoint(ctx, &checkpoint.Checkpoint{
		SessionID:      se.SessionID,
		CheckpointType: checkpoint.CheckpointGate,
		StoryID:        se.StoryID,
		Gate:           string(result.Gate),
		State: map[string]any{
			"status":        result.Status,
			"metadata":      result.Metadata,
			"error_message": result.ErrorMessage,
		},
	})
}

// CompleteExecution marks se complete and records a story_complete
// checkpoint. Only valid once every gate has passed (se.CurrentGate is
// empty, i.e. gate-7 already passed).
func (m *Machine) CompleteExecution(ctx context.Context, se *checkpoint.StoryExecution) error {
	if se.CurrentGate() != "" {
		return waveerr.Wrap(waveerr.KindValidation, "cannot complete story before its final gate passes",
			fmt.Errorf("story %s still at %s", se.StoryID, se.CurrentGate()))
	}
	if err := m.TransitionState(ctx, se, checkpoint.StoryComplete); err != nil {
		return err
	}
	now := time.Now().UTC()
	se.CompletedAt = &now
	if err := m.checkpoints.SaveStoryExecution(ctx, se); err != nil {
		return err
	}
	return m.checkpoints.SaveCheckpoint(ctx, &checkpoint.Checkpoint{
		SessionID: se.SessionID, CheckpointType: checkpoint.CheckpointStoryComplete, StoryID: se.StoryID,
	})
}

// FailExecution marks se failed, recording the error and an error
// checkpoint that marks where the story failed.
func (m *Machine) FailExecution(ctx context.Context, se *checkpoint.StoryExecution, cause error) error {
	se.ErrorMessage = cause.Error()
	if !se.Status.IsTerminal() {
		if err := m.TransitionState(ctx, se, checkpoint.StoryFailed); err != nil {
			m.log.Warn("force-failing story outside transition table", "story_id", se.StoryID, "from", se.Status)
			se.Status = checkpoint.StoryFailed
		}
	}
	now := time.Now().UTC()
	se.FailedAt = &now
	if err := m.checkpoints.SaveStoryExecution(ctx, se); err != nil {
		return err
	}
	return m.checkpoints.SaveCheckpoint(ctx, &checkpoint.Checkpoint{
		SessionID: se.SessionID, CheckpointType: checkpoint.CheckpointError, StoryID: se.StoryID,
		Gate:  se.CurrentGate(),
		State: map[string]any{"error": se.ErrorMessage},
	})
}

// CurrentState returns se's status and active gate.
func (m *Machine) CurrentState(se *checkpoint.StoryExecution) (checkpoint.StoryStatus, ID) {
	return se.Status, ID(se.CurrentGate())
}
