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

// Package checkpoint persists sessions, checkpoints, and story executions
// (C6) and implements the recovery strategies over them (C8).
//
// # Architecture
//
// A Session is one coordinated run over a project. Each Session owns a
// sequence of StoryExecution rows (one per story) and an append-only arena
// of Checkpoint rows. Checkpoints never move or get rewritten once written;
// ParentCheckpointID is a reference into that same arena, not an owning
// pointer, so a "live" execution is always just one StoryExecution row plus
// a pointer to its latest checkpoint.
//
// # Recovery
//
// RecoveryManager applies one of four strategies (resume_from_last,
// resume_from_gate, restart, skip) that the caller chooses, per story or per
// session, aiming to restore a crashed session to a runnable state in under
// five seconds. On startup, RecoverAllPending recovers every session still
// in_progress with resume_from_last.
package checkpoint

import "time"

// SessionStatus is one of the closed Session.Status values.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionCancelled  SessionStatus = "cancelled"
)

// Session is one coordinated run over a project (wave_sessions).
type Session struct {
	ID               string
	ProjectName      string
	WaveNumber       int
	Status           SessionStatus
	BudgetUSD        float64
	ActualCostUSD    float64
	TokenCount       int64
	StoryCount       int
	StoriesCompleted int
	StoriesFailed    int
	Metadata         map[string]any
	StartedAt        time.Time
	CompletedAt      *time.Time
	FailedAt         *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CheckpointType is one of the closed Checkpoint.Type values.
type CheckpointType string

const (
	CheckpointGate          CheckpointType = "gate"
	CheckpointStoryStart    CheckpointType = "story_start"
	CheckpointStoryComplete CheckpointType = "story_complete"
	CheckpointAgentHandoff  CheckpointType = "agent_handoff"
	CheckpointError         CheckpointType = "error"
	CheckpointManual        CheckpointType = "manual"
)

// Checkpoint is an immutable state snapshot attached to a session,
// optionally scoped to a story and a gate (wave_checkpoints). Rows form an
// append-only arena: ParentCheckpointID references an earlier row in the
// same arena and is never itself mutated.
type Checkpoint struct {
	ID                 string
	SessionID          string
	CheckpointType     CheckpointType
	CheckpointName     string
	StoryID            string
	Gate               string
	State              map[string]any
	AgentID            string
	ParentCheckpointID string
	CreatedAt          time.Time
}

// StoryStatus is one of the closed StoryExecution.Status values.
type StoryStatus string

const (
	StoryPending    StoryStatus = "pending"
	StoryInProgress StoryStatus = "in_progress"
	StoryBlocked    StoryStatus = "blocked"
	StoryReview     StoryStatus = "review"
	StoryComplete   StoryStatus = "complete"
	StoryFailed     StoryStatus = "failed"
	StoryCancelled  StoryStatus = "cancelled"
)

// IsTerminal reports whether s is an absorbing status (I7): once a story
// reaches complete, failed, or cancelled it never transitions again.
func (s StoryStatus) IsTerminal() bool {
	return s == StoryComplete || s == StoryFailed || s == StoryCancelled
}

// StoryExecution is one story inside a session (wave_story_executions).
type StoryExecution struct {
	ID                       string
	SessionID                string
	StoryID                  string
	StoryTitle               string
	Domain                   string
	Agent                    string
	Status                   StoryStatus
	Priority                 string
	StoryPoints              int
	RetryCount               int
	AcceptanceCriteriaPassed int
	AcceptanceCriteriaTotal  int
	TestsPassing             bool
	CoverageAchieved         float64
	FilesCreated             []string
	FilesModified            []string
	BranchName               string
	CommitSHA                string
	PRURL                    string
	ErrorMessage             string
	TokenCount               int64
	CostUSD                  float64
	Metadata                 map[string]any
	StartedAt                time.Time
	CompletedAt              *time.Time
	FailedAt                 *time.Time
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// CurrentGate reads the active gate out of Metadata rather than a
// dedicated column: wave_story_executions has no current_gate column in
// the persisted schema, matching how the gate label is tracked purely as
// execution metadata.
func (s *StoryExecution) CurrentGate() string {
	if s.Metadata == nil {
		return ""
	}
	if g, ok := s.Metadata["current_gate"].(string); ok {
		return g
	}
	return ""
}

// SetCurrentGate writes the active gate label into Metadata.
func (s *StoryExecution) SetCurrentGate(gate string) {
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	s.Metadata["current_gate"] = gate
}
