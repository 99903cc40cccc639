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

package checkpoint

import (
	"context"

	"github.com/google/uuid"

	"github.com/kadirpekel/wave/pkg/logger"
)

// Manager orchestrates checkpointing and recovery for one database (C6 +
// C8). It provides the unified interface the story execution engine talks
// to, hiding the dialect-specific Storage and the RecoveryManager's
// strategy table behind simple save/load/recover calls.
type Manager struct {
	config   *Config
	storage  *Storage
	recovery *RecoveryManager
	log      *logger.Logger
}

// NewManager opens storage per cfg and wires a RecoveryManager over it.
func NewManager(ctx context.Context, cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.SetDefaults()

	storage, err := NewStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Manager{
		config:   cfg,
		storage:  storage,
		recovery: NewRecoveryManager(cfg, storage),
		log:      logger.Get().WithComponent("checkpoint.manager"),
	}, nil
}

// Close releases the underlying storage.
func (m *Manager) Close() error { return m.storage.Close() }

// Storage exposes the raw store for callers that need direct query access.
func (m *Manager) Storage() *Storage { return m.storage }

// StartSession creates a new Session row in pending status.
func (m *Manager) StartSession(ctx context.Context, projectName string, waveNumber int, budgetUSD float64) (*Session, error) {
	sess := &Session{
		ID:          uuid.NewString(),
		ProjectName: projectName,
		WaveNumber:  waveNumber,
		Status:      SessionPending,
		BudgetUSD:   budgetUSD,
		Metadata:    map[string]any{},
	}
	if err := m.storage.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// SaveCheckpoint writes one checkpoint and opportunistically trims the
// session's history back to config.RetainCheckpoints.
func (m *Manager) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if err := m.storage.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}
	if _, err := m.storage.CleanupOld(ctx, cp.SessionID, m.config.RetainCheckpoints); err != nil {
		m.log.Warn("checkpoint cleanup failed", "session_id", cp.SessionID, "error", err)
	}
	return nil
}

// LatestCheckpoint returns a session's most recent checkpoint, if any.
func (m *Manager) LatestCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	return m.storage.LatestCheckpoint(ctx, sessionID)
}

// SaveStoryExecution upserts one story's execution row.
func (m *Manager) SaveStoryExecution(ctx context.Context, se *StoryExecution) error {
	if se.ID == "" {
		se.ID = uuid.NewString()
	}
	return m.storage.SaveStoryExecution(ctx, se)
}

// SetResumeCallback sets the callback RecoveryManager invokes to actually
// resume a crashed session.
func (m *Manager) SetResumeCallback(cb ResumeCallback) {
	m.recovery.SetResumeCallback(cb)
}

// RecoverStory applies strategy to one story execution. targetGate is only
// consulted for StrategyResumeFromGate.
func (m *Manager) RecoverStory(ctx context.Context, sessionID, storyID string, strategy RecoveryStrategy, targetGate string) (*RecoveredStory, error) {
	return m.recovery.RecoverStory(ctx, sessionID, storyID, strategy, targetGate)
}

// RecoverSession applies strategy to every story in sessionID that is not
// complete or cancelled (failed stories included), aiming to finish within config.RecoveryTimeoutSeconds.
func (m *Manager) RecoverSession(ctx context.Context, sessionID string, strategy RecoveryStrategy) (*SessionRecoveryResult, error) {
	return m.recovery.RecoverSession(ctx, sessionID, strategy)
}

// RecoverAllPending scans for sessions left in_progress and recovers each
// with resume_from_last.
func (m *Manager) RecoverAllPending(ctx context.Context) ([]*SessionRecoveryResult, error) {
	return m.recovery.RecoverAllPending(ctx)
}
