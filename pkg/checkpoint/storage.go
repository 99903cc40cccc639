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
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kadirpekel/wave/pkg/logger"
	"github.com/kadirpekel/wave/pkg/utils"
	"github.com/kadirpekel/wave/pkg/waveerr"
)

// Storage is the SQL-backed checkpoint store (C6), fronting sessions,
// checkpoints, and story executions behind one of three dialects.
type Storage struct {
	db      *sql.DB
	dialect Dialect
	log     *logger.Logger
}

// NewStorage opens the configured database, applies the schema, and
// returns a ready Storage.
func NewStorage(ctx context.Context, cfg *Config) (*Storage, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, waveerr.Wrap(waveerr.KindValidation, "checkpoint config", err)
	}

	if cfg.Dialect == DialectSQLite {
		if err := utils.EnsureFileDir(cfg.DSN); err != nil {
			return nil, waveerr.Wrap(waveerr.KindPersistence, "prepare checkpoint database directory", err)
		}
	}

	db, err := sql.Open(cfg.driverName(), cfg.DSN)
	if err != nil {
		return nil, waveerr.Wrap(waveerr.KindPersistence, "open checkpoint database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, waveerr.Wrap(waveerr.KindConnection, "ping checkpoint database", err)
	}

	s := &Storage{db: db, dialect: cfg.Dialect, log: logger.Get().WithComponent("checkpoint.storage")}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Storage) Close() error { return s.db.Close() }

// rebind rewrites "?" placeholders into "$1", "$2", ... for postgres; mysql
// and sqlite both accept "?" natively.
func (s *Storage) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Storage) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Storage) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Storage) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

// timestampType returns the dialect's column type for point-in-time values.
func (s *Storage) timestampType() string {
	if s.dialect == DialectMySQL {
		return "DATETIME"
	}
	return "TIMESTAMP"
}

func (s *Storage) migrate(ctx context.Context) error {
	ts := s.timestampType()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS wave_sessions (
			id TEXT PRIMARY KEY,
			project_name TEXT NOT NULL,
			wave_number INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			budget_usd REAL NOT NULL DEFAULT 0,
			actual_cost_usd REAL NOT NULL DEFAULT 0,
			token_count BIGINT NOT NULL DEFAULT 0,
			story_count INTEGER NOT NULL DEFAULT 0,
			stories_completed INTEGER NOT NULL DEFAULT 0,
			stories_failed INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			started_at %s,
			completed_at %s,
			failed_at %s,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, ts, ts, ts, ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS wave_checkpoints (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			checkpoint_type TEXT NOT NULL,
			checkpoint_name TEXT,
			story_id TEXT,
			gate TEXT,
			state TEXT,
			agent_id TEXT,
			parent_checkpoint_id TEXT,
			created_at %s NOT NULL
		)`, ts),
		`CREATE INDEX IF NOT EXISTS idx_wave_checkpoints_session ON wave_checkpoints (session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_wave_checkpoints_story ON wave_checkpoints (story_id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS wave_story_executions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			story_id TEXT NOT NULL,
			story_title TEXT,
			domain TEXT NOT NULL,
			agent TEXT,
			status TEXT NOT NULL,
			priority TEXT,
			story_points INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			acceptance_criteria_passed INTEGER NOT NULL DEFAULT 0,
			acceptance_criteria_total INTEGER NOT NULL DEFAULT 0,
			tests_passing BOOLEAN NOT NULL DEFAULT FALSE,
			coverage_achieved REAL NOT NULL DEFAULT 0,
			files_created TEXT,
			files_modified TEXT,
			branch_name TEXT,
			commit_sha TEXT,
			pr_url TEXT,
			error_message TEXT,
			token_count BIGINT NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			metadata TEXT,
			started_at %s,
			completed_at %s,
			failed_at %s,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, ts, ts, ts, ts, ts),
		`CREATE INDEX IF NOT EXISTS idx_wave_story_executions_session ON wave_story_executions (session_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_wave_story_executions_story ON wave_story_executions (session_id, story_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.exec(ctx, stmt); err != nil {
			return waveerr.Wrap(waveerr.KindPersistence, "apply checkpoint schema", err)
		}
	}
	return nil
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch vv := v.(type) {
	case map[string]any:
		if len(vv) == 0 {
			return nil, nil
		}
	case []string:
		if len(vv) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalJSONMap(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalJSONStrings(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(raw.String), &ss); err != nil {
		return nil, err
	}
	return ss, nil
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

// --- Sessions ---

// SaveSession inserts or updates a Session row.
func (s *Storage) SaveSession(ctx context.Context, sess *Session) error {
	meta, err := marshalJSON(sess.Metadata)
	if err != nil {
		return waveerr.Wrap(waveerr.KindValidation, "marshal session metadata", err)
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	_, err = s.exec(ctx, `INSERT INTO wave_sessions
		(id, project_name, wave_number, status, budget_usd, actual_cost_usd, token_count,
		 story_count, stories_completed, stories_failed, metadata, started_at, completed_at,
		 failed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectName, sess.WaveNumber, sess.Status, sess.BudgetUSD, sess.ActualCostUSD,
		sess.TokenCount, sess.StoryCount, sess.StoriesCompleted, sess.StoriesFailed, meta,
		nullTime(&sess.StartedAt), nullTime(sess.CompletedAt), nullTime(sess.FailedAt),
		sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return s.upsertSessionFallback(ctx, sess, meta)
	}
	return nil
}

// upsertSessionFallback updates an existing row when the insert above fails
// on a primary-key conflict; dialects spell upserts too differently to
// share one statement.
func (s *Storage) upsertSessionFallback(ctx context.Context, sess *Session, meta any) error {
	res, err := s.exec(ctx, `UPDATE wave_sessions SET
		project_name = ?, wave_number = ?, status = ?, budget_usd = ?, actual_cost_usd = ?,
		token_count = ?, story_count = ?, stories_completed = ?, stories_failed = ?, metadata = ?,
		started_at = ?, completed_at = ?, failed_at = ?, updated_at = ?
		WHERE id = ?`,
		sess.ProjectName, sess.WaveNumber, sess.Status, sess.BudgetUSD, sess.ActualCostUSD,
		sess.TokenCount, sess.StoryCount, sess.StoriesCompleted, sess.StoriesFailed, meta,
		nullTime(&sess.StartedAt), nullTime(sess.CompletedAt), nullTime(sess.FailedAt), sess.UpdatedAt,
		sess.ID)
	if err != nil {
		return waveerr.Wrap(waveerr.KindPersistence, "save session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return waveerr.Wrap(waveerr.KindPersistence, "save session", fmt.Errorf("no row inserted or updated for session %s", sess.ID))
	}
	return nil
}

// GetSession loads a Session by id.
func (s *Storage) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.queryRow(ctx, `SELECT id, project_name, wave_number, status, budget_usd, actual_cost_usd,
		token_count, story_count, stories_completed, stories_failed, metadata, started_at,
		completed_at, failed_at, created_at, updated_at
		FROM wave_sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var meta sql.NullString
	var started, completed, failed sql.NullTime
	err := row.Scan(&sess.ID, &sess.ProjectName, &sess.WaveNumber, &sess.Status, &sess.BudgetUSD,
		&sess.ActualCostUSD, &sess.TokenCount, &sess.StoryCount, &sess.StoriesCompleted,
		&sess.StoriesFailed, &meta, &started, &completed, &failed, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, waveerr.Wrap(waveerr.KindNotFound, "session not found", err)
	}
	if err != nil {
		return nil, waveerr.Wrap(waveerr.KindPersistence, "scan session", err)
	}
	if sess.Metadata, err = unmarshalJSONMap(meta); err != nil {
		return nil, waveerr.Wrap(waveerr.KindPersistence, "decode session metadata", err)
	}
	if started.Valid {
		sess.StartedAt = started.Time
	}
	if completed.Valid {
		sess.CompletedAt = &completed.Time
	}
	if failed.Valid {
		sess.FailedAt = &failed.Time
	}
	return &sess, nil
}

// ListSessionsByStatus returns every session in the given status.
func (s *Storage) ListSessionsByStatus(ctx context.Context, status SessionStatus) ([]*Session, error) {
	rows, err := s.query(ctx, `SELECT id, project_name, wave_number, status, budget_usd, actual_cost_usd,
		token_count, story_count, stories_completed, stories_failed, metadata, started_at,
		completed_at, failed_at, created_at, updated_at
		FROM wave_sessions WHERE status = ? ORDER BY started_at ASC`, status)
	if err != nil {
		return nil, waveerr.Wrap(waveerr.KindPersistence, "list sessions by status", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		var meta sql.NullString
		var started, completed, failed sql.NullTime
		if err := rows.Scan(&sess.ID, &sess.ProjectName, &sess.WaveNumber, &sess.Status, &sess.BudgetUSD,
			&sess.ActualCostUSD, &sess.TokenCount, &sess.StoryCount, &sess.StoriesCompleted,
			&sess.StoriesFailed, &meta, &started, &completed, &failed, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, waveerr.Wrap(waveerr.KindPersistence, "scan session", err)
		}
		if sess.Metadata, err = unmarshalJSONMap(meta); err != nil {
			return nil, waveerr.Wrap(waveerr.KindPersistence, "decode session metadata", err)
		}
		if started.Valid {
			sess.StartedAt = started.Time
		}
		if completed.Valid {
			sess.CompletedAt = &completed.Time
		}
		if failed.Valid {
			sess.FailedAt = &failed.Time
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// --- Checkpoints ---

// SaveCheckpoint appends one immutable Checkpoint row.
func (s *Storage) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	state, err := marshalJSON(cp.State)
	if err != nil {
		return waveerr.Wrap(waveerr.KindValidation, "marshal checkpoint state", err)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	_, err = s.exec(ctx, `INSERT INTO wave_checkpoints
		(id, session_id, checkpoint_type, checkpoint_name, story_id, gate, state, agent_id,
		 parent_checkpoint_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.CheckpointType, cp.CheckpointName, cp.StoryID, cp.Gate, state,
		cp.AgentID, cp.ParentCheckpointID, cp.CreatedAt)
	if err != nil {
		return waveerr.Wrap(waveerr.KindPersistence, "save checkpoint", err)
	}
	return nil
}

func scanCheckpoints(rows *sql.Rows) ([]*Checkpoint, error) {
	defer rows.Close()
	var out []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var state sql.NullString
		var name, storyID, gate, agentID, parentID sql.NullString
		if err := rows.Scan(&cp.ID, &cp.SessionID, &cp.CheckpointType, &name, &storyID, &gate,
			&state, &agentID, &parentID, &cp.CreatedAt); err != nil {
			return nil, waveerr.Wrap(waveerr.KindPersistence, "scan checkpoint", err)
		}
		cp.CheckpointName = name.String
		cp.StoryID = storyID.String
		cp.Gate = gate.String
		cp.AgentID = agentID.String
		cp.ParentCheckpointID = parentID.String
		decoded, err := unmarshalJSONMap(state)
		if err != nil {
			return nil, waveerr.Wrap(waveerr.KindPersistence, "decode checkpoint state", err)
		}
		cp.State = decoded
		out = append(out, &cp)
	}
	return out, rows.Err()
}

const checkpointColumns = `id, session_id, checkpoint_type, checkpoint_name, story_id, gate, state,
	agent_id, parent_checkpoint_id, created_at`

// ListCheckpointsBySession returns every checkpoint for a session, oldest first.
func (s *Storage) ListCheckpointsBySession(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	rows, err := s.query(ctx, `SELECT `+checkpointColumns+` FROM wave_checkpoints
		WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, waveerr.Wrap(waveerr.KindPersistence, "list checkpoints by session", err)
	}
	return scanCheckpoints(rows)
}

// ListCheckpointsByStory returns every checkpoint scoped to one story.
func (s *Storage) ListCheckpointsByStory(ctx context.Context, sessionID, storyID string) ([]*Checkpoint, error) {
	rows, err := s.query(ctx, `SELECT `+checkpointColumns+` FROM wave_checkpoints
		WHERE session_id = ? AND story_id = ? ORDER BY created_at ASC`, sessionID, storyID)
	if err != nil {
		return nil, waveerr.Wrap(waveerr.KindPersistence, "list checkpoints by story", err)
	}
	return scanCheckpoints(rows)
}

// ListCheckpointsByType filters a session's checkpoints by type.
func (s *Storage) ListCheckpointsByType(ctx context.Context, sessionID string, t CheckpointType) ([]*Checkpoint, error) {
	rows, err := s.query(ctx, `SELECT `+checkpointColumns+` FROM wave_checkpoints
		WHERE session_id = ? AND checkpoint_type = ? ORDER BY created_at ASC`, sessionID, t)
	if err != nil {
		return nil, waveerr.Wrap(waveerr.KindPersistence, "list checkpoints by type", err)
	}
	return scanCheckpoints(rows)
}

// ListCheckpointsByGate filters a session's checkpoints by gate label.
func (s *Storage) ListCheckpointsByGate(ctx context.Context, sessionID, gate string) ([]*Checkpoint, error) {
	rows, err := s.query(ctx, `SELECT `+checkpointColumns+` FROM wave_checkpoints
		WHERE session_id = ? AND gate = ? ORDER BY created_at ASC`, sessionID, gate)
	if err != nil {
		return nil, waveerr.Wrap(waveerr.KindPersistence, "list checkpoints by gate", err)
	}
	return scanCheckpoints(rows)
}

// GetGateCheckpoint returns the most recent gate checkpoint for one story at
// one gate, or nil if there isn't one. This is the (session, story, gate,
// type=gate) query resume_from_gate anchors to.
func (s *Storage) GetGateCheckpoint(ctx context.Context, sessionID, storyID, gate string) (*Checkpoint, error) {
	rows, err := s.query(ctx, `SELECT `+checkpointColumns+` FROM wave_checkpoints
		WHERE session_id = ? AND story_id = ? AND gate = ? AND checkpoint_type = ?
		ORDER BY created_at DESC LIMIT 1`, sessionID, storyID, gate, CheckpointGate)
	if err != nil {
		return nil, waveerr.Wrap(waveerr.KindPersistence, "get gate checkpoint", err)
	}
	cps, err := scanCheckpoints(rows)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, nil
	}
	return cps[0], nil
}

// LatestCheckpoint returns the most recent checkpoint for a session, or nil
// if the session has none.
func (s *Storage) LatestCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	rows, err := s.query(ctx, `SELECT `+checkpointColumns+` FROM wave_checkpoints
		WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID)
	if err != nil {
		return nil, waveerr.Wrap(waveerr.KindPersistence, "latest checkpoint", err)
	}
	cps, err := scanCheckpoints(rows)
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, nil
	}
	return cps[0], nil
}

// CleanupOld trims a session's checkpoint history down to keep rows,
// deleting the oldest first.
func (s *Storage) CleanupOld(ctx context.Context, sessionID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	all, err := s.ListCheckpointsBySession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if len(all) <= keep {
		return 0, nil
	}
	toDelete := all[:len(all)-keep]
	ids := make([]string, len(toDelete))
	for i, cp := range toDelete {
		ids[i] = cp.ID
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.exec(ctx, fmt.Sprintf(`DELETE FROM wave_checkpoints WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return 0, waveerr.Wrap(waveerr.KindPersistence, "cleanup old checkpoints", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Story executions ---

// SaveStoryExecution inserts or updates a StoryExecution row, keyed by
// (session_id, story_id).
func (s *Storage) SaveStoryExecution(ctx context.Context, se *StoryExecution) error {
	filesCreated, err := marshalJSON(se.FilesCreated)
	if err != nil {
		return waveerr.Wrap(waveerr.KindValidation, "marshal files_created", err)
	}
	filesModified, err := marshalJSON(se.FilesModified)
	if err != nil {
		return waveerr.Wrap(waveerr.KindValidation, "marshal files_modified", err)
	}
	meta, err := marshalJSON(se.Metadata)
	if err != nil {
		return waveerr.Wrap(waveerr.KindValidation, "marshal story metadata", err)
	}
	now := time.Now().UTC()
	if se.CreatedAt.IsZero() {
		se.CreatedAt = now
	}
	se.UpdatedAt = now

	_, err = s.exec(ctx, `INSERT INTO wave_story_executions
		(id, session_id, story_id, story_title, domain, agent, status, priority, story_points,
		 retry_count, acceptance_criteria_passed, acceptance_criteria_total, tests_passing,
		 coverage_achieved, files_created, files_modified, branch_name, commit_sha, pr_url,
		 error_message, token_count, cost_usd, metadata, started_at, completed_at, failed_at,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		se.ID, se.SessionID, se.StoryID, se.StoryTitle, se.Domain, se.Agent, se.Status, se.Priority,
		se.StoryPoints, se.RetryCount, se.AcceptanceCriteriaPassed, se.AcceptanceCriteriaTotal,
		se.TestsPassing, se.CoverageAchieved, filesCreated, filesModified, se.BranchName,
		se.CommitSHA, se.PRURL, se.ErrorMessage, se.TokenCount, se.CostUSD, meta,
		nullTime(&se.StartedAt), nullTime(se.CompletedAt), nullTime(se.FailedAt), se.CreatedAt, se.UpdatedAt)
	if err != nil {
		return s.upsertStoryExecutionFallback(ctx, se, filesCreated, filesModified, meta)
	}
	return nil
}

func (s *Storage) upsertStoryExecutionFallback(ctx context.Context, se *StoryExecution, filesCreated, filesModified, meta any) error {
	res, err := s.exec(ctx, `UPDATE wave_story_executions SET
		story_title = ?, domain = ?, agent = ?, status = ?, priority = ?, story_points = ?,
		retry_count = ?, acceptance_criteria_passed = ?, acceptance_criteria_total = ?,
		tests_passing = ?, coverage_achieved = ?, files_created = ?, files_modified = ?,
		branch_name = ?, commit_sha = ?, pr_url = ?, error_message = ?, token_count = ?,
		cost_usd = ?, metadata = ?, started_at = ?, completed_at = ?, failed_at = ?, updated_at = ?
		WHERE session_id = ? AND story_id = ?`,
		se.StoryTitle, se.Domain, se.Agent, se.Status, se.Priority, se.StoryPoints, se.RetryCount,
		se.AcceptanceCriteriaPassed, se.AcceptanceCriteriaTotal, se.TestsPassing, se.CoverageAchieved,
		filesCreated, filesModified, se.BranchName, se.CommitSHA, se.PRURL, se.ErrorMessage,
		se.TokenCount, se.CostUSD, meta, nullTime(&se.StartedAt), nullTime(se.CompletedAt),
		nullTime(se.FailedAt), se.UpdatedAt, se.SessionID, se.StoryID)
	if err != nil {
		return waveerr.Wrap(waveerr.KindPersistence, "save story execution", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return waveerr.Wrap(waveerr.KindPersistence, "save story execution",
			fmt.Errorf("no row inserted or updated for story %s/%s", se.SessionID, se.StoryID))
	}
	return nil
}

const storyExecutionColumns = `id, session_id, story_id, story_title, domain, agent, status, priority,
	story_points, retry_count, acceptance_criteria_passed, acceptance_criteria_total, tests_passing,
	coverage_achieved, files_created, files_modified, branch_name, commit_sha, pr_url, error_message,
	token_count, cost_usd, metadata, started_at, completed_at, failed_at, created_at, updated_at`

func scanStoryExecution(row *sql.Row) (*StoryExecution, error) {
	var se StoryExecution
	var title, agent, priority, filesCreated, filesModified, branch, sha, pr, errMsg, meta sql.NullString
	var started, completed, failed sql.NullTime
	err := row.Scan(&se.ID, &se.SessionID, &se.StoryID, &title, &se.Domain, &agent, &se.Status,
		&priority, &se.StoryPoints, &se.RetryCount, &se.AcceptanceCriteriaPassed,
		&se.AcceptanceCriteriaTotal, &se.TestsPassing, &se.CoverageAchieved, &filesCreated,
		&filesModified, &branch, &sha, &pr, &errMsg, &se.TokenCount, &se.CostUSD, &meta,
		&started, &completed, &failed, &se.CreatedAt, &se.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, waveerr.Wrap(waveerr.KindNotFound, "story execution not found", err)
	}
	if err != nil {
		return nil, waveerr.Wrap(waveerr.KindPersistence, "scan story execution", err)
	}
	se.StoryTitle, se.Agent, se.Priority = title.String, agent.String, priority.String
	se.BranchName, se.CommitSHA, se.PRURL, se.ErrorMessage = branch.String, sha.String, pr.String, errMsg.String
	if se.FilesCreated, err = unmarshalJSONStrings(filesCreated); err != nil {
		return nil, waveerr.Wrap(waveerr.KindPersistence, "decode files_created", err)
	}
	if se.FilesModified, err = unmarshalJSONStrings(filesModified); err != nil {
		return nil, waveerr.Wrap(waveerr.KindPersistence, "decode files_modified", err)
	}
	if se.Metadata, err = unmarshalJSONMap(meta); err != nil {
		return nil, waveerr.Wrap(waveerr.KindPersistence, "decode story metadata", err)
	}
	if started.Valid {
		se.StartedAt = started.Time
	}
	if completed.Valid {
		se.CompletedAt = &completed.Time
	}
	if failed.Valid {
		se.FailedAt = &failed.Time
	}
	return &se, nil
}

// GetStoryExecution loads one story's execution row by (session, story).
func (s *Storage) GetStoryExecution(ctx context.Context, sessionID, storyID string) (*StoryExecution, error) {
	row := s.queryRow(ctx, `SELECT `+storyExecutionColumns+` FROM wave_story_executions
		WHERE session_id = ? AND story_id = ?`, sessionID, storyID)
	return scanStoryExecution(row)
}

// ListStoryExecutionsBySession returns every story execution for a session.
func (s *Storage) ListStoryExecutionsBySession(ctx context.Context, sessionID string) ([]*StoryExecution, error) {
	rows, err := s.query(ctx, `SELECT `+storyExecutionColumns+` FROM wave_story_executions
		WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, waveerr.Wrap(waveerr.KindPersistence, "list story executions", err)
	}
	defer rows.Close()

	var out []*StoryExecution
	for rows.Next() {
		se, err := scanStoryExecutionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

func scanStoryExecutionRows(rows *sql.Rows) (*StoryExecution, error) {
	var se StoryExecution
	var title, agent, priority, filesCreated, filesModified, branch, sha, pr, errMsg, meta sql.NullString
	var started, completed, failed sql.NullTime
	err := rows.Scan(&se.ID, &se.SessionID, &se.StoryID, &title, &se.Domain, &agent, &se.Status,
		&priority, &se.StoryPoints, &se.RetryCount, &se.AcceptanceCriteriaPassed,
		&se.AcceptanceCriteriaTotal, &se.TestsPassing, &se.CoverageAchieved, &filesCreated,
		&filesModified, &branch, &sha, &pr, &errMsg, &se.TokenCount, &se.CostUSD, &meta,
		&started, &completed, &failed, &se.CreatedAt, &se.UpdatedAt)
	if err != nil {
		return nil, waveerr.Wrap(waveerr.KindPersistence, "scan story execution", err)
	}
	se.StoryTitle, se.Agent, se.Priority = title.String, agent.String, priority.String
	se.BranchName, se.CommitSHA, se.PRURL, se.ErrorMessage = branch.String, sha.String, pr.String, errMsg.String
	if se.FilesCreated, err = unmarshalJSONStrings(filesCreated); err != nil {
		return nil, waveerr.Wrap(waveerr.KindPersistence, "decode files_created", err)
	}
	if se.FilesModified, err = unmarshalJSONStrings(filesModified); err != nil {
		return nil, waveerr.Wrap(waveerr.KindPersistence, "decode files_modified", err)
	}
	if se.Metadata, err = unmarshalJSONMap(meta); err != nil {
		return nil, waveerr.Wrap(waveerr.KindPersistence, "decode story metadata", err)
	}
	if started.Valid {
		se.StartedAt = started.Time
	}
	if completed.Valid {
		se.CompletedAt = &completed.Time
	}
	if failed.Valid {
		se.FailedAt = &failed.Time
	}
	return &se, nil
}
