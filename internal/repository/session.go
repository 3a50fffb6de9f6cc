// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Grounded on ClusterCockpit-cc-backend/internal/repository/job.go's
// Start/Stop lifecycle pattern, applied to Session rows instead of Jobs.
// SessionRepository implements engine.StatusListener so the Session Engine
// can persist status/metadata transitions without importing this package.
package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/clustercockpit/acquisition-gateway/internal/engine"
	"github.com/clustercockpit/acquisition-gateway/internal/schema"
	"github.com/clustercockpit/acquisition-gateway/pkg/log"
)

var _ engine.StatusListener = (*SessionRepository)(nil)

type SessionRepository struct {
	db *sqlx.DB
}

func NewSessionRepository() *SessionRepository {
	return &SessionRepository{db: GetConnection().DB}
}

// Create inserts a new Running Session row for taskID.
func (r *SessionRepository) Create(taskID int64) (int64, error) {
	res, err := r.db.Exec(`INSERT INTO session (task_id, status, started_at) VALUES (?, ?, ?)`,
		taskID, string(schema.SessionRunning), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("repository: create session for task %d: %w", taskID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("repository: create session id: %w", err)
	}
	return id, nil
}

// ByID loads one Session by its ID.
func (r *SessionRepository) ByID(id int64) (schema.Session, error) {
	var s schema.Session
	var status, errMsg sql.NullString
	var stoppedAt sql.NullTime
	var metaRaw sql.NullString

	row := r.db.QueryRow(`SELECT id, task_id, status, started_at, stopped_at, error_message, metadata FROM session WHERE id = ?`, id)
	if err := row.Scan(&s.ID, &s.TaskID, &status, &s.StartedAt, &stoppedAt, &errMsg, &metaRaw); err != nil {
		if err == sql.ErrNoRows {
			return s, fmt.Errorf("repository: session %d not found", id)
		}
		return s, fmt.Errorf("repository: load session %d: %w", id, err)
	}

	s.Status = schema.SessionStatus(status.String)
	s.ErrorMessage = errMsg.String
	if stoppedAt.Valid {
		t := stoppedAt.Time
		s.StoppedAt = &t
	}
	meta, err := schema.UnmarshalSessionMetadata([]byte(metaRaw.String))
	if err != nil {
		return s, fmt.Errorf("repository: decode session %d metadata: %w", id, err)
	}
	s.Metadata = meta
	return s, nil
}

// RunningForTask returns the IDs of every Session currently marked Running
// for taskID. The lifecycle API uses this to enforce "at most one Running
// Session per Task" (spec §4.2) before starting a new one.
func (r *SessionRepository) RunningForTask(taskID int64) ([]int64, error) {
	var ids []int64
	if err := r.db.Select(&ids, `SELECT id FROM session WHERE task_id = ? AND status = ?`, taskID, string(schema.SessionRunning)); err != nil {
		return nil, fmt.Errorf("repository: running sessions for task %d: %w", taskID, err)
	}
	return ids, nil
}

// UpdateStatus implements engine.StatusListener.
func (r *SessionRepository) UpdateStatus(sessionID int64, status schema.SessionStatus, errMsg string, stoppedAt *time.Time) error {
	_, err := r.db.Exec(`UPDATE session SET status = ?, error_message = ?, stopped_at = ? WHERE id = ?`,
		string(status), errMsg, stoppedAt, sessionID)
	if err != nil {
		return fmt.Errorf("repository: update session %d status: %w", sessionID, err)
	}
	return nil
}

// UpdateMetadata implements engine.StatusListener.
func (r *SessionRepository) UpdateMetadata(sessionID int64, meta schema.SessionMetadata) error {
	raw, err := meta.Marshal()
	if err != nil {
		return fmt.Errorf("repository: encode session %d metadata: %w", sessionID, err)
	}
	if _, err := r.db.Exec(`UPDATE session SET metadata = ? WHERE id = ?`, string(raw), sessionID); err != nil {
		return fmt.Errorf("repository: update session %d metadata: %w", sessionID, err)
	}
	return nil
}

// RecoverStaleSessions implements the restart-recovery rule from spec §4.5:
// any Session still marked Running when the process starts cannot actually
// be running (its owning Engine died with the process), so each such row
// is deleted and its Task code is returned for the caller to re-enqueue as
// a fresh Session.
func (r *SessionRepository) RecoverStaleSessions() ([]string, error) {
	rows, err := r.db.Query(`SELECT s.id, t.code FROM session s JOIN task t ON t.id = s.task_id WHERE s.status = ?`, string(schema.SessionRunning))
	if err != nil {
		return nil, fmt.Errorf("repository: query stale sessions: %w", err)
	}

	type stale struct {
		id   int64
		code string
	}
	var found []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.id, &s.code); err != nil {
			rows.Close()
			return nil, fmt.Errorf("repository: scan stale session: %w", err)
		}
		found = append(found, s)
	}
	rows.Close()

	codes := make([]string, 0, len(found))
	for _, s := range found {
		if _, err := r.db.Exec(`DELETE FROM session WHERE id = ?`, s.id); err != nil {
			log.Warnf("repository: failed to delete stale session %d: %s", s.id, err)
			continue
		}
		log.Warnf("repository: recovered stale running session %d for task %q", s.id, s.code)
		codes = append(codes, s.code)
	}
	return codes, nil
}
