package db

import (
	"database/sql"
	"fmt"
)

// ProcessSession records one agent process lifetime for a task.
// At most one open session (no ended_at) exists per task at a time.
type ProcessSession struct {
	ID        int64
	TaskID    int64
	PID       *int
	StartedAt Timestamp
	EndedAt   *Timestamp
	ExitCode  *int
}

// CreateProcessSession inserts a new open session row for a task.
func (db *DB) CreateProcessSession(taskID int64, pid int) (*ProcessSession, error) {
	s := &ProcessSession{TaskID: taskID, StartedAt: Now()}
	if pid > 0 {
		s.PID = &pid
	}

	var pidArg interface{}
	if s.PID != nil {
		pidArg = *s.PID
	}
	result, err := db.Exec(`
		INSERT INTO process_sessions (task_id, pid, started_at) VALUES (?, ?, ?)
	`, taskID, pidArg, s.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("create process session: %w", err)
	}
	s.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get session id: %w", err)
	}
	return s, nil
}

// CloseOpenSessions ends all open sessions for a task with the given exit code.
// Passing a nil exit code closes the session without one (explicit stop).
func (db *DB) CloseOpenSessions(taskID int64, exitCode *int) error {
	var codeArg interface{}
	if exitCode != nil {
		codeArg = *exitCode
	}
	_, err := db.Exec(`
		UPDATE process_sessions SET ended_at = ?, exit_code = ?
		WHERE task_id = ? AND ended_at IS NULL
	`, Now(), codeArg, taskID)
	if err != nil {
		return fmt.Errorf("close process sessions: %w", err)
	}
	return nil
}

// GetOpenSession returns the open session for a task, or nil if none.
func (db *DB) GetOpenSession(taskID int64) (*ProcessSession, error) {
	s, err := scanSession(db.QueryRow(`
		SELECT id, task_id, pid, started_at, ended_at, exit_code
		FROM process_sessions WHERE task_id = ? AND ended_at IS NULL
		ORDER BY id DESC LIMIT 1
	`, taskID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query open session: %w", err)
	}
	return s, nil
}

// ListSessions returns all sessions for a task, oldest first.
func (db *DB) ListSessions(taskID int64) ([]*ProcessSession, error) {
	rows, err := db.Query(`
		SELECT id, task_id, pid, started_at, ended_at, exit_code
		FROM process_sessions WHERE task_id = ? ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ProcessSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func scanSession(row interface{ Scan(...interface{}) error }) (*ProcessSession, error) {
	s := &ProcessSession{}
	var pid, exitCode sql.NullInt64
	var endedAt sql.NullString
	err := row.Scan(&s.ID, &s.TaskID, &pid, &s.StartedAt, &endedAt, &exitCode)
	if err != nil {
		return nil, err
	}
	if pid.Valid {
		p := int(pid.Int64)
		s.PID = &p
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		s.ExitCode = &c
	}
	if endedAt.Valid && endedAt.String != "" {
		ts := Timestamp{}
		if err := ts.parse(endedAt.String); err != nil {
			return nil, err
		}
		s.EndedAt = &ts
	}
	return s, nil
}
