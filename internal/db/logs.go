package db

import (
	"database/sql"
	"fmt"
)

// Audit event kinds for task log entries.
const (
	EventOutput = "output"  // a line of agent stdout/stderr
	EventStatus = "status"  // a status transition
	EventRemote = "clickup" // a remote-sync action against ClickUp
	EventSystem = "system"  // engine-originated notes (spawn, worktree, ...)
)

// TaskLog is one audit event attached to a task.
type TaskLog struct {
	ID        int64
	TaskID    int64
	EventType string
	Message   string
	IsStderr  *bool
	CreatedAt Timestamp
}

// AppendTaskLog appends an audit event to a task's log. isStderr is only
// meaningful for output events; pass nil otherwise.
func (db *DB) AppendTaskLog(taskID int64, eventType, message string, isStderr *bool) error {
	var stderrArg interface{}
	if isStderr != nil {
		stderrArg = *isStderr
	}
	_, err := db.Exec(`
		INSERT INTO task_logs (task_id, event_type, message, is_stderr, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, eventType, message, stderrArg, Now())
	if err != nil {
		return fmt.Errorf("append task log: %w", err)
	}
	return nil
}

// LogStatusChange records a status transition audit event.
func (db *DB) LogStatusChange(taskID int64, from, to, note string) error {
	message := fmt.Sprintf("Status changed: %s -> %s", from, to)
	if note != "" {
		message = fmt.Sprintf("Status changed: %s -> %s (%s)", from, to, note)
	}
	return db.AppendTaskLog(taskID, EventStatus, message, nil)
}

// GetTaskLogs returns up to limit log entries for a task, oldest first.
func (db *DB) GetTaskLogs(taskID int64, limit int) ([]*TaskLog, error) {
	rows, err := db.Query(`
		SELECT id, task_id, event_type, message, is_stderr, created_at
		FROM task_logs WHERE task_id = ? ORDER BY id LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query task logs: %w", err)
	}
	defer rows.Close()

	var logs []*TaskLog
	for rows.Next() {
		l := &TaskLog{}
		var isStderr sql.NullBool
		if err := rows.Scan(&l.ID, &l.TaskID, &l.EventType, &l.Message, &isStderr, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task log: %w", err)
		}
		if isStderr.Valid {
			v := isStderr.Bool
			l.IsStderr = &v
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
