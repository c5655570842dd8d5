package db

import (
	"database/sql"
	"fmt"
)

// Task represents an orchestrated task ingested from ClickUp.
type Task struct {
	ID            int64
	ClickUpTaskID string
	ClickUpListID string
	Name          string
	Description   string
	Priority      *int // lower = more urgent; nil = no priority set
	Status        string
	WorktreePath  string
	TimeSpentMS   int64
	StartedAt     *Timestamp
	CompletedAt   *Timestamp
	OutputLog     string
	CreatedAt     Timestamp
	UpdatedAt     Timestamp
}

// Task statuses
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusStopped    = "stopped"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const taskColumns = `id, clickup_task_id, clickup_list_id, name,
	COALESCE(description, ''), priority, status, COALESCE(worktree_path, ''),
	time_spent_ms, started_at, completed_at, COALESCE(output_log, ''),
	created_at, updated_at`

// CreateTask creates a new task. The task's ID is filled in on success.
func (db *DB) CreateTask(t *Task) error {
	if t.Status == "" {
		t.Status = StatusQueued
	}
	now := Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	var priority interface{}
	if t.Priority != nil {
		priority = *t.Priority
	}
	var startedAt interface{}
	if t.StartedAt != nil {
		startedAt = *t.StartedAt
	}

	result, err := db.Exec(`
		INSERT INTO tasks (clickup_task_id, clickup_list_id, name, description,
			priority, status, worktree_path, time_spent_ms, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ClickUpTaskID, t.ClickUpListID, t.Name, t.Description,
		priority, t.Status, t.WorktreePath, t.TimeSpentMS, startedAt, now, now)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	t.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get task id: %w", err)
	}
	return nil
}

func scanTask(row interface{ Scan(...interface{}) error }) (*Task, error) {
	t := &Task{}
	var priority sql.NullInt64
	var startedAt, completedAt sql.NullString
	err := row.Scan(
		&t.ID, &t.ClickUpTaskID, &t.ClickUpListID, &t.Name,
		&t.Description, &priority, &t.Status, &t.WorktreePath,
		&t.TimeSpentMS, &startedAt, &completedAt, &t.OutputLog,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if priority.Valid {
		p := int(priority.Int64)
		t.Priority = &p
	}
	if startedAt.Valid && startedAt.String != "" {
		ts := Timestamp{}
		if err := ts.parse(startedAt.String); err != nil {
			return nil, err
		}
		t.StartedAt = &ts
	}
	if completedAt.Valid && completedAt.String != "" {
		ts := Timestamp{}
		if err := ts.parse(completedAt.String); err != nil {
			return nil, err
		}
		t.CompletedAt = &ts
	}
	return t, nil
}

// GetTask retrieves a task by ID. Returns nil if not found.
func (db *DB) GetTask(id int64) (*Task, error) {
	t, err := scanTask(db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// GetTaskByClickUpID retrieves a task by its ClickUp task ID. Returns nil if not found.
func (db *DB) GetTaskByClickUpID(clickupTaskID string) (*Task, error) {
	t, err := scanTask(db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE clickup_task_id = ?`, clickupTaskID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task by clickup id: %w", err)
	}
	return t, nil
}

// ListTasks retrieves tasks, newest first, optionally filtered by status.
func (db *DB) ListTasks(status string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountTasksByStatus returns the number of tasks with the given status.
func (db *DB) CountTasksByStatus(status string) (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM tasks WHERE status = ?", status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

// UpdateTaskStatus updates a task's status.
func (db *DB) UpdateTaskStatus(id int64, status string) error {
	_, err := db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, Now(), id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// MarkTaskStarted transitions a task to in_progress with a fresh start timestamp.
func (db *DB) MarkTaskStarted(id int64) error {
	now := Now()
	_, err := db.Exec(`UPDATE tasks SET status = ?, started_at = ?, updated_at = ? WHERE id = ?`,
		StatusInProgress, now, now, id)
	if err != nil {
		return fmt.Errorf("mark task started: %w", err)
	}
	return nil
}

// FinalizeTask records a task's terminal state after its process exited:
// final status, completion timestamp, accumulated time, and the full output log.
func (db *DB) FinalizeTask(id int64, status string, timeSpentMS int64, outputLog string) error {
	now := Now()
	_, err := db.Exec(`
		UPDATE tasks SET status = ?, completed_at = ?, time_spent_ms = ?, output_log = ?, updated_at = ?
		WHERE id = ?
	`, status, now, timeSpentMS, outputLog, now, id)
	if err != nil {
		return fmt.Errorf("finalize task: %w", err)
	}
	return nil
}

// SetTaskWorktree records the worktree path assigned to a task.
func (db *DB) SetTaskWorktree(id int64, path string) error {
	_, err := db.Exec(`UPDATE tasks SET worktree_path = ?, updated_at = ? WHERE id = ?`,
		path, Now(), id)
	if err != nil {
		return fmt.Errorf("set task worktree: %w", err)
	}
	return nil
}

// DeleteTask deletes a task. Process sessions and logs cascade.
func (db *DB) DeleteTask(id int64) error {
	_, err := db.Exec("DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}
