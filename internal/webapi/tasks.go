package webapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/monitor"
	"github.com/agentdeck/agentdeck/internal/poller"
	"github.com/agentdeck/agentdeck/internal/procman"
	"github.com/agentdeck/agentdeck/internal/worktree"
)

// TaskResponse is the JSON shape for a task, including live process state.
type TaskResponse struct {
	ID            int64  `json:"id"`
	ClickUpTaskID string `json:"clickup_task_id"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Priority      *int   `json:"priority"`
	Status        string `json:"status"`
	WorktreePath  string `json:"worktree_path,omitempty"`
	TimeSpentMS   int64  `json:"time_spent_ms"`
	StartedAt     string `json:"started_at,omitempty"`
	CompletedAt   string `json:"completed_at,omitempty"`
	IsRunning     bool   `json:"is_running"`
	PID           *int   `json:"pid,omitempty"`
}

func (s *Server) taskResponse(task *db.Task) *TaskResponse {
	resp := &TaskResponse{
		ID:            task.ID,
		ClickUpTaskID: task.ClickUpTaskID,
		Name:          task.Name,
		Description:   task.Description,
		Priority:      task.Priority,
		Status:        task.Status,
		WorktreePath:  task.WorktreePath,
		TimeSpentMS:   task.TimeSpentMS,
		IsRunning:     s.manager.IsRunning(task.ID),
	}
	if task.StartedAt != nil {
		resp.StartedAt = task.StartedAt.Format(time.RFC3339)
	}
	if task.CompletedAt != nil {
		resp.CompletedAt = task.CompletedAt.Format(time.RFC3339)
	}
	if resp.IsRunning {
		if session, err := s.store.GetOpenSession(task.ID); err == nil && session != nil {
			resp.PID = session.PID
		}
	}
	return resp
}

// loadTask fetches a task by path ID, writing the error response itself
// when the ID is bad or the task is missing.
func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) *db.Task {
	id, err := getIDParam(r)
	if err != nil {
		jsonError(w, "invalid task ID", http.StatusBadRequest)
		return nil
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return nil
	}
	if task == nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return nil
	}
	return task
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.URL.Query().Get("status"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := make([]*TaskResponse, 0, len(tasks))
	for _, task := range tasks {
		resp = append(resp, s.taskResponse(task))
	}
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task := s.loadTask(w, r)
	if task == nil {
		return
	}
	jsonResponse(w, s.taskResponse(task), http.StatusOK)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{}
	for _, status := range []string{
		db.StatusQueued, db.StatusInProgress, db.StatusStopped, db.StatusCompleted, db.StatusFailed,
	} {
		count, err := s.store.CountTasksByStatus(status)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		stats[status] = count
	}
	stats["running_processes"] = len(s.manager.RunningTasks())
	jsonResponse(w, stats, http.StatusOK)
}

func (s *Server) handleGetTaskLogs(w http.ResponseWriter, r *http.Request) {
	task := s.loadTask(w, r)
	if task == nil {
		return
	}
	logs, err := s.store.GetTaskLogs(task.ID, 1000)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]interface{}{
		"task_id": task.ID,
		"name":    task.Name,
		"status":  task.Status,
		"log":     task.OutputLog,
		"events":  logs,
	}, http.StatusOK)
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	task := s.loadTask(w, r)
	if task == nil {
		return
	}
	if task.Status != db.StatusInProgress {
		jsonError(w, "task is not in progress", http.StatusBadRequest)
		return
	}

	if err := s.manager.Kill(task.ID); err != nil && !errors.Is(err, procman.ErrNotRunning) {
		s.logger.Error("failed to kill process", "task", task.ID, "error", err)
	}

	if err := s.store.UpdateTaskStatus(task.ID, db.StatusStopped); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.CloseOpenSessions(task.ID, nil); err != nil {
		s.logger.Error("failed to close process sessions", "task", task.ID, "error", err)
	}
	if err := s.store.LogStatusChange(task.ID, db.StatusInProgress, db.StatusStopped, "stopped by operator"); err != nil {
		s.logger.Warn("failed to log status change", "task", task.ID, "error", err)
	}

	updated, err := s.store.GetTask(task.ID)
	if err != nil || updated == nil {
		jsonError(w, "task vanished during stop", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, s.taskResponse(updated), http.StatusOK)
}

func (s *Server) handleRestartTask(w http.ResponseWriter, r *http.Request) {
	task := s.loadTask(w, r)
	if task == nil {
		return
	}
	if task.Status != db.StatusStopped && task.Status != db.StatusFailed {
		jsonError(w, "task must be stopped or failed to restart", http.StatusBadRequest)
		return
	}
	workdir, err := s.ensureWorkspace(r.Context(), task)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	agentPrompt, err := s.store.GetSetting(config.KeyAgentPrompt)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	prompt := poller.BuildPrompt(task.Name, task.Description, agentPrompt)

	pid, err := s.manager.SpawnTask(task.ID, prompt, workdir)
	if err != nil {
		jsonError(w, fmt.Sprintf("failed to restart: %v", err), http.StatusBadRequest)
		return
	}
	s.logger.Info("restarted task", "task", task.ID, "pid", pid)

	if err := s.store.MarkTaskStarted(task.ID); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err := s.store.CreateProcessSession(task.ID, pid); err != nil {
		s.logger.Warn("failed to record process session", "task", task.ID, "error", err)
	}
	if err := s.store.LogStatusChange(task.ID, task.Status, db.StatusInProgress, "restarted by operator"); err != nil {
		s.logger.Warn("failed to log status change", "task", task.ID, "error", err)
	}

	updated, err := s.store.GetTask(task.ID)
	if err != nil || updated == nil {
		jsonError(w, "task vanished during restart", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, s.taskResponse(updated), http.StatusOK)
}

// ensureWorkspace returns a usable worktree path for a restart. A recorded
// path that still exists wins; otherwise the path is re-derived from the
// current target repo settings and provisioned if needed.
func (s *Server) ensureWorkspace(ctx context.Context, task *db.Task) (string, error) {
	if task.WorktreePath != "" {
		if _, err := os.Stat(task.WorktreePath); err == nil {
			return task.WorktreePath, nil
		}
	}
	if s.prov == nil {
		return "", fmt.Errorf("worktree path does not exist: %s", task.WorktreePath)
	}

	settings, err := config.Load(s.store)
	if err != nil {
		return "", err
	}
	if settings.RepoPath == "" {
		return "", fmt.Errorf("task has no worktree and no target repo is configured")
	}

	name := worktree.SanitizeName(task.Name)
	path := s.prov.Path(settings.RepoPath, name)
	if _, err := os.Stat(path); err != nil {
		if err := s.prov.EnsureRoot(settings.RepoPath); err != nil {
			return "", err
		}
		s.prov.Fetch(ctx, settings.RepoPath)
		branch := worktree.BranchName(task.ClickUpTaskID, name)
		if err := s.prov.Add(ctx, settings.RepoPath, branch, path, settings.DevBranch); err != nil {
			return "", err
		}
	}

	if err := s.store.SetTaskWorktree(task.ID, path); err != nil {
		return "", err
	}
	if err := s.store.AppendTaskLog(task.ID, db.EventSystem,
		fmt.Sprintf("Worktree re-derived at %s", path), nil); err != nil {
		s.logger.Warn("failed to append task log", "task", task.ID, "error", err)
	}
	task.WorktreePath = path
	return path, nil
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	task := s.loadTask(w, r)
	if task == nil {
		return
	}

	if s.manager.IsRunning(task.ID) {
		if err := s.manager.Kill(task.ID); err != nil {
			s.logger.Warn("failed to kill process", "task", task.ID, "error", err)
		}
	}

	timeSpent := task.TimeSpentMS
	if task.Status == db.StatusInProgress && task.StartedAt != nil {
		timeSpent = monitor.AccrueElapsed(timeSpent, task.StartedAt.Time, time.Now())
	}

	if err := s.store.FinalizeTask(task.ID, db.StatusCompleted, timeSpent, task.OutputLog); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	zero := 0
	if err := s.store.CloseOpenSessions(task.ID, &zero); err != nil {
		s.logger.Error("failed to close process sessions", "task", task.ID, "error", err)
	}
	if err := s.store.LogStatusChange(task.ID, task.Status, db.StatusCompleted, "manually completed"); err != nil {
		s.logger.Warn("failed to log status change", "task", task.ID, "error", err)
	}

	s.logger.Info("task manually marked as completed", "task", task.ID)

	updated, err := s.store.GetTask(task.ID)
	if err != nil || updated == nil {
		jsonError(w, "task vanished during completion", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, s.taskResponse(updated), http.StatusOK)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	task := s.loadTask(w, r)
	if task == nil {
		return
	}

	if task.Status == db.StatusInProgress {
		if err := s.manager.Kill(task.ID); err != nil && !errors.Is(err, procman.ErrNotRunning) {
			s.logger.Warn("failed to kill process", "task", task.ID, "error", err)
		}
	}

	if err := s.store.DeleteTask(task.ID); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Best-effort worktree cleanup.
	if task.WorktreePath != "" && s.prov != nil {
		if _, err := os.Stat(task.WorktreePath); err == nil {
			settings, err := config.Load(s.store)
			if err == nil && settings.RepoPath != "" {
				if err := s.prov.Remove(context.Background(), settings.RepoPath, task.WorktreePath); err != nil {
					s.logger.Warn("failed to remove worktree", "task", task.ID, "error", err)
				}
			}
		}
	}

	s.logger.Info("deleted task", "task", task.ID, "name", task.Name)
	jsonResponse(w, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Task %d deleted", task.ID),
	}, http.StatusOK)
}
