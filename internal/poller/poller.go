// Package poller runs the scheduling loop: it watches ClickUp for tasks in
// the trigger status, provisions a worktree for each new one, and hands it
// to the process manager, up to the configured parallel limit.
package poller

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agentdeck/agentdeck/internal/clickup"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/worktree"
	"github.com/charmbracelet/log"
)

// TaskSource fetches candidate tasks and pushes status transitions to the
// external tracker.
type TaskSource interface {
	GetTasks(ctx context.Context, listID, status string) ([]clickup.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID, status string) error
}

// Provisioner creates isolated worktrees for spawned agents.
type Provisioner interface {
	EnsureRoot(repoPath string) error
	Fetch(ctx context.Context, repoPath string)
	Add(ctx context.Context, repoPath, branch, path, baseBranch string) error
	Path(repoPath, worktreeName string) string
}

// Spawner launches an agent process for a task.
type Spawner interface {
	SpawnTask(taskID int64, prompt, workdir string) (int, error)
}

// Poller is the scheduler loop.
type Poller struct {
	store     *db.DB
	logger    *log.Logger
	prov      Provisioner
	spawner   Spawner
	newSource func() (TaskSource, error)
}

// New creates a poller. newSource is called every tick so that token
// changes in settings take effect without a restart.
func New(store *db.DB, logger *log.Logger, prov Provisioner, spawner Spawner, newSource func() (TaskSource, error)) *Poller {
	return &Poller{
		store:     store,
		logger:    logger,
		prov:      prov,
		spawner:   spawner,
		newSource: newSource,
	}
}

// Run ticks until the context is cancelled. The interval is re-read from
// settings on every iteration.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("poller started", "interval_seconds", config.PollIntervalSeconds(p.store))
	for {
		interval := time.Duration(config.PollIntervalSeconds(p.store)) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			p.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass. Exported for tests and the CLI.
func (p *Poller) Tick(ctx context.Context) {
	settings, err := config.Load(p.store)
	if err != nil {
		p.logger.Error("failed to load settings", "error", err)
		return
	}

	if settings.ListID == "" {
		p.logger.Debug("no ClickUp list configured, skipping poll")
		return
	}
	if settings.RepoPath == "" {
		p.logger.Debug("no target repo path configured, skipping poll")
		return
	}

	inProgress, err := p.store.CountTasksByStatus(db.StatusInProgress)
	if err != nil {
		p.logger.Error("failed to count in-progress tasks", "error", err)
		return
	}
	slots := settings.ParallelLimit - inProgress
	if slots <= 0 {
		p.logger.Debug("no available slots", "limit", settings.ParallelLimit, "in_progress", inProgress)
		return
	}

	source, err := p.newSource()
	if err != nil {
		p.logger.Error("failed to create task source", "error", err)
		return
	}

	candidates, err := source.GetTasks(ctx, settings.ListID, settings.TriggerStatus)
	if err != nil {
		p.logger.Error("failed to fetch tasks", "error", err)
		return
	}
	if len(candidates) == 0 {
		p.logger.Debug("no tasks in trigger status", "status", settings.TriggerStatus)
		return
	}

	// Urgent first; tasks without a priority go last.
	sort.SliceStable(candidates, func(i, j int) bool {
		return priorityRank(candidates[i].Priority) < priorityRank(candidates[j].Priority)
	})

	started := 0
	for _, candidate := range candidates {
		if started >= slots {
			break
		}
		if p.ingest(ctx, source, settings, candidate) {
			started++
		}
	}
}

func priorityRank(p *clickup.Priority) int {
	if n := clickup.PriorityToInt(p); n != nil {
		return *n
	}
	return 99
}

// ingest takes one candidate from trigger status to a running agent.
// Returns true when a slot was consumed (the task was inserted locally),
// false when the candidate was skipped entirely.
func (p *Poller) ingest(ctx context.Context, source TaskSource, settings config.Settings, candidate clickup.Task) bool {
	existing, err := p.store.GetTaskByClickUpID(candidate.ID)
	if err != nil {
		p.logger.Error("failed to check for existing task", "clickup_task", candidate.ID, "error", err)
		return false
	}
	if existing != nil {
		p.logger.Debug("task already known, skipping", "clickup_task", candidate.ID)
		return false
	}

	p.logger.Info("processing new task", "name", candidate.Name, "clickup_task", candidate.ID)

	worktreeName := worktree.SanitizeName(candidate.Name)
	branch := worktree.BranchName(candidate.ID, worktreeName)
	worktreePath := p.prov.Path(settings.RepoPath, worktreeName)

	// Advance the remote status first. If ClickUp rejects the transition
	// the candidate stays eligible for a later tick and nothing is
	// recorded locally.
	if err := source.UpdateTaskStatus(ctx, candidate.ID, settings.TargetStatus); err != nil {
		p.logger.Error("failed to update remote status", "clickup_task", candidate.ID, "error", err)
		return false
	}

	now := db.Now()
	task := &db.Task{
		ClickUpTaskID: candidate.ID,
		ClickUpListID: candidate.List.ID,
		Name:          candidate.Name,
		Description:   candidate.Description,
		Priority:      clickup.PriorityToInt(candidate.Priority),
		Status:        db.StatusInProgress,
		WorktreePath:  worktreePath,
		StartedAt:     &now,
	}
	if err := p.store.CreateTask(task); err != nil {
		p.logger.Error("failed to insert task", "clickup_task", candidate.ID, "error", err)
		return false
	}

	p.logEvent(task.ID, db.EventSystem, "Task created from ClickUp")
	p.logEvent(task.ID, db.EventRemote,
		fmt.Sprintf("ClickUp status updated: %s -> %s", settings.TriggerStatus, settings.TargetStatus))

	if err := p.prov.EnsureRoot(settings.RepoPath); err != nil {
		p.failTask(task.ID, fmt.Sprintf("worktrees dir create failed: %v", err))
		return true
	}

	p.prov.Fetch(ctx, settings.RepoPath)

	if err := p.prov.Add(ctx, settings.RepoPath, branch, worktreePath, settings.DevBranch); err != nil {
		p.failTask(task.ID, fmt.Sprintf("git worktree failed: %v", err))
		return true
	}
	p.logEvent(task.ID, db.EventSystem,
		fmt.Sprintf("Worktree created at %s (branch %s)", worktreePath, branch))

	prompt := BuildPrompt(candidate.Name, candidate.Description, settings.AgentPrompt)

	pid, err := p.spawner.SpawnTask(task.ID, prompt, worktreePath)
	if err != nil {
		p.failTask(task.ID, fmt.Sprintf("agent spawn failed: %v", err))
		return true
	}

	p.logger.Info("spawned agent", "task", task.ID, "pid", pid)
	p.logEvent(task.ID, db.EventSystem, fmt.Sprintf("Agent spawned (PID: %d)", pid))

	if _, err := p.store.CreateProcessSession(task.ID, pid); err != nil {
		p.logger.Warn("failed to record process session", "task", task.ID, "error", err)
	}
	return true
}

// BuildPrompt combines a task's description with the global agent
// instructions. Tasks without a description get a minimal fallback.
func BuildPrompt(name, description, globalPrompt string) string {
	if description == "" {
		description = fmt.Sprintf("Complete task: %s", name)
	}
	if globalPrompt == "" {
		return description
	}
	return fmt.Sprintf("## Task\n%s\n\n## Instructions\n%s", description, globalPrompt)
}

func (p *Poller) failTask(taskID int64, note string) {
	if err := p.store.UpdateTaskStatus(taskID, db.StatusFailed); err != nil {
		p.logger.Error("failed to mark task failed", "task", taskID, "error", err)
	}
	if err := p.store.LogStatusChange(taskID, db.StatusInProgress, db.StatusFailed, note); err != nil {
		p.logger.Warn("failed to log status change", "task", taskID, "error", err)
	}
}

func (p *Poller) logEvent(taskID int64, kind, message string) {
	if err := p.store.AppendTaskLog(taskID, kind, message, nil); err != nil {
		p.logger.Warn("failed to append task log", "task", taskID, "error", err)
	}
}
