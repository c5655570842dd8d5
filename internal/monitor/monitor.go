// Package monitor hosts the background consumers that map process events
// back onto task state: the exit reconciler and the output log persister.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/agentdeck/agentdeck/internal/broadcast"
	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/procman"
	"github.com/charmbracelet/log"
)

// ExitSource provides exit event subscriptions.
type ExitSource interface {
	SubscribeExits() *broadcast.Subscription[procman.ExitEvent]
}

// OutputSource provides task output subscriptions.
type OutputSource interface {
	SubscribeOutput() *broadcast.Subscription[procman.OutputLine]
}

// ExitMonitor consumes exit events and finalizes task state.
type ExitMonitor struct {
	store  *db.DB
	sub    *broadcast.Subscription[procman.ExitEvent]
	logger *log.Logger
}

// NewExitMonitor creates an exit monitor. The subscription starts at
// construction so no event between construction and Run is lost.
func NewExitMonitor(store *db.DB, source ExitSource, logger *log.Logger) *ExitMonitor {
	return &ExitMonitor{store: store, sub: source.SubscribeExits(), logger: logger}
}

// Run consumes exit events until the context is cancelled. A lagged
// subscription loses events but never stops the loop.
func (m *ExitMonitor) Run(ctx context.Context) {
	for {
		event, err := m.sub.Recv(ctx)
		if err != nil {
			var lagged broadcast.ErrLagged
			if errors.As(err, &lagged) {
				m.logger.Warn("exit monitor lagged", "missed", lagged.Missed)
				continue
			}
			return
		}
		m.logger.Info("process exit event received", "task", event.TaskID, "exit_code", event.ExitCode)
		m.HandleExit(event)
	}
}

// HandleExit applies one exit event to the task store.
func (m *ExitMonitor) HandleExit(event procman.ExitEvent) {
	finalStatus := db.StatusFailed
	if event.ExitCode == 0 {
		finalStatus = db.StatusCompleted
	}

	task, err := m.store.GetTask(event.TaskID)
	if err != nil {
		m.logger.Error("failed to load task on exit", "task", event.TaskID, "error", err)
	} else if task == nil {
		// Deleted while its process was still running. Accepted race.
		m.logger.Warn("could not find task to update on exit", "task", event.TaskID)
	} else {
		timeSpent := task.TimeSpentMS
		if task.Status == db.StatusInProgress && task.StartedAt != nil {
			timeSpent = AccrueElapsed(timeSpent, task.StartedAt.Time, time.Now())
		}

		if err := m.store.FinalizeTask(event.TaskID, finalStatus, timeSpent, event.OutputLog); err != nil {
			m.logger.Error("failed to finalize task on exit", "task", event.TaskID, "error", err)
		} else {
			m.logger.Info("task finalized", "task", event.TaskID, "status", finalStatus,
				"exit_code", event.ExitCode, "time_spent_ms", timeSpent)
			note := fmt.Sprintf("exit code %d", event.ExitCode)
			if err := m.store.LogStatusChange(event.TaskID, task.Status, finalStatus, note); err != nil {
				m.logger.Warn("failed to log status change", "task", event.TaskID, "error", err)
			}
		}
	}

	code := event.ExitCode
	if err := m.store.CloseOpenSessions(event.TaskID, &code); err != nil {
		m.logger.Error("failed to close process sessions", "task", event.TaskID, "error", err)
	}
}

// AccrueElapsed adds wall time since start to the accumulated total.
// Negative elapsed (clock skew) counts as zero and the total saturates
// rather than overflowing.
func AccrueElapsed(current int64, started, now time.Time) int64 {
	elapsed := now.Sub(started).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	} else if elapsed > math.MaxInt32 {
		elapsed = math.MaxInt32
	}
	total := current + elapsed
	if total < current || total > math.MaxInt32 {
		total = math.MaxInt32
	}
	return total
}

// LogPersister appends every task output line to the audit log. The
// persisted exit-time log on the task itself is the durable source of
// truth; this trail exists for incremental inspection while a task runs.
type LogPersister struct {
	store  *db.DB
	sub    *broadcast.Subscription[procman.OutputLine]
	logger *log.Logger
}

// NewLogPersister creates a log persister.
func NewLogPersister(store *db.DB, source OutputSource, logger *log.Logger) *LogPersister {
	return &LogPersister{store: store, sub: source.SubscribeOutput(), logger: logger}
}

// Run consumes output lines until the context is cancelled.
func (p *LogPersister) Run(ctx context.Context) {
	for {
		line, err := p.sub.Recv(ctx)
		if err != nil {
			var lagged broadcast.ErrLagged
			if errors.As(err, &lagged) {
				p.logger.Warn("log persister lagged", "missed", lagged.Missed)
				continue
			}
			return
		}
		isStderr := line.Stderr
		if err := p.store.AppendTaskLog(line.TaskID, db.EventOutput, line.Line, &isStderr); err != nil {
			p.logger.Error("failed to persist output line", "task", line.TaskID, "error", err)
		}
	}
}
