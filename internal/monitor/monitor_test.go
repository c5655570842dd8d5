package monitor

import (
	"context"
	"io"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/broadcast"
	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/procman"
	"github.com/charmbracelet/log"
)

type fakeExits struct {
	topic *broadcast.Topic[procman.ExitEvent]
}

func (f fakeExits) SubscribeExits() *broadcast.Subscription[procman.ExitEvent] {
	return f.topic.Subscribe()
}

type fakeOutput struct {
	topic *broadcast.Topic[procman.OutputLine]
}

func (f fakeOutput) SubscribeOutput() *broadcast.Subscription[procman.OutputLine] {
	return f.topic.Subscribe()
}

func testStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func runningTask(t *testing.T, store *db.DB, startedAgo time.Duration, timeSpentMS int64) *db.Task {
	t.Helper()
	started := db.Timestamp{Time: time.Now().Add(-startedAgo)}
	task := &db.Task{
		ClickUpTaskID: "cu-" + t.Name(),
		ClickUpListID: "901",
		Name:          "test task",
		Status:        db.StatusInProgress,
		TimeSpentMS:   timeSpentMS,
		StartedAt:     &started,
	}
	if err := store.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateProcessSession(task.ID, 1234); err != nil {
		t.Fatal(err)
	}
	return task
}

func newTestMonitor(store *db.DB) *ExitMonitor {
	return NewExitMonitor(store, fakeExits{broadcast.NewTopic[procman.ExitEvent](16)}, log.New(io.Discard))
}

func TestHandleExitCompletesTask(t *testing.T) {
	store := testStore(t)
	task := runningTask(t, store, 2*time.Second, 0)
	m := newTestMonitor(store)

	m.HandleExit(procman.ExitEvent{TaskID: task.ID, ExitCode: 0, OutputLog: "line one\nline two"})

	got, err := store.GetTask(task.ID)
	if err != nil || got == nil {
		t.Fatalf("reload task: %v", err)
	}
	if got.Status != db.StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if got.OutputLog != "line one\nline two" {
		t.Errorf("output_log = %q", got.OutputLog)
	}
	if got.TimeSpentMS < 1500 || got.TimeSpentMS > 60_000 {
		t.Errorf("time_spent_ms = %d, want roughly 2000", got.TimeSpentMS)
	}

	session, err := store.GetOpenSession(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if session != nil {
		t.Error("process session still open after exit")
	}
	sessions, err := store.ListSessions(task.ID)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("sessions = %v, %v", sessions, err)
	}
	if sessions[0].ExitCode == nil || *sessions[0].ExitCode != 0 {
		t.Errorf("session exit code = %v, want 0", sessions[0].ExitCode)
	}

	logs, err := store.GetTaskLogs(task.ID, 50)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, l := range logs {
		if l.EventType == db.EventStatus && strings.Contains(l.Message, "completed") {
			found = true
		}
	}
	if !found {
		t.Error("no status-change audit event for completion")
	}
}

func TestHandleExitNonZeroFailsTask(t *testing.T) {
	store := testStore(t)
	task := runningTask(t, store, time.Second, 0)
	m := newTestMonitor(store)

	m.HandleExit(procman.ExitEvent{TaskID: task.ID, ExitCode: 2, OutputLog: "boom"})

	got, _ := store.GetTask(task.ID)
	if got.Status != db.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	sessions, _ := store.ListSessions(task.ID)
	if len(sessions) != 1 || sessions[0].ExitCode == nil || *sessions[0].ExitCode != 2 {
		t.Errorf("session exit code not recorded: %+v", sessions)
	}
}

func TestHandleExitMissingTask(t *testing.T) {
	store := testStore(t)
	m := newTestMonitor(store)

	// Must not panic or error the loop.
	m.HandleExit(procman.ExitEvent{TaskID: 424242, ExitCode: 0, OutputLog: "orphan"})
}

func TestHandleExitClockSkewClampsToZero(t *testing.T) {
	store := testStore(t)
	task := runningTask(t, store, -time.Hour, 500) // started "in the future"
	m := newTestMonitor(store)

	m.HandleExit(procman.ExitEvent{TaskID: task.ID, ExitCode: 0})

	got, _ := store.GetTask(task.ID)
	if got.TimeSpentMS != 500 {
		t.Errorf("time_spent_ms = %d, want unchanged 500", got.TimeSpentMS)
	}
}

func TestHandleExitSaturatesTimeSpent(t *testing.T) {
	store := testStore(t)
	task := runningTask(t, store, time.Second, math.MaxInt32-10)
	m := newTestMonitor(store)

	m.HandleExit(procman.ExitEvent{TaskID: task.ID, ExitCode: 0})

	got, _ := store.GetTask(task.ID)
	if got.TimeSpentMS != math.MaxInt32 {
		t.Errorf("time_spent_ms = %d, want saturated at %d", got.TimeSpentMS, math.MaxInt32)
	}
}

func TestHandleExitNoAccrualWhenStopped(t *testing.T) {
	store := testStore(t)
	task := runningTask(t, store, time.Hour, 100)
	if err := store.UpdateTaskStatus(task.ID, db.StatusStopped); err != nil {
		t.Fatal(err)
	}
	m := newTestMonitor(store)

	m.HandleExit(procman.ExitEvent{TaskID: task.ID, ExitCode: 0})

	got, _ := store.GetTask(task.ID)
	if got.TimeSpentMS != 100 {
		t.Errorf("time_spent_ms = %d, want unchanged 100", got.TimeSpentMS)
	}
}

func TestExitMonitorRunConsumesEvents(t *testing.T) {
	store := testStore(t)
	task := runningTask(t, store, time.Second, 0)

	topic := broadcast.NewTopic[procman.ExitEvent](16)
	m := NewExitMonitor(store, fakeExits{topic}, log.New(io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	topic.Publish(procman.ExitEvent{TaskID: task.ID, ExitCode: 0, OutputLog: "done"})

	deadline := time.After(10 * time.Second)
	for {
		got, err := store.GetTask(task.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == db.StatusCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("task never finalized, status = %q", got.Status)
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestLogPersisterAppendsLines(t *testing.T) {
	store := testStore(t)
	task := runningTask(t, store, time.Second, 0)

	topic := broadcast.NewTopic[procman.OutputLine](16)
	p := NewLogPersister(store, fakeOutput{topic}, log.New(io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	topic.Publish(procman.OutputLine{TaskID: task.ID, Line: "building", Stderr: false})
	topic.Publish(procman.OutputLine{TaskID: task.ID, Line: "warning: deprecated", Stderr: true})

	deadline := time.After(10 * time.Second)
	for {
		logs, err := store.GetTaskLogs(task.ID, 50)
		if err != nil {
			t.Fatal(err)
		}
		var output []*db.TaskLog
		for _, l := range logs {
			if l.EventType == db.EventOutput {
				output = append(output, l)
			}
		}
		if len(output) == 2 {
			if output[0].Message != "building" || output[0].IsStderr == nil || *output[0].IsStderr {
				t.Errorf("first line = %+v", output[0])
			}
			if output[1].Message != "warning: deprecated" || output[1].IsStderr == nil || !*output[1].IsStderr {
				t.Errorf("second line = %+v", output[1])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("persisted %d output lines, want 2", len(output))
		case <-time.After(20 * time.Millisecond):
		}
	}
}
