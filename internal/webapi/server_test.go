package webapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/procman"
	"github.com/agentdeck/agentdeck/internal/worktree"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

type testEnv struct {
	store   *db.DB
	manager *procman.Manager
	server  *Server
	http    *httptest.Server
}

func setup(t *testing.T, script string) *testEnv {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	manager := procman.NewManager(log.New(io.Discard))
	manager.SetCommandResolver(func(kind procman.AgentKind, prompt string) (string, []string, error) {
		return "/bin/sh", []string{"-c", script}, nil
	})

	prov := worktree.NewProvisioner(log.New(io.Discard))
	server := New(Config{Addr: ":0", DB: store, Manager: manager, Prov: prov})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{store: store, manager: manager, server: server, http: ts}
}

func (e *testEnv) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	resp, err := http.Post(e.http.URL+path, "application/json", reader)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func createTask(t *testing.T, store *db.DB, name, status string) *db.Task {
	t.Helper()
	started := db.Now()
	task := &db.Task{
		ClickUpTaskID: "cu-" + name,
		ClickUpListID: "901",
		Name:          name,
		Status:        status,
		StartedAt:     &started,
	}
	if err := store.CreateTask(task); err != nil {
		t.Fatal(err)
	}
	return task
}

func TestListAndGetTasks(t *testing.T) {
	env := setup(t, "true")
	createTask(t, env.store, "first", db.StatusCompleted)
	second := createTask(t, env.store, "second", db.StatusInProgress)

	resp := env.get(t, "/api/tasks")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	tasks := decode[[]*TaskResponse](t, resp)
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}

	resp = env.get(t, "/api/tasks?status=in_progress")
	filtered := decode[[]*TaskResponse](t, resp)
	if len(filtered) != 1 || filtered[0].Name != "second" {
		t.Errorf("filtered = %+v", filtered)
	}

	resp = env.get(t, fmt.Sprintf("/api/tasks/%d", second.ID))
	got := decode[*TaskResponse](t, resp)
	if got.ID != second.ID || got.ClickUpTaskID != "cu-second" || got.IsRunning {
		t.Errorf("task = %+v", got)
	}

	resp = env.get(t, "/api/tasks/99999")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing task status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStats(t *testing.T) {
	env := setup(t, "true")
	createTask(t, env.store, "a", db.StatusCompleted)
	createTask(t, env.store, "b", db.StatusCompleted)
	createTask(t, env.store, "c", db.StatusFailed)

	resp := env.get(t, "/api/tasks/stats")
	stats := decode[map[string]float64](t, resp)
	if stats["completed"] != 2 || stats["failed"] != 1 || stats["in_progress"] != 0 {
		t.Errorf("stats = %v", stats)
	}
	if stats["running_processes"] != 0 {
		t.Errorf("running_processes = %v", stats["running_processes"])
	}
}

func TestStopTask(t *testing.T) {
	env := setup(t, "sleep 30")
	task := createTask(t, env.store, "stoppable", db.StatusInProgress)

	if _, err := env.manager.SpawnTask(task.ID, "", t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.CreateProcessSession(task.ID, 1234); err != nil {
		t.Fatal(err)
	}

	resp := env.post(t, fmt.Sprintf("/api/tasks/%d/stop", task.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
	got := decode[*TaskResponse](t, resp)
	if got.Status != db.StatusStopped {
		t.Errorf("status = %q, want stopped", got.Status)
	}

	open, err := env.store.GetOpenSession(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if open != nil {
		t.Error("session still open after stop")
	}

	// Stopping again is rejected: no longer in progress.
	resp = env.post(t, fmt.Sprintf("/api/tasks/%d/stop", task.ID), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("second stop status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRestartTask(t *testing.T) {
	env := setup(t, "sleep 30")
	if err := env.store.SetSetting(config.KeyAgentPrompt, "follow the rules"); err != nil {
		t.Fatal(err)
	}

	task := createTask(t, env.store, "restartable", db.StatusStopped)
	worktree := t.TempDir()
	if err := env.store.SetTaskWorktree(task.ID, worktree); err != nil {
		t.Fatal(err)
	}

	resp := env.post(t, fmt.Sprintf("/api/tasks/%d/restart", task.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restart status = %d", resp.StatusCode)
	}
	got := decode[*TaskResponse](t, resp)
	if got.Status != db.StatusInProgress || !got.IsRunning {
		t.Errorf("restarted task = %+v", got)
	}
	if got.PID == nil || *got.PID <= 0 {
		t.Errorf("restarted task pid = %v, want live process pid", got.PID)
	}

	open, err := env.store.GetOpenSession(task.ID)
	if err != nil || open == nil {
		t.Fatalf("no open session after restart: %v", err)
	}

	// A second restart is rejected while in progress.
	resp = env.post(t, fmt.Sprintf("/api/tasks/%d/restart", task.ID), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("restart of running task = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	env.manager.Kill(task.ID)
}

func TestRestartRederivesWorktree(t *testing.T) {
	env := setup(t, "sleep 30")
	repo := t.TempDir()
	if err := env.store.SetSetting(config.KeyTargetRepoPath, repo); err != nil {
		t.Fatal(err)
	}

	// The recorded path is gone, but the derived location exists under the
	// configured repo.
	task := createTask(t, env.store, "Fix Login", db.StatusFailed)
	if err := env.store.SetTaskWorktree(task.ID, "/gone/for/sure"); err != nil {
		t.Fatal(err)
	}
	derived := filepath.Join(repo, "worktrees", "fix-login")
	if err := os.MkdirAll(derived, 0755); err != nil {
		t.Fatal(err)
	}

	resp := env.post(t, fmt.Sprintf("/api/tasks/%d/restart", task.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restart status = %d", resp.StatusCode)
	}
	got := decode[*TaskResponse](t, resp)
	if got.WorktreePath != derived || !got.IsRunning {
		t.Errorf("restarted task = %+v, want worktree %q", got, derived)
	}

	logs, err := env.store.GetTaskLogs(task.ID, 50)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, l := range logs {
		if l.EventType == db.EventSystem && strings.Contains(l.Message, "re-derived") {
			found = true
		}
	}
	if !found {
		t.Error("no audit event for the re-derived worktree")
	}

	env.manager.Kill(task.ID)
}

func TestRestartRequiresWorktree(t *testing.T) {
	env := setup(t, "true")
	task := createTask(t, env.store, "no-worktree", db.StatusFailed)

	resp := env.post(t, fmt.Sprintf("/api/tasks/%d/restart", task.ID), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	if err := env.store.SetTaskWorktree(task.ID, "/gone/for/sure"); err != nil {
		t.Fatal(err)
	}
	resp = env.post(t, fmt.Sprintf("/api/tasks/%d/restart", task.ID), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing dir status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCompleteTask(t *testing.T) {
	env := setup(t, "true")
	task := createTask(t, env.store, "stuck", db.StatusInProgress)
	if _, err := env.store.CreateProcessSession(task.ID, 99); err != nil {
		t.Fatal(err)
	}

	resp := env.post(t, fmt.Sprintf("/api/tasks/%d/complete", task.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d", resp.StatusCode)
	}
	got := decode[*TaskResponse](t, resp)
	if got.Status != db.StatusCompleted || got.CompletedAt == "" {
		t.Errorf("completed task = %+v", got)
	}

	sessions, err := env.store.ListSessions(task.ID)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("sessions = %v, %v", sessions, err)
	}
	if sessions[0].ExitCode == nil || *sessions[0].ExitCode != 0 {
		t.Errorf("session exit code = %v, want 0", sessions[0].ExitCode)
	}
}

func TestDeleteTask(t *testing.T) {
	env := setup(t, "true")
	task := createTask(t, env.store, "doomed", db.StatusCompleted)
	if err := env.store.AppendTaskLog(task.ID, db.EventSystem, "hello", nil); err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest(http.MethodDelete, env.http.URL+fmt.Sprintf("/api/tasks/%d", task.ID), nil)
	if err != nil {
		t.Fatal(err)
	}
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", delResp.StatusCode)
	}
	delResp.Body.Close()

	gone, err := env.store.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gone != nil {
		t.Error("task still present after delete")
	}
	logs, err := env.store.GetTaskLogs(task.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 0 {
		t.Errorf("task logs survived delete: %d entries", len(logs))
	}
}

func TestTaskTerminalStreamsOutput(t *testing.T) {
	env := setup(t, `echo ready; sleep 30`)
	task := createTask(t, env.store, "streamed", db.StatusInProgress)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + fmt.Sprintf("/ws/tasks/%d", task.ID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	var connected connectedFrame
	if err := conn.ReadJSON(&connected); err != nil {
		t.Fatalf("read connected frame: %v", err)
	}
	if connected.Type != "connected" || connected.TaskID != task.ID || connected.IsRunning {
		t.Errorf("connected frame = %+v", connected)
	}

	if _, err := env.manager.SpawnTask(task.ID, "", t.TempDir()); err != nil {
		t.Fatal(err)
	}

	var output outputFrame
	if err := conn.ReadJSON(&output); err != nil {
		t.Fatalf("read output frame: %v", err)
	}
	if output.Type != "output" || output.Line != "ready" || output.IsStderr {
		t.Errorf("output frame = %+v", output)
	}

	if err := conn.WriteJSON(inboundFrame{Type: "kill"}); err != nil {
		t.Fatal(err)
	}

	// The exit trailer arrives once the killed process is reaped.
	for {
		var frame outputFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read trailer frame: %v", err)
		}
		if strings.Contains(frame.Line, "[Process exited with code") {
			break
		}
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	env := setup(t, `read line; echo "got $line"`)

	resp := env.post(t, "/api/sessions", createSessionRequest{
		Agent:   "codex",
		Prompt:  "hello",
		Workdir: t.TempDir(),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d", resp.StatusCode)
	}
	created := decode[sessionResponse](t, resp)
	if created.SessionID == "" || created.Agent != "codex" || created.PID <= 0 {
		t.Errorf("session = %+v", created)
	}

	resp = env.post(t, "/api/sessions/"+created.SessionID+"/input", sessionInputRequest{Data: "ping\n"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("input status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	deadline := time.Now().Add(10 * time.Second)
	for env.manager.IsSessionRunning(created.SessionID) {
		if time.Now().After(deadline) {
			t.Fatal("session never exited after input")
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp = env.post(t, "/api/sessions/"+created.SessionID+"/kill", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("kill after exit status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateSessionRejectsUnknownAgent(t *testing.T) {
	env := setup(t, "true")
	resp := env.post(t, "/api/sessions", createSessionRequest{Agent: "hal9000", Workdir: t.TempDir()})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHealth(t *testing.T) {
	env := setup(t, "true")
	resp := env.get(t, "/health")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("health body = %q", body)
	}
}
