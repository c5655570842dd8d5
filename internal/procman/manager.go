// Package procman spawns and supervises coding-agent CLI processes.
// One process may run per task at a time; ad-hoc interactive sessions get
// their own key space. Output lines fan out to subscribers through bounded
// broadcast topics and every process emits exactly one exit event.
package procman

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/agentdeck/agentdeck/internal/broadcast"
	"github.com/charmbracelet/log"
)

// OutputLine is one line of task-bound agent output.
type OutputLine struct {
	TaskID int64
	Line   string
	Stderr bool
}

// SessionLine is one line of session-bound agent output.
type SessionLine struct {
	SessionID string
	Line      string
	Stderr    bool
}

// ExitEvent is emitted exactly once when a task-bound process terminates.
type ExitEvent struct {
	TaskID    int64
	ExitCode  int
	OutputLog string
}

var (
	// ErrNotRunning is returned when no process exists for the given key.
	ErrNotRunning = errors.New("no process running")
	// ErrAlreadyRunning is returned when a spawn would violate the
	// one-process-per-key invariant.
	ErrAlreadyRunning = errors.New("process already running")
)

const inputBufferSize = 100

// Manager supervises agent processes for tasks and sessions.
type Manager struct {
	logger       *log.Logger
	resolve      CommandResolver
	defaultAgent AgentKind

	tasks    *registry[int64]
	sessions *registry[string]

	output        *broadcast.Topic[OutputLine]
	sessionOutput *broadcast.Topic[SessionLine]
	exits         *broadcast.Topic[ExitEvent]
}

// NewManager creates a process manager.
func NewManager(logger *log.Logger) *Manager {
	return &Manager{
		logger:        logger,
		resolve:       defaultCommand,
		defaultAgent:  AgentClaude,
		tasks:         newRegistry[int64](),
		sessions:      newRegistry[string](),
		output:        broadcast.NewTopic[OutputLine](1000),
		sessionOutput: broadcast.NewTopic[SessionLine](1000),
		exits:         broadcast.NewTopic[ExitEvent](100),
	}
}

// SetCommandResolver replaces the agent invocation table (used by tests).
func (m *Manager) SetCommandResolver(r CommandResolver) {
	m.resolve = r
}

// SetDefaultAgent sets the agent kind used for task-bound spawns.
func (m *Manager) SetDefaultAgent(kind AgentKind) {
	m.defaultAgent = kind
}

// SubscribeOutput subscribes to task-bound output lines.
func (m *Manager) SubscribeOutput() *broadcast.Subscription[OutputLine] {
	return m.output.Subscribe()
}

// SubscribeSessionOutput subscribes to session-bound output lines.
func (m *Manager) SubscribeSessionOutput() *broadcast.Subscription[SessionLine] {
	return m.sessionOutput.Subscribe()
}

// SubscribeExits subscribes to process exit events.
func (m *Manager) SubscribeExits() *broadcast.Subscription[ExitEvent] {
	return m.exits.Subscribe()
}

// IsRunning reports whether a process exists for the task.
func (m *Manager) IsRunning(taskID int64) bool {
	return m.tasks.contains(taskID)
}

// RunningTasks returns the IDs of tasks with a live process.
func (m *Manager) RunningTasks() []int64 {
	return m.tasks.keys()
}

// lineBuffer accumulates output lines for the exit-time log.
type lineBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (b *lineBuffer) append(line string) {
	b.mu.Lock()
	b.lines = append(b.lines, line)
	b.mu.Unlock()
}

func (b *lineBuffer) join() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}

// SpawnTask launches the default agent for a task. Fails if a process is
// already running for the task, the working directory is missing, or the
// agent executable cannot be located.
func (m *Manager) SpawnTask(taskID int64, prompt, workdir string) (int, error) {
	cmd, stdin, stdout, stderr, err := m.prepare(m.defaultAgent, prompt, workdir)
	if err != nil {
		return 0, err
	}

	h := &handle{
		inputCh: make(chan string, inputBufferSize),
		killCh:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if !m.tasks.tryInsert(taskID, h) {
		closePipes(stdin, stdout, stderr)
		return 0, fmt.Errorf("task %d: %w", taskID, ErrAlreadyRunning)
	}

	if err := cmd.Start(); err != nil {
		m.tasks.remove(taskID)
		return 0, fmt.Errorf("spawn %s process (working dir %s): %w", m.defaultAgent, workdir, err)
	}
	h.pid = cmd.Process.Pid
	h.process = cmd.Process

	buffer := &lineBuffer{}
	publish := func(line string, isStderr bool) {
		buffer.append(line)
		m.output.Publish(OutputLine{TaskID: taskID, Line: line, Stderr: isStderr})
	}

	m.supervise(cmd, h, stdin, stdout, stderr, publish, func(code int) {
		m.output.Publish(OutputLine{
			TaskID: taskID,
			Line:   fmt.Sprintf("\n[Process exited with code %d]", code),
		})
		outputLog := buffer.join()
		m.tasks.remove(taskID)
		m.exits.Publish(ExitEvent{TaskID: taskID, ExitCode: code, OutputLog: outputLog})
	})

	return h.pid, nil
}

// SendInput forwards text to a task process's standard input.
func (m *Manager) SendInput(taskID int64, text string) error {
	h, ok := m.tasks.get(taskID)
	if !ok {
		return fmt.Errorf("task %d: %w", taskID, ErrNotRunning)
	}
	return sendInput(h, text)
}

// Kill terminates a task's process. The cooperative stop signal races a
// forced OS-level kill; callers must treat success as "will eventually
// exit", not "exited".
func (m *Manager) Kill(taskID int64) error {
	h, ok := m.tasks.get(taskID)
	if !ok {
		return fmt.Errorf("task %d: %w", taskID, ErrNotRunning)
	}
	kill(h)
	return nil
}

// IsSessionRunning reports whether a process exists for the session.
func (m *Manager) IsSessionRunning(sessionID string) bool {
	return m.sessions.contains(sessionID)
}

// RunningSessions returns the IDs of sessions with a live process.
func (m *Manager) RunningSessions() []string {
	return m.sessions.keys()
}

// SpawnSession launches an agent of the given kind for an interactive
// session. Sessions stream to the session output topic and do not emit
// exit events.
func (m *Manager) SpawnSession(sessionID string, kind AgentKind, prompt, workdir string) (int, error) {
	cmd, stdin, stdout, stderr, err := m.prepare(kind, prompt, workdir)
	if err != nil {
		return 0, err
	}

	h := &handle{
		inputCh: make(chan string, inputBufferSize),
		killCh:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if !m.sessions.tryInsert(sessionID, h) {
		closePipes(stdin, stdout, stderr)
		return 0, fmt.Errorf("session %s: %w", sessionID, ErrAlreadyRunning)
	}

	if err := cmd.Start(); err != nil {
		m.sessions.remove(sessionID)
		return 0, fmt.Errorf("spawn %s process (working dir %s): %w", kind, workdir, err)
	}
	h.pid = cmd.Process.Pid
	h.process = cmd.Process

	m.logger.Info("spawned session agent", "session", sessionID, "agent", kind, "pid", h.pid)

	publish := func(line string, isStderr bool) {
		m.sessionOutput.Publish(SessionLine{SessionID: sessionID, Line: line, Stderr: isStderr})
	}

	m.supervise(cmd, h, stdin, stdout, stderr, publish, func(code int) {
		m.sessions.remove(sessionID)
		m.sessionOutput.Publish(SessionLine{
			SessionID: sessionID,
			Line:      fmt.Sprintf("\n[Process exited with code %d]", code),
		})
	})

	return h.pid, nil
}

// SendSessionInput forwards text to a session process's standard input.
func (m *Manager) SendSessionInput(sessionID, text string) error {
	h, ok := m.sessions.get(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotRunning)
	}
	return sendInput(h, text)
}

// KillSession terminates a session's process.
func (m *Manager) KillSession(sessionID string) error {
	h, ok := m.sessions.get(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotRunning)
	}
	kill(h)
	return nil
}

// prepare validates the working directory and agent executable, then builds
// the command with all three standard streams piped.
func (m *Manager) prepare(kind AgentKind, prompt, workdir string) (*exec.Cmd, io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	if _, err := os.Stat(workdir); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("working directory does not exist: %s", workdir)
	}

	name, args, err := m.resolve(kind, prompt)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if _, err := exec.LookPath(name); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("the %q command is not found in PATH", name)
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = workdir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	return cmd, stdin, stdout, stderr, nil
}

// supervise starts the per-process listeners: stdout and stderr readers,
// the stdin/kill multiplexer, and the completion waiter. The waiter runs
// exactly once per spawn and calls onExit after both readers drain.
func (m *Manager) supervise(cmd *exec.Cmd, h *handle, stdin io.WriteCloser, stdout, stderr io.ReadCloser, publish func(string, bool), onExit func(int)) {
	var readers sync.WaitGroup
	readers.Add(2)

	go func() {
		defer readers.Done()
		scanLines(stdout, func(line string) { publish(line, false) })
	}()
	go func() {
		defer readers.Done()
		scanLines(stderr, func(line string) { publish(line, true) })
	}()

	// stdin/kill multiplexer. done releases it when the process exits on
	// its own; without that it would outlive every naturally-exiting
	// process.
	go func() {
		defer stdin.Close()
		for {
			select {
			case text := <-h.inputCh:
				if _, err := io.WriteString(stdin, text); err != nil {
					m.logger.Error("failed to write to stdin", "pid", h.pid, "error", err)
					return
				}
			case <-h.killCh:
				return
			case <-h.done:
				return
			}
		}
	}()

	// completion waiter
	go func() {
		readers.Wait()
		err := cmd.Wait()
		close(h.done)
		onExit(exitCode(err))
	}()
}

func scanLines(r io.Reader, emit func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		emit(scanner.Text())
	}
}

// closePipes releases the pipe fds of a command that will never start.
func closePipes(stdin io.WriteCloser, stdout, stderr io.ReadCloser) {
	stdin.Close()
	stdout.Close()
	stderr.Close()
}

func sendInput(h *handle, text string) error {
	select {
	case h.inputCh <- text:
		return nil
	default:
		return fmt.Errorf("input buffer full (pid %d)", h.pid)
	}
}

// kill signals the multiplexer to stop forwarding input and force-kills the
// process. The two race on purpose; the process may already be exiting.
func kill(h *handle) {
	select {
	case h.killCh <- struct{}{}:
	default:
	}
	if h.process != nil {
		_ = h.process.Kill()
	}
}

// exitCode extracts a process exit code, with -1 as the sentinel for
// unknown or signal-terminated exits.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	return -1
}
