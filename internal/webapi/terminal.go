package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/broadcast"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local single-operator daemon
	},
}

// Outbound frame shapes, tagged with "type" exactly as the frontend expects.

type outputFrame struct {
	Type     string `json:"type"` // "output"
	Line     string `json:"line"`
	IsStderr bool   `json:"is_stderr"`
}

type connectedFrame struct {
	Type      string `json:"type"` // "connected"
	TaskID    int64  `json:"task_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	IsRunning bool   `json:"is_running"`
}

type errorFrame struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// inboundFrame covers both accepted client frames: input carries data,
// kill carries nothing.
type inboundFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

const writeTimeout = 10 * time.Second

// termConn serializes writes; the output forwarder and the read loop's
// error frames share one connection.
type termConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *termConn) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// handleTaskTerminal streams a task's agent output and forwards input/kill
// frames back to its process.
func (s *Server) handleTaskTerminal(w http.ResponseWriter, r *http.Request) {
	taskID, err := getIDParam(r)
	if err != nil {
		jsonError(w, "invalid task ID", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	term := &termConn{conn: conn}

	// Subscribe before the connected frame so no line between the two is
	// missed.
	sub := s.manager.SubscribeOutput()

	if err := term.write(connectedFrame{
		Type:      "connected",
		TaskID:    taskID,
		IsRunning: s.manager.IsRunning(taskID),
	}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			line, err := sub.Recv(ctx)
			if err != nil {
				var lagged broadcast.ErrLagged
				if errors.As(err, &lagged) {
					continue // live viewers skip dropped backlog
				}
				return
			}
			if line.TaskID != taskID {
				continue
			}
			if err := term.write(outputFrame{Type: "output", Line: line.Line, IsStderr: line.Stderr}); err != nil {
				return
			}
		}
	}()

	s.readTerminalFrames(term,
		func(data string) error { return s.manager.SendInput(taskID, data) },
		func() error { return s.manager.Kill(taskID) },
	)
}

// handleSessionTerminal is the session-keyed variant of the task terminal.
func (s *Server) handleSessionTerminal(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		jsonError(w, "missing session ID", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	term := &termConn{conn: conn}

	sub := s.manager.SubscribeSessionOutput()

	if err := term.write(connectedFrame{
		Type:      "connected",
		SessionID: sessionID,
		IsRunning: s.manager.IsSessionRunning(sessionID),
	}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			line, err := sub.Recv(ctx)
			if err != nil {
				var lagged broadcast.ErrLagged
				if errors.As(err, &lagged) {
					continue
				}
				return
			}
			if line.SessionID != sessionID {
				continue
			}
			if err := term.write(outputFrame{Type: "output", Line: line.Line, IsStderr: line.Stderr}); err != nil {
				return
			}
		}
	}()

	s.readTerminalFrames(term,
		func(data string) error { return s.manager.SendSessionInput(sessionID, data) },
		func() error { return s.manager.KillSession(sessionID) },
	)
}

// readTerminalFrames consumes client frames until the connection drops.
func (s *Server) readTerminalFrames(term *termConn, input func(string) error, kill func() error) {
	for {
		_, data, err := term.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "input":
			if err := input(frame.Data); err != nil {
				s.logger.Error("failed to send input", "error", err)
				term.write(errorFrame{Type: "error", Message: err.Error()})
			}
		case "kill":
			if err := kill(); err != nil {
				s.logger.Error("failed to kill process", "error", err)
				term.write(errorFrame{Type: "error", Message: err.Error()})
			}
		}
	}
}
