// Package webapi exposes the orchestration engine over REST and WebSocket:
// task inspection and lifecycle actions, live terminal streaming, and ad-hoc
// agent sessions.
package webapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/agentdeck/agentdeck/internal/db"
	"github.com/agentdeck/agentdeck/internal/procman"
	"github.com/agentdeck/agentdeck/internal/worktree"
	"github.com/charmbracelet/log"
)

// Server is the HTTP API server.
type Server struct {
	store   *db.DB
	manager *procman.Manager
	prov    *worktree.Provisioner
	addr    string
	logger  *log.Logger
}

// Config holds server configuration.
type Config struct {
	Addr    string
	DB      *db.DB
	Manager *procman.Manager
	Prov    *worktree.Provisioner
}

// New creates an API server.
func New(cfg Config) *Server {
	return &Server{
		store:   cfg.DB,
		manager: cfg.Manager,
		prov:    cfg.Prov,
		addr:    cfg.Addr,
		logger:  log.NewWithOptions(os.Stderr, log.Options{Prefix: "webapi"}),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/stats", s.handleStats)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("GET /api/tasks/{id}/logs", s.handleGetTaskLogs)
	mux.HandleFunc("POST /api/tasks/{id}/stop", s.handleStopTask)
	mux.HandleFunc("POST /api/tasks/{id}/restart", s.handleRestartTask)
	mux.HandleFunc("POST /api/tasks/{id}/complete", s.handleCompleteTask)

	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("POST /api/sessions/{id}/input", s.handleSessionInput)
	mux.HandleFunc("POST /api/sessions/{id}/kill", s.handleSessionKill)

	mux.HandleFunc("GET /ws/tasks/{id}", s.handleTaskTerminal)
	mux.HandleFunc("GET /ws/sessions/{id}", s.handleSessionTerminal)

	return s.loggingMiddleware(mux)
}

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting API server", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack forwards to the underlying ResponseWriter so WebSocket upgrades
// work through the logging middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

// JSON response helpers
func jsonResponse(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	jsonResponse(w, map[string]string{"error": message}, status)
}

func parseJSON(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// getIDParam extracts an ID from the URL path.
func getIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
