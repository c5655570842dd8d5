package webapi

import (
	"net/http"

	"github.com/agentdeck/agentdeck/internal/procman"
	"github.com/google/uuid"
)

type createSessionRequest struct {
	Agent   string `json:"agent"`
	Prompt  string `json:"prompt"`
	Workdir string `json:"workdir"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
	Agent     string `json:"agent"`
	PID       int    `json:"pid"`
}

// handleCreateSession spawns an interactive agent session outside the task
// life cycle.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := parseJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Workdir == "" {
		jsonError(w, "workdir is required", http.StatusBadRequest)
		return
	}

	kind := procman.AgentKind(req.Agent)
	if req.Agent == "" {
		kind = procman.AgentClaude
	}
	switch kind {
	case procman.AgentClaude, procman.AgentCodex, procman.AgentGemini:
	default:
		jsonError(w, "unknown agent kind: "+req.Agent, http.StatusBadRequest)
		return
	}

	sessionID := uuid.New().String()
	pid, err := s.manager.SpawnSession(sessionID, kind, req.Prompt, req.Workdir)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	jsonResponse(w, sessionResponse{SessionID: sessionID, Agent: string(kind), PID: pid}, http.StatusCreated)
}

type sessionInputRequest struct {
	Data string `json:"data"`
}

func (s *Server) handleSessionInput(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var req sessionInputRequest
	if err := parseJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.manager.SendSessionInput(sessionID, req.Data); err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]bool{"success": true}, http.StatusOK)
}

func (s *Server) handleSessionKill(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := s.manager.KillSession(sessionID); err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]bool{"success": true}, http.StatusOK)
}
