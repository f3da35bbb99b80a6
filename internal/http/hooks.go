package http

import (
	"net/http"

	"github.com/nextlevelbuilder/hybridmem/internal/memory"
)

type hookRequest struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// handleHookMessage records an incoming user message.
func (s *Server) handleHookMessage(w http.ResponseWriter, r *http.Request) {
	var req hookRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.engine.Coordinator.OnMessage(r.Context(), req.SessionID, req.Content); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"turn_count": s.engine.Coordinator.TurnCount(r.Context(), req.SessionID),
	})
}

// handleHookResponse records an assistant response.
func (s *Server) handleHookResponse(w http.ResponseWriter, r *http.Request) {
	var req hookRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.engine.Coordinator.OnResponse(r.Context(), req.SessionID, req.Content); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleHookContext builds the memory context for an outgoing model
// request and returns the system prompt with the context appended.
func (s *Server) handleHookContext(w http.ResponseWriter, r *http.Request) {
	var req memory.PromptRequest
	if !readJSON(w, r, &req) {
		return
	}

	block := s.engine.Retriever.Inject(r.Context(), &req)
	writeJSON(w, http.StatusOK, map[string]any{
		"context":       block,
		"system_prompt": req.SystemPrompt,
		"injected":      block != "",
	})
}

// handleHookReset clears a session after the host resets the conversation.
func (s *Server) handleHookReset(w http.ResponseWriter, r *http.Request) {
	var req hookRequest
	if !readJSON(w, r, &req) {
		return
	}
	if err := s.engine.Coordinator.ResetSession(r.Context(), req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
