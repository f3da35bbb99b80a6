package http

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/nextlevelbuilder/hybridmem/internal/config"
	"github.com/nextlevelbuilder/hybridmem/internal/memory"
)

const (
	defaultListLimit  = 100
	defaultSearchK    = 5
	defaultImportance = 0.5
	maxSearchK        = 100
)

func (s *Server) handleListLong(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	records, err := s.engine.LongTerm.ListAll(r.Context(), limit, max(offset, 0))
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []memory.LongTermRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleSearchLong(w http.ResponseWriter, r *http.Request) {
	k, err := queryInt(r, "k", defaultSearchK)
	if err != nil {
		writeError(w, err)
		return
	}
	results, err := s.engine.LongTerm.Search(r.Context(), r.URL.Query().Get("q"), min(k, maxSearchK))
	if err != nil {
		writeError(w, err)
		return
	}
	if results == nil {
		results = []memory.SearchResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleAddLong(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content    string            `json:"content"`
		SessionID  string            `json:"session_id"`
		Importance *float64          `json:"importance"`
		Metadata   map[string]string `json:"metadata"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	importance := defaultImportance
	if req.Importance != nil {
		importance = *req.Importance
	}
	meta := req.Metadata
	if meta == nil {
		meta = map[string]string{memory.MetaSource: memory.SourceManual}
	}

	sessionID, err := config.SessionIDOrDefault(req.SessionID)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %w", memory.ErrValidation, err))
		return
	}
	id, err := s.engine.LongTerm.Add(r.Context(), req.Content, sessionID, importance, meta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleGetLong(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.engine.LongTerm.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateLong(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	ok, err := s.engine.LongTerm.Update(r.Context(), id, req.Content)
	writeResult(w, ok, err)
}

func (s *Server) handleDeleteLong(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ok, err := s.engine.LongTerm.Delete(r.Context(), id)
	writeResult(w, ok, err)
}

func (s *Server) handleRebuildIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.LongTerm.RebuildIndex(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.engine.ShortTerm.ListSessions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []memory.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleGetSession returns a session window; ?q= filters it by substring.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	var (
		msgs []memory.ShortTermMessage
		err  error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		msgs, err = s.engine.ShortTerm.SearchSession(r.Context(), sessionID, q)
	} else {
		var limit int
		limit, err = queryInt(r, "limit", 0)
		if err == nil {
			msgs, err = s.engine.ShortTerm.GetWindow(r.Context(), sessionID, limit)
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []memory.ShortTermMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleAppendShort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Role      string `json:"role"`
		Content   string `json:"content"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	role := memory.Role(req.Role)
	if role == "" {
		role = memory.RoleUser
	}
	sessionID, err := config.SessionIDOrDefault(req.SessionID)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %w", memory.ErrValidation, err))
		return
	}
	id, err := s.engine.ShortTerm.Append(r.Context(), sessionID, role, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleUpdateShort(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	ok, err := s.engine.ShortTerm.Update(r.Context(), id, req.Content)
	writeResult(w, ok, err)
}

// handleDeleteShort deletes one message when {id} is numeric, otherwise
// clears the session named by {id}.
func (s *Server) handleDeleteShort(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("id")
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		ok, err := s.engine.ShortTerm.Delete(r.Context(), id)
		writeResult(w, ok, err)
		return
	}
	if err := s.engine.Coordinator.ResetSession(r.Context(), raw); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// writeResult reports a boolean store result; false means the id was unknown.
func writeResult(w http.ResponseWriter, ok bool, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "memory not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
