// Package http serves the memory management API and the host hook
// endpoints.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/hybridmem/internal/admin"
	"github.com/nextlevelbuilder/hybridmem/internal/config"
	"github.com/nextlevelbuilder/hybridmem/internal/memory"
)

const maxBodyBytes = 1 << 20 // 1 MB

// Server wires the engine to HTTP routes.
type Server struct {
	engine  *memory.Engine
	admin   *admin.Dispatcher
	auth    *Authenticator
	limiter *RateLimiter
	addr    string
	handler http.Handler
}

// NewServer creates a server for engine. The dispatcher backs POST /api/admin.
func NewServer(engine *memory.Engine, dispatcher *admin.Dispatcher, cfg config.GatewayConfig) *Server {
	s := &Server{
		engine:  engine,
		admin:   dispatcher,
		auth:    NewAuthenticator(cfg),
		limiter: NewRateLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst),
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	}

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	s.handler = s.limiter.middleware(mux)
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.addr }

// Handler returns the root handler with rate limiting applied.
func (s *Server) Handler() http.Handler { return s.handler }

// RegisterRoutes registers all routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/stats", s.auth.middleware(s.handleStats))
	mux.HandleFunc("POST /api/admin", s.auth.middleware(s.handleAdmin))

	mux.HandleFunc("GET /api/memories/long", s.auth.middleware(s.handleListLong))
	mux.HandleFunc("GET /api/memories/long/search", s.auth.middleware(s.handleSearchLong))
	mux.HandleFunc("POST /api/memories/long", s.auth.middleware(s.handleAddLong))
	mux.HandleFunc("POST /api/memories/long/rebuild-index", s.auth.middleware(s.handleRebuildIndex))
	mux.HandleFunc("GET /api/memories/long/{id}", s.auth.middleware(s.handleGetLong))
	mux.HandleFunc("PUT /api/memories/long/{id}", s.auth.middleware(s.handleUpdateLong))
	mux.HandleFunc("DELETE /api/memories/long/{id}", s.auth.middleware(s.handleDeleteLong))

	mux.HandleFunc("GET /api/memories/short", s.auth.middleware(s.handleListSessions))
	mux.HandleFunc("POST /api/memories/short", s.auth.middleware(s.handleAppendShort))
	mux.HandleFunc("GET /api/memories/short/{id}", s.auth.middleware(s.handleGetSession))
	mux.HandleFunc("PUT /api/memories/short/{id}", s.auth.middleware(s.handleUpdateShort))
	mux.HandleFunc("DELETE /api/memories/short/{id}", s.auth.middleware(s.handleDeleteShort))

	mux.HandleFunc("POST /v1/hooks/message", s.auth.middleware(s.handleHookMessage))
	mux.HandleFunc("POST /v1/hooks/response", s.auth.middleware(s.handleHookResponse))
	mux.HandleFunc("POST /v1/hooks/context", s.auth.middleware(s.handleHookContext))
	mux.HandleFunc("POST /v1/hooks/reset", s.auth.middleware(s.handleHookReset))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()
	slog.Info("http server listening", "addr", ln.Addr().String(), "auth", !s.auth.Open(), "rate_limit", s.limiter.Enabled())

	select {
	case err := <-errCh:
		s.limiter.Stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := httpSrv.Shutdown(shutdownCtx)
	s.limiter.Stop()
	slog.Info("http server stopped")
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"long_term": s.engine.LongTerm.Enabled(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	token, ok := s.auth.Login(req.Username, req.Password)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false})
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(loginTTL / time.Second),
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if tok := requestToken(r); tok != "" {
		s.auth.Logout(tok)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	out, err := s.admin.Execute(r.Context(), req.Command)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"output": out, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write json response failed", "error", err)
	}
}

// writeError maps engine errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, memory.ErrValidation), errors.Is(err, admin.ErrUsage):
		return http.StatusBadRequest
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, memory.ErrDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// readJSON decodes the request body into v, writing a 400 on failure.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return false
	}
	return true
}

// queryInt parses an integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", memory.ErrValidation, name)
	}
	return n, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid id %q", memory.ErrValidation, r.PathValue("id"))
	}
	return id, nil
}
