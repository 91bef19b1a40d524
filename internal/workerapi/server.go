// Package workerapi is the small HTTP server a worker exposes so the Hub
// can invoke worktree Commit/Discard out-of-band from the claim
// lifecycle, plus a health check.
package workerapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/goyais/worker/internal/worktree"
	"github.com/goyais/worker/pkg/protocol"
)

// Server exposes GET /health and the worktree commit/discard endpoints.
// The /internal/* routes require the shared internal token; /health does
// not, so load balancers can probe it.
type Server struct {
	Version       string
	InternalToken string
	AllowInsecure bool
	mux           *http.ServeMux
}

// New builds a Server with all routes registered. internalToken is the
// value WORKER_INTERNAL_TOKEN resolves to; allowInsecure corresponds to
// GOYAIS_ALLOW_INSECURE_INTERNAL_TOKEN.
func New(version, internalToken string, allowInsecure bool) *Server {
	s := &Server{Version: version, InternalToken: internalToken, AllowInsecure: allowInsecure, mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /internal/executions/{id}/commit", s.authed(s.handleCommit))
	s.mux.HandleFunc("POST /internal/executions/{id}/discard", s.authed(s.handleDiscard))
	return s
}

// ServeHTTP implements http.Handler. Every response echoes the request's
// X-Trace-Id, per the Hub contract.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if traceID := r.Header.Get(protocol.HeaderTraceID); traceID != "" {
		w.Header().Set(protocol.HeaderTraceID, traceID)
	}
	s.mux.ServeHTTP(w, r)
}

// authed enforces the internal-token check on Hub-facing routes. A worker
// with no token configured answers 503 AUTH_INTERNAL_TOKEN_NOT_CONFIGURED
// unless the allow-insecure flag is set.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.InternalToken == "" {
			if !s.AllowInsecure {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "AUTH_INTERNAL_TOKEN_NOT_CONFIGURED"})
				return
			}
			next(w, r)
			return
		}
		if r.Header.Get(protocol.HeaderInternalToken) != s.InternalToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "AUTH_INVALID_INTERNAL_TOKEN"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.HealthResponse{OK: true, Version: s.Version})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req protocol.CommitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	sha, err := worktree.Commit(r.Context(), req.WorktreeRoot, req.Message, req.GitName, req.GitEmail)
	if err != nil {
		status := http.StatusInternalServerError
		if err == worktree.ErrNothingToCommit {
			status = http.StatusConflict
		}
		slog.Warn("workerapi.commit_failed", "execution_id", r.PathValue("id"), "error", err)
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, protocol.CommitResponse{CommitSHA: sha})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	var req protocol.DiscardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	executionID := r.PathValue("id")
	if err := worktree.Remove(r.Context(), req.RepoRoot, executionID, true); err != nil {
		slog.Warn("workerapi.discard_failed", "execution_id", executionID, "error", err)
	}
	writeJSON(w, http.StatusOK, protocol.DiscardResponse{Status: "discarded"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
