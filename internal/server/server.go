// Package server exposes the bridge's HTTP surface: the session-management
// REST endpoints and the relay WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/velab/inspector-bridge/internal/protocol"
	"github.com/velab/inspector-bridge/internal/relay"
	"github.com/velab/inspector-bridge/internal/relayerr"
	"github.com/velab/inspector-bridge/internal/session"
)

// Server is the bridge HTTP server.
type Server struct {
	registry *session.Registry
	rel      *relay.Relay
	logger   zerolog.Logger
	httpSrv  *http.Server
}

// New builds the server with its routes registered.
func New(addr string, registry *session.Registry, rel *relay.Relay, logger zerolog.Logger) *Server {
	s := &Server{
		registry: registry,
		rel:      rel,
		logger:   logger.With().Str("component", "server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /debug/session", s.handleStart)
	mux.HandleFunc("GET /debug/session", s.handleCurrent)
	mux.HandleFunc("DELETE /debug/session", s.handleStop)
	mux.HandleFunc("DELETE /debug/session/{id}", s.handleStop)
	mux.HandleFunc("GET /debug/sessions", s.handleHistory)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.logRequests(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe runs the server until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and tears down the active session.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.registry.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("session stop during shutdown failed")
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req protocol.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.File == "" {
		s.writeError(w, http.StatusBadRequest, "file is required")
		return
	}

	info, err := s.registry.Start(r.Context(), req.File, req.BreakOnStart)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, protocol.SessionResponse{Session: *info})
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	info := s.registry.Current()
	if info == nil {
		s.writeError(w, http.StatusNotFound, "No active session")
		return
	}
	s.writeJSON(w, http.StatusOK, protocol.SessionResponse{Session: *info})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	// The path id is advisory; the bridge only ever has one session, and
	// stopping an already-stopped session succeeds.
	if id := r.PathValue("id"); id != "" && id != s.registry.CurrentID() && s.registry.CurrentID() != "" {
		s.writeError(w, http.StatusNotFound, "unknown session id")
		return
	}
	if err := s.registry.Stop(r.Context()); err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, protocol.SuccessResponse{Success: true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	infos, err := s.registry.History(50)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if infos == nil {
		infos = []protocol.SessionInfo{}
	}
	s.writeJSON(w, http.StatusOK, protocol.SessionListResponse{Sessions: infos})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if !s.registry.VerifyToken(token) {
		s.writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}
	s.rel.HandleClient(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"clients": s.rel.ClientCount(),
	}
	if info := s.registry.Current(); info != nil {
		body["session"] = info.SessionID
		body["state"] = info.Status
	}
	s.writeJSON(w, http.StatusOK, body)
}

// writeMappedError translates the error taxonomy into HTTP status codes.
func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case relayerr.IsPathViolation(err):
		status = http.StatusBadRequest
	case relayerr.IsSessionConflict(err):
		status = http.StatusConflict
	case relayerr.IsTimeout(err):
		status = http.StatusGatewayTimeout
	case relayerr.IsConnection(err):
		status = http.StatusConflict
	case relayerr.IsState(err):
		status = http.StatusConflict
	default:
		var pe *relayerr.ProcessError
		if errors.As(err, &pe) {
			status = http.StatusBadGateway
		}
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, protocol.ErrorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
