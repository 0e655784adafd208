// Package api runs the HTTP status/control server.
//
// It is the operator surface over the trading core: read-only status
// queries per strategy and per user, plus stop controls. It deliberately
// carries no authentication of its own and is meant to be reachable only
// from the operator's network.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"alpha-volume-bot/internal/runner"
)

// Server exposes status queries and stop controls over HTTP.
type Server struct {
	manager *runner.Manager
	server  *http.Server
	logger  *slog.Logger
}

// NewServer creates the API server on the given port.
func NewServer(port int, manager *runner.Manager, logger *slog.Logger) *Server {
	s := &Server{
		manager: manager,
		logger:  logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/strategies", s.handleStrategies)
	mux.HandleFunc("GET /api/strategies/{id}", s.handleStrategy)
	mux.HandleFunc("POST /api/strategies/{id}/stop", s.handleStopStrategy)
	mux.HandleFunc("POST /api/stop", s.handleStopAll)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"running": s.manager.Running(),
		"users":   s.manager.Board().Snapshot(),
	})
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	states := s.manager.Board().Strategy(id)
	if len(states) == 0 {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown strategy"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"strategy_id": id,
		"users":       states,
	})
}

func (s *Server) handleStopStrategy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.manager.Stop(id)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "strategy_id": id})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	s.manager.StopAll()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
