// Package server exposes the orchestrator and queue over HTTP, including
// the SSE event stream clients use as a refetch hint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/forgeops/foreman/internal/errors"
	"github.com/forgeops/foreman/internal/event"
	"github.com/forgeops/foreman/internal/inbox"
	"github.com/forgeops/foreman/internal/logging"
	"github.com/forgeops/foreman/internal/orchestrator"
)

type Server struct {
	orch   *orchestrator.Orchestrator
	queue  *inbox.Coordinator
	bus    *event.Bus
	logger *logging.Logger
	server *http.Server
}

func New(port int, orch *orchestrator.Orchestrator, queue *inbox.Coordinator, bus *event.Bus, logger *logging.Logger) *Server {
	s := &Server{
		orch:   orch,
		queue:  queue,
		bus:    bus,
		logger: logger,
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("POST /api/tasks/{id}/retry", s.handleRetryTask)
	mux.HandleFunc("POST /api/tasks/{id}/answers", s.handleSubmitAnswers)
	mux.HandleFunc("POST /api/tasks/{id}/plan", s.handleResolvePlan)
	mux.HandleFunc("POST /api/tasks/{id}/implement", s.handleStartImplementation)
	mux.HandleFunc("POST /api/tasks/{id}/approve", s.handleApproveReview)
	mux.HandleFunc("GET /api/tasks/{id}/logs", s.handleTaskLogs)

	mux.HandleFunc("GET /api/inbox", s.handleListInbox)
	mux.HandleFunc("POST /api/inbox/{id}/respond", s.handleRespondItem)
	mux.HandleFunc("POST /api/inbox/{id}/read", s.handleMarkRead)

	mux.HandleFunc("GET /api/events", s.handleEventStream)

	return mux
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("API server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the error taxonomy onto HTTP statuses: bad input
// is 400, unknown resources 404, stale state 409, the rest 500.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.IsConflict(err) || errors.Is(err, errors.ErrTaskTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.IsValidation(err),
		errors.Is(err, errors.ErrInvalidResponse),
		errors.Is(err, errors.ErrIncompleteAnswers):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
