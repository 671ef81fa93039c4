package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/qraft-dev/qraft/internal/archive"
	"github.com/qraft-dev/qraft/internal/consts"
	"github.com/qraft-dev/qraft/internal/logger"
	"github.com/qraft-dev/qraft/internal/queue"
)

// Server exposes the REST and SSE surface of the queue manager.
type Server struct {
	manager *queue.Manager
	store   *archive.Store // nil disables persisted visibility and history
	router  *httprouter.Router
	server  *http.Server
	addr    string

	heartbeat time.Duration // SSE keep-alive interval, shortened in tests
}

// NewServer wires the routes. store may be nil.
func NewServer(manager *queue.Manager, store *archive.Store, host string, port int) *Server {
	s := &Server{
		manager: manager,
		store:   store,
		router:  httprouter.New(),
		addr:    fmt.Sprintf("%s:%d", host, port),

		heartbeat: consts.HeartbeatInterval,
	}
	s.setupRoutes()
	return s
}

// Handler returns the routing handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the HTTP server until Stop or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	logger.Info("Listening on %s", s.addr)
	return s.server.ListenAndServe()
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), consts.ShutdownTimeout)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	s.router.POST("/prompt", s.handlePrompt)
	s.router.POST("/submit", s.handleSubmit)

	s.router.GET("/queue/status", s.handleQueueStatus)
	s.router.GET("/prompt-queue", s.handlePromptQueue)
	s.router.POST("/prompt-queue/:id/cancel", s.handleCancelPrompt)

	s.router.GET("/sessions", s.handleSessions)
	// "/sessions/hidden" shares the pattern with "/sessions/:id"; the id
	// handler treats "hidden" as a reserved id.
	s.router.GET("/sessions/:id", s.handleSessionByID)
	s.router.GET("/sessions/:id/stream", s.handleStream)
	s.router.POST("/sessions/:id/cancel", s.handleCancelSession)
	s.router.PUT("/sessions/:id/hidden", s.handleSetHidden)
}

// writeError emits the boundary error shape {error, code}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": msg,
		"code":  status,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response: %v", err)
	}
}

// statusForError maps core errors to HTTP status codes. The core reports
// failures through human-readable messages only; the boundary matches on
// "not found" for 404.
func statusForError(err error) int {
	switch err.(type) {
	case *queue.ValidationError:
		return http.StatusBadRequest
	case *queue.NotFoundError:
		return http.StatusNotFound
	}
	if strings.Contains(err.Error(), "not found") {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
