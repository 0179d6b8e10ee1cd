// Package api exposes the local QA mirror and sync runs over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JohanCodinha/qatrack/internal/diagnose"
	"github.com/JohanCodinha/qatrack/internal/jira"
	"github.com/JohanCodinha/qatrack/internal/logger"
	"github.com/JohanCodinha/qatrack/internal/status"
	"github.com/JohanCodinha/qatrack/internal/store"
	"github.com/JohanCodinha/qatrack/internal/sync"
)

// Pinger checks the Jira credential.
type Pinger interface {
	Myself(ctx context.Context) (*jira.User, error)
}

// Deps are the components the server serves. Runner, Resolver and Jira may
// be nil in tests that do not touch them.
type Deps struct {
	DB       *store.DB
	Jira     Pinger
	Runner   *sync.Runner
	Statuses status.Store
	Resolver *diagnose.Resolver
	Resetter *sync.Resetter
	// Cycles enables the Zephyr endpoints.
	Cycles bool
}

// Server is the HTTP API server.
type Server struct {
	deps   Deps
	router chi.Router
	http   *http.Server
}

// NewServer builds the router for deps.
func NewServer(deps Deps) *Server {
	s := &Server{deps: deps, router: chi.NewRouter()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(requestIDMiddleware, loggingMiddleware, recoveryMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/connection", s.handleConnection)

		r.Get("/projects", s.handleListProjects)
		r.Get("/projects/{key}", s.handleGetProject)
		r.Get("/projects/{key}/tasks", s.handleListTasks)
		r.Get("/projects/{key}/report", s.handleReport)
		r.Get("/projects/{key}/export", s.handleExport)

		r.Get("/tasks/{key}", s.handleGetTask)
		r.Patch("/tasks/{key}", s.handleUpdateTask)
		r.Get("/tasks/{key}/links", s.handleListLinks)
		r.Post("/tasks/{key}/links", s.handleCreateLink)
		r.Delete("/tasks/{key}/links/{id}", s.handleDeleteLink)

		r.Get("/sync/runs", s.handleListRuns)
		r.Post("/sync/{key}", s.handleStartSync)
		r.Get("/sync/{key}/status", s.handleSyncStatus)
		r.Get("/sync/{key}/diagnose", s.handleDiagnose)
		r.Get("/sync/{key}/alternatives", s.handleAlternatives)
		r.Delete("/sync/{key}", s.handleReset)

		r.Post("/zephyr/{key}/cycles/sync", s.handleStartCycles)
		r.Get("/zephyr/{key}/cycles/status", s.handleCycleStatus)
		r.Get("/zephyr/{key}/cycles", s.handleListCycles)
	})
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s.http = &http.Server{
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api: http server: %v", err)
		}
	}()
	logger.Info("api: listening on %s", ln.Addr())
	return ln.Addr(), nil
}

// Shutdown stops accepting requests, then waits for background runs.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	if s.deps.Runner == nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.deps.Runner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("api: shutdown timed out with sync runs still in flight")
		return errors.Join(err, ctx.Err())
	}
	return err
}
