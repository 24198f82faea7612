package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/symphony/pkg/conductor"
	"github.com/cuemby/symphony/pkg/log"
	"github.com/cuemby/symphony/pkg/metrics"
)

// Server is the control-plane HTTP boundary: deployment CRUD, the node
// registry view, and the streaming log/snapshot endpoints (spec.md §6).
type Server struct {
	cond   *conductor.Conductor
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds a Server bound to addr, wired against cond. It does
// not start listening until Start is called.
func NewServer(cond *conductor.Conductor, addr string) *Server {
	s := &Server{
		cond:   cond,
		logger: log.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /deployments", s.createDeployment)
	mux.HandleFunc("GET /deployments", s.listDeployments)
	mux.HandleFunc("GET /deployments/{id}", s.getDeployment)
	mux.HandleFunc("PATCH /deployments/{id}", s.patchDeployment)
	mux.HandleFunc("DELETE /deployments/{id}", s.deleteDeployment)
	mux.HandleFunc("GET /deployments/{id}/logs", s.streamLogs)
	mux.HandleFunc("GET /nodes", s.listNodes)
	mux.HandleFunc("GET /stream", s.snapshotStream)

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", metrics.HealthHandler())
	mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	mux.HandleFunc("GET /live", metrics.LivenessHandler())

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // streaming endpoints hold the connection open
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the underlying http.Handler, for embedding in another
// server or driving directly in tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start blocks serving HTTP until the server is shut down. Callers
// typically run it in its own goroutine.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("api server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests, including open streams,
// within the given context's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
