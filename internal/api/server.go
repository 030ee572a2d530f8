// Package api is the HTTP surface of the sync engine: routing, auth,
// request plumbing, and translation between wire shapes and the
// engine's request types.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/opsync/opsync/internal/store"
	syncengine "github.com/opsync/opsync/internal/sync"
)

// Server is the HTTP API server.
type Server struct {
	config  Config
	http    *http.Server
	store   *store.Store
	svc     *syncengine.Service
	metrics *Metrics
	cancel  context.CancelFunc
}

// NewServer creates a Server around an opened store and engine.
func NewServer(cfg Config, st *store.Store, svc *syncengine.Service) *Server {
	s := &Server{
		config:  cfg,
		store:   st,
		svc:     svc,
		metrics: NewMetrics(),
	}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start begins listening for HTTP requests (non-blocking) and launches
// the background compactor.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.svc.StartCompactor(ctx)

	return nil
}

// Shutdown stops the compactor and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.http.Shutdown(ctx)
}

// routes builds the HTTP handler with all routes and middleware.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	mux.HandleFunc("POST /v1/sync/ops", s.requireAuth(s.handleUploadOps))
	mux.HandleFunc("GET /v1/sync/ops", s.requireAuth(s.handleDownloadOps))
	mux.HandleFunc("GET /v1/sync/snapshot", s.requireAuth(s.handleGetSnapshot))
	mux.HandleFunc("POST /v1/sync/snapshot", s.requireAuth(s.handleImportSnapshot))
	mux.HandleFunc("GET /v1/sync/status", s.requireAuth(s.handleSyncStatus))
	mux.HandleFunc("GET /v1/sync/restore-points", s.requireAuth(s.handleRestorePoints))
	mux.HandleFunc("GET /v1/sync/restore/{serverSeq}", s.requireAuth(s.handleRestoreAt))
	mux.HandleFunc("GET /v1/sync/devices", s.requireAuth(s.handleListDevices))
	mux.HandleFunc("POST /v1/sync/devices/{clientID}/ack", s.requireAuth(s.handleDeviceAck))

	return chain(mux,
		recoveryMiddleware,
		requestIDMiddleware,
		loggerMiddleware,
		metricsMiddleware(s.metrics),
		loggingMiddleware,
		maxBytesMiddleware(s.config.MaxBodyBytes),
	)
}

// handleHealth pings the database.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics returns a snapshot of server metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
