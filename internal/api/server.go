package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/inktrace/inktrace/internal/archive"
	"github.com/inktrace/inktrace/internal/brain"
	"github.com/inktrace/inktrace/internal/broadcast"
	"github.com/inktrace/inktrace/internal/config"
	"github.com/inktrace/inktrace/internal/discovery"
	"github.com/inktrace/inktrace/internal/metrics"
)

// Server is the pull API, admin endpoints and subscriber endpoint.
type Server struct {
	config     config.ServerConfig
	brain      *brain.Brain
	discovery  *discovery.Engine
	hub        *broadcast.Hub
	metrics    *metrics.Metrics
	archive    *archive.Store
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates the API server. disc, hub and m may be nil; the routes
// they back then respond with 404 or 503.
func NewServer(
	cfg config.ServerConfig,
	b *brain.Brain,
	disc *discovery.Engine,
	hub *broadcast.Hub,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    cfg,
		brain:     b,
		discovery: disc,
		hub:       hub,
		metrics:   m,
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "api.Server"),
	}

	s.registerRoutes()
	return s
}

// SetArchive enables GET /api/history backed by store.
func (s *Server) SetArchive(store *archive.Store) {
	s.archive = store
}

func (s *Server) registerRoutes() {
	// Pull API
	s.mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("GET /api/dashboard-data", s.handleSnapshot)
	s.mux.HandleFunc("GET /api/agents", s.handleListAgents)
	s.mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	s.mux.HandleFunc("GET /api/communications", s.handleListCommunications)
	s.mux.HandleFunc("GET /api/security-events", s.handleListEvents)
	s.mux.HandleFunc("GET /api/discovery/endpoints", s.handleListEndpoints)
	s.mux.HandleFunc("GET /api/history", s.handleHistory)

	// Admin
	s.mux.HandleFunc("POST /api/events/clear", s.handleClearEvents)
	s.mux.HandleFunc("POST /api/threats/clear", s.handleClearThreats)
	s.mux.HandleFunc("POST /api/agents/{id}/reset", s.handleResetAgent)

	// Ingest
	s.mux.HandleFunc("POST /api/a2a-communication", s.handleCommunicationReport)

	// System
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /api/ws", s.handleWebSocket)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if s.config.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("api listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown disconnects subscribers and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds permissive CORS headers for dashboards served elsewhere.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Inktrace-Source, X-Inktrace-Target")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Addr makes a listen address from a port.
func Addr(port int) string {
	return fmt.Sprintf(":%d", port)
}
