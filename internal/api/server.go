package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"prediction-arb/internal/config"
)

// Server exposes the status dashboard: /health, /api/snapshot, and a /ws
// event stream. The engine pushes DashboardEvents through Broadcast; reads
// go through the SnapshotProvider.
type Server struct {
	cfg    config.DashboardConfig
	hub    *Hub
	server *http.Server
	logger *slog.Logger
}

// NewServer builds the dashboard server. The caller decides whether to run
// it at all (dashboard.enabled).
func NewServer(cfg config.DashboardConfig, provider SnapshotProvider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	hub := NewHub(logger)
	handlers := NewHandlers(provider, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	return &Server{
		cfg: cfg,
		hub: hub,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api-server"),
	}
}

// Broadcast pushes an event to all connected websocket clients.
func (s *Server) Broadcast(evt DashboardEvent) {
	s.hub.Broadcast(evt)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()
	go s.hub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.logger.Info("dashboard listening", "addr", s.server.Addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("dashboard server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
