package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"prediction-arb/internal/config"
)

// Handlers serves the dashboard HTTP endpoints.
type Handlers struct {
	provider SnapshotProvider
	cfg      config.DashboardConfig
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers wires the endpoint handlers to the snapshot provider and hub.
func NewHandlers(provider SnapshotProvider, cfg config.DashboardConfig, hub *Hub, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &Handlers{
		provider: provider,
		cfg:      cfg,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.cfg, r.Host)
		},
	}
	return h
}

// HandleHealth is a liveness check.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleSnapshot returns the current engine state.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.provider.DashboardSnapshot()); err != nil {
		h.logger.Error("encode snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HandleWebSocket upgrades the connection and pushes the current snapshot
// before the event stream starts.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(h.hub, conn)
	if client == nil {
		return
	}

	data, err := json.Marshal(newEvent(EventSnapshot, h.provider.DashboardSnapshot()))
	if err != nil {
		h.logger.Error("marshal initial snapshot", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// isOriginAllowed implements the websocket origin policy: explicit allowlist
// when configured, otherwise same-host or localhost only. Browsers always
// send Origin; non-browser clients that omit it are allowed.
func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if strings.EqualFold(origin, allowed) {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.EqualFold(u.Host, reqHost)
}
