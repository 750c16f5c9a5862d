package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"prediction-arb/internal/config"
	"prediction-arb/internal/risk"
	"prediction-arb/pkg/types"
)

type stubProvider struct {
	snap Snapshot
}

func (s *stubProvider) DashboardSnapshot() Snapshot { return s.snap }

func testSnapshot() Snapshot {
	return Snapshot{
		Timestamp: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		DryRun:    true,
		Pairs: []types.MarketPair{{
			KalshiTicker: "KXHIGHNY-25AUG25-T85",
			PolymarketID: "0xc0ffee",
		}},
		Books: []BookStatus{{
			Platform: types.PlatformKalshi,
			MarketID: "KXHIGHNY-25AUG25-T85",
			BestBid:  0.40,
			BestAsk:  0.42,
			Synced:   true,
		}},
		Risk: risk.Snapshot{Bankroll: 1000, OpenPositions: 1},
	}
}

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		cfg     config.DashboardConfig
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8080",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    false,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://arb.internal:8080",
			cfg:     config.DashboardConfig{},
			reqHost: "arb.internal:8080",
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.cfg, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	h := NewHandlers(&stubProvider{}, config.DashboardConfig{}, NewHub(nil), nil)

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandleSnapshot(t *testing.T) {
	t.Parallel()
	h := NewHandlers(&stubProvider{snap: testSnapshot()}, config.DashboardConfig{}, NewHub(nil), nil)

	rec := httptest.NewRecorder()
	h.HandleSnapshot(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if !snap.DryRun || len(snap.Pairs) != 1 || len(snap.Books) != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Risk.Bankroll != 1000 {
		t.Errorf("bankroll = %v, want 1000", snap.Risk.Bankroll)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(nil)
	go hub.Run(ctx)

	h := NewHandlers(&stubProvider{snap: testSnapshot()}, config.DashboardConfig{}, hub, nil)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readEvent := func() DashboardEvent {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var evt DashboardEvent
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read event: %v", err)
		}
		return evt
	}

	if evt := readEvent(); evt.Type != EventSnapshot {
		t.Fatalf("first event type = %q, want snapshot", evt.Type)
	}

	hub.Broadcast(NewSignalEvent(types.Signal{
		ID:       "sig-1",
		Type:     types.SignalImbalance,
		Platform: types.PlatformKalshi,
		MarketID: "KXHIGHNY-25AUG25-T85",
		Fired:    true,
	}))

	evt := readEvent()
	if evt.Type != EventSignal {
		t.Fatalf("event type = %q, want signal", evt.Type)
	}
	if evt.Timestamp.IsZero() {
		t.Error("event timestamp not stamped")
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(nil)
	go hub.Run(ctx)

	h := NewHandlers(&stubProvider{}, config.DashboardConfig{}, hub, nil)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Never read from the connection; flood well past the client buffer.
	// The hub must keep accepting broadcasts instead of blocking.
	for i := 0; i < 2000; i++ {
		hub.Broadcast(NewBookTickEvent(BookStatus{MarketID: "X"}))
	}
}
