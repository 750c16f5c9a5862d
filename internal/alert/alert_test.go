package alert

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"

	"prediction-arb/internal/config"
	"prediction-arb/pkg/types"
)

func testManager(cfg config.AlertsConfig, dryRun bool) *Manager {
	return &Manager{
		http:       resty.New().SetTimeout(time.Second),
		cfg:        cfg,
		dryRun:     dryRun,
		logger:     slog.New(slog.DiscardHandler),
		now:        time.Now,
		lastSent:   make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
}

func strongSignal() types.Signal {
	return types.Signal{
		ID:           "sig-1",
		Type:         types.SignalCrossVenue,
		Direction:    types.BuyYes,
		Platform:     types.PlatformPolymarket,
		MarketID:     "0xc0ffee",
		EdgeEstimate: 0.06,
		Strength:     0.8,
		Fired:        true,
	}
}

func TestSignalBelowStrengthFloorDropped(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	m := testManager(config.AlertsConfig{TelegramChatID: "chat-1", MinSignalStrength: 0.5}, false)
	m.telegramURL = srv.URL

	weak := strongSignal()
	weak.Strength = 0.3
	m.Signal(weak)
	if hits.Load() != 0 {
		t.Fatalf("weak signal sent %d alerts, want 0", hits.Load())
	}

	m.Signal(strongSignal())
	if hits.Load() != 1 {
		t.Errorf("strong signal sent %d alerts, want 1", hits.Load())
	}
}

func TestTelegramPayload(t *testing.T) {
	t.Parallel()
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
	}))
	defer srv.Close()

	m := testManager(config.AlertsConfig{TelegramChatID: "chat-1"}, false)
	m.telegramURL = srv.URL
	m.now = func() time.Time {
		return time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	}

	m.Signal(strongSignal())

	if body["chat_id"] != "chat-1" {
		t.Errorf("chat_id = %q, want chat-1", body["chat_id"])
	}
	text := body["text"]
	for _, want := range []string{
		"🎯 SIGNAL FIRED",
		"Type: cross_venue_arb",
		"Market: polymarket:0xc0ffee",
		"Edge: 6.00%",
		"Strength: 0.80",
		"Time: 2026-08-25 14:30 UTC",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q:\n%s", want, text)
		}
	}
}

func TestDiscordPayload(t *testing.T) {
	t.Parallel()
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := testManager(config.AlertsConfig{DiscordWebhookURL: srv.URL}, false)
	m.Error("executor", errors.New("boom"))

	content := body["content"]
	if !strings.Contains(content, "🚨 BOT ERROR") || !strings.Contains(content, "Component: executor") {
		t.Errorf("content = %q", content)
	}
	if !strings.Contains(content, "Error: boom") {
		t.Errorf("content missing error text: %q", content)
	}
}

func TestRateLimitPerCategory(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	current := base
	m := testManager(config.AlertsConfig{DiscordWebhookURL: srv.URL, RateLimit: 300 * time.Second}, false)
	m.now = func() time.Time { return current }

	m.Error("a", errors.New("first"))
	m.Error("a", errors.New("suppressed"))
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1 with second error suppressed", hits.Load())
	}

	// A different category has its own budget.
	m.Trade(types.Order{Direction: types.BuyYes, Platform: types.PlatformKalshi, MarketID: "T", SizeUSD: 10}, 0.5)
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want 2 after trade alert", hits.Load())
	}

	current = base.Add(301 * time.Second)
	m.Error("a", errors.New("after window"))
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3 after the window passed", hits.Load())
	}
}

func TestTradeDryRunLabel(t *testing.T) {
	t.Parallel()
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	order := types.Order{Direction: types.BuyYes, Platform: types.PlatformKalshi, MarketID: "KXHIGHNY-25AUG25-T85", SizeUSD: 25}

	m := testManager(config.AlertsConfig{DiscordWebhookURL: srv.URL}, true)
	m.Trade(order, 0.42)
	if !strings.HasPrefix(body["content"], "[DRY RUN] ✅ TRADE EXECUTED") {
		t.Errorf("dry-run content = %q", body["content"])
	}
	if !strings.Contains(body["content"], "Price: 0.4200  Size: $25.00") {
		t.Errorf("content missing price/size: %q", body["content"])
	}

	live := testManager(config.AlertsConfig{DiscordWebhookURL: srv.URL}, false)
	live.Trade(order, 0.42)
	if !strings.HasPrefix(body["content"], "✅ TRADE EXECUTED") {
		t.Errorf("live content = %q", body["content"])
	}
}

func TestDrawdownThreshold(t *testing.T) {
	t.Parallel()
	var body map[string]string
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := testManager(config.AlertsConfig{DiscordWebhookURL: srv.URL, DrawdownPct: 0.05}, false)

	m.CheckDrawdown(1000, -40)
	if hits.Load() != 0 {
		t.Fatalf("hits = %d, want 0 below threshold", hits.Load())
	}

	// Exactly at the threshold fires.
	m.CheckDrawdown(1000, -50)
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1 at threshold", hits.Load())
	}
	if !strings.Contains(body["content"], "Drawdown: 5.0% (threshold: 5.0%)") {
		t.Errorf("content = %q", body["content"])
	}
	if !strings.Contains(body["content"], "Daily PnL: $-50.00") {
		t.Errorf("content missing pnl: %q", body["content"])
	}
}

func TestDrawdownGuards(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	disabled := testManager(config.AlertsConfig{DiscordWebhookURL: srv.URL, DrawdownPct: 0}, false)
	disabled.CheckDrawdown(1000, -900)

	noBankroll := testManager(config.AlertsConfig{DiscordWebhookURL: srv.URL, DrawdownPct: 0.05}, false)
	noBankroll.CheckDrawdown(0, -900)

	if hits.Load() != 0 {
		t.Errorf("hits = %d, want 0 when disabled or no bankroll", hits.Load())
	}
}

func TestSendFailureDoesNotPropagate(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := testManager(config.AlertsConfig{DiscordWebhookURL: srv.URL, TelegramChatID: "c"}, false)
	m.telegramURL = srv.URL

	// Both channels fail; the call still returns normally.
	m.Error("adapter", errors.New("ws down"))
}

func TestUnconfiguredChannelsAreSilent(t *testing.T) {
	t.Parallel()
	m := testManager(config.AlertsConfig{}, false)
	m.Error("adapter", errors.New("nobody listening"))
	m.Signal(strongSignal())
	m.CheckDrawdown(1000, -500)
}
