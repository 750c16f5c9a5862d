// Package alert pushes notable engine events to Telegram and Discord.
//
// Both channels are optional; leaving the token or webhook unset disables
// that channel. Every category of alert is rate limited independently so a
// noisy detector cannot drown out error alerts. Delivery failures are logged
// and swallowed: alerting must never take the trading loop down.
package alert

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"prediction-arb/internal/config"
	"prediction-arb/pkg/types"
)

const telegramAPIBase = "https://api.telegram.org"

// Manager formats and delivers alerts with per-category rate limiting.
type Manager struct {
	http        *resty.Client
	cfg         config.AlertsConfig
	telegramURL string
	dryRun      bool
	logger      *slog.Logger
	now         func() time.Time

	mu         sync.Mutex
	lastSent   map[string]time.Time
	suppressed map[string]int
}

// NewManager builds an alert manager from config. dryRun only affects how
// trade alerts are labelled.
func NewManager(cfg config.AlertsConfig, dryRun bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		http:       resty.New().SetTimeout(10 * time.Second),
		cfg:        cfg,
		dryRun:     dryRun,
		logger:     logger.With("component", "alerts"),
		now:        time.Now,
		lastSent:   make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
	if cfg.TelegramBotToken != "" {
		m.telegramURL = telegramAPIBase + "/bot" + cfg.TelegramBotToken + "/sendMessage"
	}
	return m
}

// Signal announces a fired signal. Signals below the configured strength
// floor are dropped before rate limiting so weak ones never consume the
// category budget.
func (m *Manager) Signal(sig types.Signal) {
	if sig.Strength < m.cfg.MinSignalStrength {
		return
	}
	msg := fmt.Sprintf("🎯 SIGNAL FIRED\nType: %s\nMarket: %s:%s\nEdge: %.2f%%\nStrength: %.2f\nTime: %s",
		sig.Type, sig.Platform, sig.MarketID, sig.EdgeEstimate*100, sig.Strength, m.timestamp())
	m.send("signal_"+string(sig.Type), msg)
}

// Trade announces an executed order.
func (m *Manager) Trade(order types.Order, fillPrice float64) {
	prefix := ""
	if m.dryRun {
		prefix = "[DRY RUN] "
	}
	msg := fmt.Sprintf("%s✅ TRADE EXECUTED\nAction: %s\nMarket: %s:%s\nPrice: %.4f  Size: $%.2f\nTime: %s",
		prefix, order.Direction, order.Platform, order.MarketID, fillPrice, order.SizeUSD, m.timestamp())
	m.send("trade", msg)
}

// Error announces a component failure.
func (m *Manager) Error(component string, err error) {
	msg := fmt.Sprintf("🚨 BOT ERROR\nComponent: %s\nError: %v\nTime: %s",
		component, err, m.timestamp())
	m.send("error", msg)
}

// CheckDrawdown fires a drawdown alert when the day's loss reaches the
// configured fraction of bankroll. Safe to call every snapshot tick; the
// rate limiter keeps it to one alert per window.
func (m *Manager) CheckDrawdown(bankroll, dailyPnl float64) {
	if m.cfg.DrawdownPct <= 0 || bankroll <= 0 {
		return
	}
	frac := -dailyPnl / bankroll
	if frac < m.cfg.DrawdownPct {
		return
	}
	msg := fmt.Sprintf("⚠️ DAILY DRAWDOWN ALERT\nDaily PnL: $%.2f\nBankroll: $%.2f\nDrawdown: %.1f%% (threshold: %.1f%%)\nTime: %s",
		dailyPnl, bankroll, frac*100, m.cfg.DrawdownPct*100, m.timestamp())
	m.send("drawdown_alert", msg)
}

func (m *Manager) timestamp() string {
	return m.now().UTC().Format("2006-01-02 15:04 UTC")
}

func (m *Manager) send(category, msg string) {
	m.mu.Lock()
	now := m.now()
	if last, ok := m.lastSent[category]; ok && now.Sub(last) < m.cfg.RateLimit {
		m.suppressed[category]++
		n := m.suppressed[category]
		m.mu.Unlock()
		m.logger.Debug("alert suppressed", "category", category, "suppressed", n)
		return
	}
	m.lastSent[category] = now
	m.mu.Unlock()

	m.logger.Info("ALERT", "category", category, "message", strings.ReplaceAll(msg, "\n", " | "))

	m.sendTelegram(msg)
	m.sendDiscord(msg)
}

func (m *Manager) sendTelegram(msg string) {
	if m.telegramURL == "" || m.cfg.TelegramChatID == "" {
		return
	}
	resp, err := m.http.R().
		SetBody(map[string]string{"chat_id": m.cfg.TelegramChatID, "text": msg}).
		Post(m.telegramURL)
	if err != nil {
		m.logger.Warn("telegram send failed", "error", err)
		return
	}
	if resp.StatusCode() != http.StatusOK {
		m.logger.Warn("telegram send failed", "status", resp.StatusCode())
	}
}

func (m *Manager) sendDiscord(msg string) {
	if m.cfg.DiscordWebhookURL == "" {
		return
	}
	resp, err := m.http.R().
		SetBody(map[string]string{"content": msg}).
		Post(m.cfg.DiscordWebhookURL)
	if err != nil {
		m.logger.Warn("discord send failed", "error", err)
		return
	}
	if resp.StatusCode() >= http.StatusMultipleChoices {
		m.logger.Warn("discord send failed", "status", resp.StatusCode())
	}
}
