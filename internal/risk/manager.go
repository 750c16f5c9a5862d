// Package risk gates every fired signal behind portfolio-level checks.
//
// The manager is a synchronous pipeline, not a goroutine: the engine calls
// Check on each signal and gets back a Decision with an approved size or the
// first failing reason. Checks run in a fixed order:
//
//  1. duplicate position  — one open position per platform:market_id
//  2. daily loss limit    — trading halts for the UTC day once losses exceed it
//  3. minimum edge        — signals below the edge floor are noise
//  4. Kelly sizing        — fractional Kelly from the signal's edge and entry
//  5. single position cap — max_position_fraction × bankroll
//  6. total exposure cap  — max_total_exposure × bankroll across all positions
//
// Every check appends PASS:<name> or FAIL:<name> to Decision.CheckLog so a
// rejected trade is auditable from the event store alone. Daily PnL resets
// when the UTC date changes; the reset is evaluated lazily on every access.
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"prediction-arb/internal/config"
	"prediction-arb/pkg/types"
)

// Manager holds bankroll, open positions, and the day's PnL. All methods are
// safe for concurrent use.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu        sync.Mutex
	bankroll  float64
	positions map[string]types.Position // keyed platform:market_id
	dailyPnl  float64
	pnlDate   string // UTC date the dailyPnl belongs to, "2006-01-02"
}

// NewManager creates a risk manager with the configured limits. Bankroll
// starts at cfg.BankrollUSD and moves with recorded closes.
func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger.With("component", "risk"),
		bankroll:  cfg.BankrollUSD,
		positions: make(map[string]types.Position),
		pnlDate:   time.Now().UTC().Format("2006-01-02"),
	}
}

// Check runs the full pipeline for one signal. The first failing check
// rejects; an approved decision carries the final position size in USD.
func (m *Manager) Check(sig types.Signal) types.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetDailyPnl()

	key := string(sig.Platform) + ":" + sig.MarketID
	var checks []string

	// 1. Duplicate position.
	if _, open := m.positions[key]; open {
		return types.Decision{
			Reason:   fmt.Sprintf("already in position for %s", key),
			CheckLog: "FAIL:duplicate_position",
		}
	}
	checks = append(checks, "PASS:no_duplicate")

	// 2. Daily loss limit. A zero limit disables the halt.
	if m.cfg.MaxDailyLossUSD > 0 && m.dailyPnl <= -m.cfg.MaxDailyLossUSD {
		return types.Decision{
			Reason: fmt.Sprintf("daily loss limit hit: $%.2f >= $%.2f",
				-m.dailyPnl, m.cfg.MaxDailyLossUSD),
			CheckLog: strings.Join(append(checks, "FAIL:daily_loss_limit"), "|"),
		}
	}
	checks = append(checks, "PASS:daily_loss_ok")

	// 3. Minimum edge.
	if sig.EdgeEstimate < m.cfg.MinEdge {
		return types.Decision{
			Reason: fmt.Sprintf("edge %.2f%% below threshold %.2f%%",
				sig.EdgeEstimate*100, m.cfg.MinEdge*100),
			CheckLog: strings.Join(append(checks, "FAIL:edge_below_min"), "|"),
		}
	}
	checks = append(checks, fmt.Sprintf("PASS:edge=%.3f", sig.EdgeEstimate))

	// 4. Kelly sizing.
	kelly := kellyFraction(&sig)
	fractional := kelly * m.cfg.KellyFraction
	checks = append(checks, fmt.Sprintf("kelly=%.4f frac_kelly=%.4f", kelly, fractional))

	// 5. Single position cap.
	maxPosUSD := m.bankroll * m.cfg.MaxPositionFraction
	posUSD := math.Min(fractional*m.bankroll, maxPosUSD)
	if posUSD <= 0 {
		return types.Decision{
			Reason:   "kelly sizing produced $0 position",
			CheckLog: strings.Join(append(checks, "FAIL:zero_size"), "|"),
		}
	}
	checks = append(checks, fmt.Sprintf("PASS:single_cap max=$%.0f pos=$%.0f", maxPosUSD, posUSD))

	// 6. Total exposure cap.
	maxTotalUSD := m.bankroll * m.cfg.MaxTotalExposure
	remaining := maxTotalUSD - m.totalExposureLocked()
	if remaining <= 0 {
		return types.Decision{
			Reason: fmt.Sprintf("total exposure ceiling reached ($%.0f / $%.0f)",
				m.totalExposureLocked(), maxTotalUSD),
			CheckLog: strings.Join(append(checks, "FAIL:exposure_ceiling"), "|"),
		}
	}
	posUSD = math.Min(posUSD, remaining)
	checks = append(checks, fmt.Sprintf("PASS:total_cap remaining=$%.0f final=$%.0f", remaining, posUSD))

	checkLog := strings.Join(checks, "|")
	m.logger.Info("signal approved",
		"market_id", sig.MarketID,
		"platform", sig.Platform,
		"size_usd", posUSD,
		"kelly", kelly,
		"checks", checkLog,
	)
	return types.Decision{
		Approved: true,
		SizeUSD:  posUSD,
		CheckLog: checkLog,
	}
}

// RecordOpen registers a filled position. Call it only after the venue
// confirms the order; a rejected or failed placement must not consume
// exposure budget.
func (m *Manager) RecordOpen(platform types.Platform, marketID string, sizeUSD, entryPrice float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := types.Position{
		Platform:   platform,
		MarketID:   marketID,
		SizeUSD:    sizeUSD,
		EntryPrice: entryPrice,
		OpenedAt:   time.Now().UTC(),
	}
	m.positions[pos.Key()] = pos
	m.logger.Debug("position opened",
		"market_id", marketID, "platform", platform, "size_usd", sizeUSD)
}

// RecordClose removes the position and books its PnL against the day and
// the bankroll. Closing an unknown position only books the PnL.
func (m *Manager) RecordClose(platform types.Platform, marketID string, pnlUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetDailyPnl()

	delete(m.positions, string(platform)+":"+marketID)
	m.dailyPnl += pnlUSD
	m.bankroll += pnlUSD
	m.logger.Debug("position closed",
		"market_id", marketID,
		"platform", platform,
		"pnl_usd", pnlUSD,
		"daily_pnl", m.dailyPnl,
		"bankroll", m.bankroll,
	)
}

// Restore seeds open positions from the position store at startup, without
// touching PnL or bankroll.
func (m *Manager) Restore(positions []types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pos := range positions {
		m.positions[pos.Key()] = pos
	}
	if len(positions) > 0 {
		m.logger.Info("restored open positions", "count", len(positions))
	}
}

// UpdateBankroll syncs external bankroll changes (deposits, withdrawals).
func (m *Manager) UpdateBankroll(newBankroll float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bankroll = newBankroll
}

// Snapshot is a point-in-time view of the portfolio for dashboards and the
// periodic summary row.
type Snapshot struct {
	Bankroll      float64 `json:"bankroll"`
	TotalExposure float64 `json:"total_exposure"`
	OpenPositions int     `json:"open_positions"`
	DailyPnl      float64 `json:"daily_pnl"`
}

// Snapshot returns current portfolio state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeResetDailyPnl()

	return Snapshot{
		Bankroll:      m.bankroll,
		TotalExposure: m.totalExposureLocked(),
		OpenPositions: len(m.positions),
		DailyPnl:      m.dailyPnl,
	}
}

// Positions returns a copy of all open positions.
func (m *Manager) Positions() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, pos)
	}
	return out
}

func (m *Manager) totalExposureLocked() float64 {
	var total float64
	for _, pos := range m.positions {
		total += pos.SizeUSD
	}
	return total
}

// maybeResetDailyPnl zeroes the daily PnL when the UTC date has rolled over.
// Callers must hold mu.
func (m *Manager) maybeResetDailyPnl() {
	today := time.Now().UTC().Format("2006-01-02")
	if today == m.pnlDate {
		return
	}
	if m.dailyPnl != 0 {
		m.logger.Info("new UTC day, resetting daily pnl", "was", m.dailyPnl)
	}
	m.dailyPnl = 0
	m.pnlDate = today
}

// kellyFraction computes the binary Kelly fraction f* = (b·p − q) / b for a
// prediction market entry at price `entry`, where b = (1−entry)/entry and
// p = entry + edge (our estimated win probability). The entry price comes
// from the signal's best_bid metadata; without it a conservative mid-market
// default is used.
func kellyFraction(sig *types.Signal) float64 {
	var entry float64
	if sig.Direction == types.BuyNo {
		bid := sig.MetaFloat("best_bid", 0.55)
		if bid == 0 {
			bid = 0.55
		}
		entry = 1 - bid
	} else {
		bid := sig.MetaFloat("best_bid", 0.45)
		if bid == 0 {
			bid = 0.45
		}
		entry = bid
	}
	entry = math.Max(math.Min(entry, 0.99), 0.01)

	b := (1 - entry) / entry
	if b <= 0 {
		return 0
	}
	p := math.Min(entry+sig.EdgeEstimate, 0.99)
	q := 1 - p
	return math.Max((b*p-q)/b, 0)
}

