// Package backtest replays recorded book captures through the live signal
// and risk stack and reports simulated trading results. The detectors and
// the risk gate are the exact production code; only order placement is
// simulated.
package backtest

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"prediction-arb/internal/market"
	"prediction-arb/internal/record"
	"prediction-arb/internal/risk"
	"prediction-arb/internal/signal"
	"prediction-arb/pkg/types"
)

// Config tunes the replay. Zero values fall back to the same defaults the
// live engine trades with.
type Config struct {
	InitialBankroll float64
	// MaxHold flat-exits a position the next time its market signals after
	// this long in the trade.
	MaxHold       time.Duration
	PolymarketFee float64
	KalshiFee     float64
	// Pairs wires cross-venue detection for markets present in the replay.
	Pairs []types.MarketPair
}

// Trade is one simulated round trip.
type Trade struct {
	MarketID    string
	Platform    types.Platform
	Direction   types.Direction
	SignalType  types.SignalType
	EntryPrice  float64
	ExitPrice   float64
	SizeUSD     float64
	Fee         float64
	EdgeAtEntry float64
	PnlUSD      float64
	EnteredAt   time.Time
	ExitedAt    time.Time
	Hold        time.Duration
	// ClosedAtEnd marks positions force-closed at the end of the replay
	// rather than by the max-hold exit.
	ClosedAtEnd bool
}

// Stats are the aggregate results of one replay.
type Stats struct {
	Trades          int
	Wins            int
	HitRate         float64
	TotalPnl        float64
	MeanPnl         float64
	StdPnl          float64
	Sharpe          float64
	MaxDrawdown     float64
	InitialBankroll float64
	FinalBankroll   float64
	TotalReturn     float64
	ByType          map[types.SignalType]TypeStats
}

// TypeStats breaks results down per signal type.
type TypeStats struct {
	Trades  int
	MeanPnl float64
}

// Report holds the stats plus the full trade log.
type Report struct {
	Stats  Stats
	Trades []Trade
}

type openPosition struct {
	marketID    string
	platform    types.Platform
	direction   types.Direction
	signalType  types.SignalType
	entryPrice  float64
	sizeUSD     float64
	fee         float64
	edgeAtEntry float64
	enteredAt   time.Time
}

// Runner drives one replay. Build it with a fresh signal engine and risk
// manager; replay state leaks into both, so a Runner is single-use.
type Runner struct {
	cfg     Config
	signals *signal.Engine
	riskMgr *risk.Manager
	logger  *slog.Logger
}

// NewRunner builds a runner around the production detectors and risk gate.
func NewRunner(cfg Config, signals *signal.Engine, riskMgr *risk.Manager, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.InitialBankroll <= 0 {
		cfg.InitialBankroll = 1000
	}
	if cfg.MaxHold <= 0 {
		cfg.MaxHold = time.Hour
	}
	return &Runner{
		cfg:     cfg,
		signals: signals,
		riskMgr: riskMgr,
		logger:  logger.With("component", "backtest"),
	}
}

// Run replays the recording files in timestamp order and returns the report.
// Unreadable files are skipped with a warning.
func (r *Runner) Run(files []string) (Report, error) {
	snaps := r.loadSnapshots(files)
	if len(snaps) == 0 {
		r.logger.Warn("no snapshots to replay", "files", len(files))
		return r.buildReport(nil), nil
	}
	r.logger.Info("replaying book snapshots", "count", len(snaps), "files", len(files))

	books := make(map[string]*market.Book)
	positions := make(map[string]*openPosition)
	wiredPairs := make(map[int]bool)
	var trades []Trade
	var lastTS time.Time

	for _, snap := range snaps {
		key := string(snap.Platform) + ":" + snap.MarketID
		book := books[key]
		if book == nil {
			book = market.NewBook(snap.Platform, snap.MarketID, r.logger)
			books[key] = book
			r.signals.RegisterBook(book)
			r.wirePairs(books, wiredPairs)
		}
		book.ApplySnapshot(snap.Bids, snap.Asks)
		lastTS = snap.Timestamp

		for _, sig := range r.signals.EvaluateAll() {
			sigKey := string(sig.Platform) + ":" + sig.MarketID
			sigBook := books[sigKey]
			if sigBook == nil {
				continue
			}

			if pos, open := positions[sigKey]; open {
				// One position per market; exit once max hold is reached.
				if snap.Timestamp.Sub(pos.enteredAt) >= r.cfg.MaxHold {
					exit := fillPrice(sigBook, pos.direction)
					trade := closeTrade(pos, exit, snap.Timestamp, false)
					trades = append(trades, trade)
					delete(positions, sigKey)
					r.riskMgr.RecordClose(pos.platform, pos.marketID, trade.PnlUSD)
				}
				continue
			}

			decision := r.riskMgr.Check(sig)
			if !decision.Approved {
				continue
			}

			entry := fillPrice(sigBook, sig.Direction)
			positions[sigKey] = &openPosition{
				marketID:    sig.MarketID,
				platform:    sig.Platform,
				direction:   sig.Direction,
				signalType:  sig.Type,
				entryPrice:  entry,
				sizeUSD:     decision.SizeUSD,
				fee:         r.feeFor(sig.Platform),
				edgeAtEntry: sig.EdgeEstimate,
				enteredAt:   snap.Timestamp,
			}
			r.riskMgr.RecordOpen(sig.Platform, sig.MarketID, decision.SizeUSD, entry)
		}
	}

	// Force-close whatever is still open at the last known mid.
	keys := make([]string, 0, len(positions))
	for key := range positions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		pos := positions[key]
		exit := pos.entryPrice
		if book := books[key]; book != nil {
			if mid, ok := book.Mid(); ok {
				if pos.direction == types.BuyNo {
					exit = 1 - mid
				} else {
					exit = mid
				}
			}
		}
		trades = append(trades, closeTrade(pos, exit, lastTS, true))
	}

	return r.buildReport(trades), nil
}

// loadSnapshots reads every file and sorts the union chronologically, which
// interleaves per-market captures back into one stream.
func (r *Runner) loadSnapshots(files []string) []types.BookSnapshot {
	var all []types.BookSnapshot
	for _, path := range files {
		snaps, err := record.ReadFile(path)
		if err != nil {
			r.logger.Warn("recording unreadable, skipping", "path", path, "error", err)
			continue
		}
		all = append(all, snaps...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return all
}

func (r *Runner) wirePairs(books map[string]*market.Book, wired map[int]bool) {
	for i, pair := range r.cfg.Pairs {
		if wired[i] {
			continue
		}
		poly := books[string(types.PlatformPolymarket)+":"+pair.PolymarketID]
		kalshi := books[string(types.PlatformKalshi)+":"+pair.KalshiTicker]
		if poly == nil || kalshi == nil {
			continue
		}
		r.signals.RegisterPair(pair, poly, kalshi)
		wired[i] = true
	}
}

func (r *Runner) feeFor(platform types.Platform) float64 {
	switch platform {
	case types.PlatformPolymarket:
		if r.cfg.PolymarketFee > 0 {
			return r.cfg.PolymarketFee
		}
		return 0.02
	case types.PlatformKalshi:
		if r.cfg.KalshiFee > 0 {
			return r.cfg.KalshiFee
		}
		return 0.07
	}
	return 0.03
}

// fillPrice is the simulated taker price for a direction: the ask for YES,
// the bid complement for NO. One-sided books fall back to mid, then to even
// odds.
func fillPrice(book *market.Book, direction types.Direction) float64 {
	if direction == types.BuyNo {
		if bid, ok := book.BestBid(); ok {
			return 1 - bid
		}
		if mid, ok := book.Mid(); ok {
			return 1 - mid
		}
		return 0.5
	}
	if ask, ok := book.BestAsk(); ok {
		return ask
	}
	if mid, ok := book.Mid(); ok {
		return mid
	}
	return 0.5
}

func closeTrade(pos *openPosition, exitPrice float64, at time.Time, endOfReplay bool) Trade {
	return Trade{
		MarketID:    pos.marketID,
		Platform:    pos.platform,
		Direction:   pos.direction,
		SignalType:  pos.signalType,
		EntryPrice:  pos.entryPrice,
		ExitPrice:   exitPrice,
		SizeUSD:     pos.sizeUSD,
		Fee:         pos.fee,
		EdgeAtEntry: pos.edgeAtEntry,
		PnlUSD:      tradePnl(pos.entryPrice, exitPrice, pos.sizeUSD, pos.fee),
		EnteredAt:   pos.enteredAt,
		ExitedAt:    at,
		Hold:        at.Sub(pos.enteredAt),
		ClosedAtEnd: endOfReplay,
	}
}

// tradePnl is the return on the outcome token bought, net of the venue fee.
// Entry and exit are both prices of that token, so the formula holds for
// YES and NO positions alike.
func tradePnl(entry, exit, size, fee float64) float64 {
	if entry <= 0 {
		return -size * fee
	}
	return size*(exit/entry-1) - size*fee
}

func (r *Runner) buildReport(trades []Trade) Report {
	stats := Stats{
		InitialBankroll: r.cfg.InitialBankroll,
		FinalBankroll:   r.cfg.InitialBankroll,
		ByType:          make(map[types.SignalType]TypeStats),
	}
	if len(trades) == 0 {
		return Report{Stats: stats}
	}

	var total float64
	wins := 0
	for _, tr := range trades {
		total += tr.PnlUSD
		if tr.PnlUSD > 0 {
			wins++
		}
	}
	n := float64(len(trades))
	mean := total / n

	var variance float64
	for _, tr := range trades {
		d := tr.PnlUSD - mean
		variance += d * d
	}
	std := 0.0
	if len(trades) > 1 {
		std = math.Sqrt(variance / n)
	}
	sharpe := 0.0
	if std > 0 {
		sharpe = mean / std
	}

	equity := r.cfg.InitialBankroll
	peak := equity
	maxDD := 0.0
	for _, tr := range trades {
		equity += tr.PnlUSD
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}

	counts := make(map[types.SignalType]int)
	sums := make(map[types.SignalType]float64)
	for _, tr := range trades {
		counts[tr.SignalType]++
		sums[tr.SignalType] += tr.PnlUSD
	}
	for st, c := range counts {
		stats.ByType[st] = TypeStats{Trades: c, MeanPnl: sums[st] / float64(c)}
	}

	stats.Trades = len(trades)
	stats.Wins = wins
	stats.HitRate = float64(wins) / n
	stats.TotalPnl = total
	stats.MeanPnl = mean
	stats.StdPnl = std
	stats.Sharpe = sharpe
	stats.MaxDrawdown = maxDD
	stats.FinalBankroll = r.cfg.InitialBankroll + total
	stats.TotalReturn = total / r.cfg.InitialBankroll

	return Report{Stats: stats, Trades: trades}
}

// Summary renders the stats as aligned text lines for the CLI.
func (s Stats) Summary() string {
	var b strings.Builder
	b.WriteString("=== Backtest Report ===\n")
	fmt.Fprintf(&b, "  %-30s %d\n", "n_trades", s.Trades)
	if s.Trades == 0 {
		fmt.Fprintf(&b, "  %-30s %.2f\n", "initial_bankroll", s.InitialBankroll)
		fmt.Fprintf(&b, "  %-30s %.2f\n", "final_bankroll", s.FinalBankroll)
		return b.String()
	}
	fmt.Fprintf(&b, "  %-30s %.4f\n", "hit_rate", s.HitRate)
	fmt.Fprintf(&b, "  %-30s %.4f\n", "total_pnl_usd", s.TotalPnl)
	fmt.Fprintf(&b, "  %-30s %.4f\n", "mean_pnl_per_trade", s.MeanPnl)
	fmt.Fprintf(&b, "  %-30s %.4f\n", "std_pnl", s.StdPnl)
	fmt.Fprintf(&b, "  %-30s %.4f\n", "sharpe_ratio", s.Sharpe)
	fmt.Fprintf(&b, "  %-30s %.4f\n", "max_drawdown_pct", s.MaxDrawdown)
	fmt.Fprintf(&b, "  %-30s %.2f\n", "initial_bankroll", s.InitialBankroll)
	fmt.Fprintf(&b, "  %-30s %.2f\n", "final_bankroll", s.FinalBankroll)
	fmt.Fprintf(&b, "  %-30s %.4f\n", "total_return_pct", s.TotalReturn)

	keys := make([]string, 0, len(s.ByType))
	for st := range s.ByType {
		keys = append(keys, string(st))
	}
	sort.Strings(keys)
	for _, key := range keys {
		ts := s.ByType[types.SignalType(key)]
		fmt.Fprintf(&b, "  %-30s %d\n", "n_trades_"+key, ts.Trades)
		fmt.Fprintf(&b, "  %-30s %.4f\n", "mean_pnl_"+key, ts.MeanPnl)
	}
	return b.String()
}
