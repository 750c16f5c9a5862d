// Package signal holds the detectors that turn book state into trade
// signals, and the engine that schedules them.
//
// Detectors are pure functions over book state: Evaluate returns a Signal
// when the condition is met and nil otherwise. They never place orders or
// touch risk state; the engine forwards fired signals downstream.
package signal

import (
	"log/slog"
	"math"

	"prediction-arb/internal/config"
	"prediction-arb/internal/market"
	"prediction-arb/pkg/types"
)

// maxImbalanceEdge caps the edge an imbalance signal can claim. Depth skew
// is a weak predictor; past this point more skew is not more information.
const maxImbalanceEdge = 0.15

// ImbalanceDetector fires when near-touch depth is heavily one-sided.
// A book whose bid depth is more than bullishThreshold of the total within
// depthPct of the touch suggests buying pressure (BUY_YES); below
// bearishThreshold, selling pressure (BUY_NO).
type ImbalanceDetector struct {
	cfg    config.SignalsConfig
	logger *slog.Logger
}

// NewImbalanceDetector creates the detector with the configured thresholds.
func NewImbalanceDetector(cfg config.SignalsConfig, logger *slog.Logger) *ImbalanceDetector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ImbalanceDetector{
		cfg:    cfg,
		logger: logger.With("component", "imbalance"),
	}
}

// Evaluate inspects one book and returns a signal or nil. Thresholds are
// strict: an imbalance exactly at the threshold does not fire.
func (d *ImbalanceDetector) Evaluate(book *market.Book) *types.Signal {
	if !book.IsSynced() {
		return nil
	}

	bidDepth := book.BidDepth(d.cfg.DepthPct)
	askDepth := book.AskDepth(d.cfg.DepthPct)
	total := bidDepth + askDepth
	if total < d.cfg.MinDepthUSD {
		return nil
	}
	imbalance := bidDepth / total

	var direction types.Direction
	var strength float64
	switch {
	case imbalance > d.cfg.BullishThreshold:
		direction = types.BuyYes
		strength = (imbalance - d.cfg.BullishThreshold) / (1 - d.cfg.BullishThreshold)
	case imbalance < d.cfg.BearishThreshold:
		direction = types.BuyNo
		strength = (d.cfg.BearishThreshold - imbalance) / d.cfg.BearishThreshold
	default:
		return nil
	}
	strength = math.Max(0, math.Min(strength, 1))

	edge := math.Abs(imbalance-0.5) * d.cfg.Sensitivity
	if edge > maxImbalanceEdge {
		edge = maxImbalanceEdge
	}

	meta := map[string]any{
		"imbalance": imbalance,
		"bid_depth": bidDepth,
		"ask_depth": askDepth,
	}
	if bid, ok := book.BestBid(); ok {
		meta["best_bid"] = bid
	}
	if ask, ok := book.BestAsk(); ok {
		meta["best_ask"] = ask
	}
	if mid, ok := book.Mid(); ok {
		meta["mid"] = mid
	}

	d.logger.Debug("imbalance fired",
		"platform", book.Platform(),
		"market_id", book.MarketID(),
		"imbalance", imbalance,
		"direction", direction,
		"edge", edge,
		"strength", strength,
	)
	return &types.Signal{
		Type:         types.SignalImbalance,
		Direction:    direction,
		Platform:     book.Platform(),
		MarketID:     book.MarketID(),
		EdgeEstimate: edge,
		Strength:     strength,
		Metadata:     meta,
	}
}
