package signal

import (
	"log/slog"
	"math"

	"prediction-arb/internal/config"
	"prediction-arb/internal/market"
	"prediction-arb/pkg/types"
)

// CrossVenueDetector fires when the same YES outcome trades at least
// minSpread cheaper on one venue than the other, net of both venues' fees.
// True arbitrage needs simultaneous fills on both legs; this detector flags
// the opportunity and names the buy leg, execution handles the rest.
type CrossVenueDetector struct {
	cfg    config.SignalsConfig
	logger *slog.Logger
}

// NewCrossVenueDetector creates the detector. Fees are conservative one-way
// estimates per venue, subtracted from the gross spread before comparing
// against MinArbSpread.
func NewCrossVenueDetector(cfg config.SignalsConfig, logger *slog.Logger) *CrossVenueDetector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &CrossVenueDetector{
		cfg:    cfg,
		logger: logger.With("component", "crossvenue"),
	}
}

// Evaluate compares YES prices for one matched pair. Both books must be
// synced with both sides quoted; the threshold is inclusive (a net spread
// exactly at MinArbSpread fires).
func (d *CrossVenueDetector) Evaluate(pair types.MarketPair, polyBook, kalshiBook *market.Book) *types.Signal {
	if !polyBook.IsSynced() || !kalshiBook.IsSynced() {
		return nil
	}

	polyAsk, okPA := polyBook.BestAsk()
	polyBid, okPB := polyBook.BestBid()
	kalshiAsk, okKA := kalshiBook.BestAsk()
	kalshiBid, okKB := kalshiBook.BestBid()
	if !okPA || !okPB || !okKA || !okKB {
		return nil
	}

	fees := d.cfg.PolymarketFee + d.cfg.KalshiFee

	// Leg 1: buy YES on Polymarket, sell YES (buy NO) on Kalshi.
	spreadPolyBuy := kalshiBid - polyAsk - fees
	// Leg 2: buy YES on Kalshi, sell YES (buy NO) on Polymarket.
	spreadKalshiBuy := polyBid - kalshiAsk - fees

	best := math.Max(spreadPolyBuy, spreadKalshiBuy)
	if best < d.cfg.MinArbSpread {
		return nil
	}

	var buyPlatform, sellPlatform types.Platform
	var buyMarketID, sellMarketID string
	var buyPrice, sellPrice, buyLegBid float64
	if spreadPolyBuy >= spreadKalshiBuy {
		buyPlatform, sellPlatform = types.PlatformPolymarket, types.PlatformKalshi
		buyMarketID, sellMarketID = pair.PolymarketID, pair.KalshiTicker
		buyPrice, sellPrice = polyAsk, kalshiBid
		buyLegBid = polyBid
	} else {
		buyPlatform, sellPlatform = types.PlatformKalshi, types.PlatformPolymarket
		buyMarketID, sellMarketID = pair.KalshiTicker, pair.PolymarketID
		buyPrice, sellPrice = kalshiAsk, polyBid
		buyLegBid = kalshiBid
	}

	strength := math.Min(best/(d.cfg.MinArbSpread*5), 1)

	d.logger.Info("cross-venue spread",
		"buy", buyPlatform, "buy_price", buyPrice,
		"sell", sellPlatform, "sell_price", sellPrice,
		"net_spread", best,
	)
	return &types.Signal{
		Type:         types.SignalCrossVenue,
		Direction:    types.BuyYes,
		Platform:     buyPlatform,
		MarketID:     buyMarketID,
		EdgeEstimate: best,
		Strength:     strength,
		Metadata: map[string]any{
			"poly_bid":          polyBid,
			"poly_ask":          polyAsk,
			"kalshi_bid":        kalshiBid,
			"kalshi_ask":        kalshiAsk,
			"spread_poly_buy":   spreadPolyBuy,
			"spread_kalshi_buy": spreadKalshiBuy,
			"buy_platform":      string(buyPlatform),
			"sell_platform":     string(sellPlatform),
			"buy_market_id":     buyMarketID,
			"sell_market_id":    sellMarketID,
			"buy_price":         buyPrice,
			"best_bid":          buyLegBid,
		},
	}
}
