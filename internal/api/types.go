package api

import (
	"time"

	"prediction-arb/internal/risk"
	"prediction-arb/pkg/types"
)

// Snapshot is the full dashboard state: returned by /api/snapshot and pushed
// to every websocket client on connect.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	DryRun    bool      `json:"dry_run"`

	Pairs []types.MarketPair `json:"pairs"`
	Books []BookStatus       `json:"books"`

	Risk      risk.Snapshot    `json:"risk"`
	Positions []types.Position `json:"positions"`

	RecentSignals []types.Signal `json:"recent_signals"`
}

// BookStatus is one order book's line on the dashboard.
type BookStatus struct {
	Platform   types.Platform `json:"platform"`
	MarketID   string         `json:"market_id"`
	BestBid    float64        `json:"best_bid"`
	BestAsk    float64        `json:"best_ask"`
	Mid        float64        `json:"mid"`
	Spread     float64        `json:"spread"`
	Imbalance  float64        `json:"imbalance"`
	Synced     bool           `json:"synced"`
	Stale      bool           `json:"stale"`
	LastUpdate time.Time      `json:"last_update"`
}
