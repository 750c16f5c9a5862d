package api

import (
	"time"

	"prediction-arb/internal/market"
)

// SnapshotProvider is implemented by the engine; the dashboard pulls state
// through it rather than reaching into engine internals.
type SnapshotProvider interface {
	DashboardSnapshot() Snapshot
}

// Display thresholds for the dashboard book table.
const (
	bookStatusDepthPct = 0.05
	bookStaleAfter     = 30 * time.Second
)

// NewBookStatus summarizes a live order book for display.
func NewBookStatus(book *market.Book) BookStatus {
	status := BookStatus{
		Platform:   book.Platform(),
		MarketID:   book.MarketID(),
		Imbalance:  book.Imbalance(bookStatusDepthPct),
		Synced:     book.IsSynced(),
		Stale:      book.IsStale(bookStaleAfter),
		LastUpdate: book.LastUpdate(),
	}
	if bid, ok := book.BestBid(); ok {
		status.BestBid = bid
	}
	if ask, ok := book.BestAsk(); ok {
		status.BestAsk = ask
	}
	if mid, ok := book.Mid(); ok {
		status.Mid = mid
	}
	if spread, ok := book.Spread(); ok {
		status.Spread = spread
	}
	return status
}
