// Package market provides local order book management and market discovery.
//
// Book mirrors one venue's order book for a single binary market, already
// normalized to YES-probability prices. Venue adapters feed it three ways:
//   - ApplySnapshot replaces the whole book (Polymarket "book" events,
//     Kalshi orderbook_snapshot after normalization)
//   - ApplyDelta sets the absolute size at a level (Polymarket price_change)
//   - ApplyDeltaIncrement adds to the size at a level (Kalshi orderbook_delta)
//
// The Book is concurrency-safe (RWMutex protected) and provides the derived
// values the detectors consume: best bid/ask, mid, spread, near-touch depth,
// and depth imbalance. Update callbacks fire after every mutation, outside
// the lock.
package market

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"prediction-arb/pkg/types"
)

// Side selects which half of the book a delta applies to.
type Side int

const (
	Bid Side = iota
	Ask
)

// Book maintains a normalized local order book for one market on one venue.
// Prices are YES probabilities in [0, 1]; sizes are contracts.
type Book struct {
	mu        sync.RWMutex
	platform  types.Platform
	marketID  string
	bids      map[float64]float64
	asks      map[float64]float64
	synced    bool
	updated   time.Time
	callbacks []func(*Book)
	logger    *slog.Logger
}

// NewBook creates an empty book. It reports synced=false until the first
// snapshot arrives; detectors skip unsynced books.
func NewBook(platform types.Platform, marketID string, logger *slog.Logger) *Book {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Book{
		platform: platform,
		marketID: marketID,
		bids:     make(map[float64]float64),
		asks:     make(map[float64]float64),
		logger:   logger.With("component", "book", "platform", platform, "market_id", marketID),
	}
}

// Platform returns the venue this book belongs to.
func (b *Book) Platform() types.Platform { return b.platform }

// MarketID returns the venue market identifier.
func (b *Book) MarketID() string { return b.marketID }

// OnUpdate registers fn to run after every applied mutation. Callbacks run
// outside the book lock, so they may query the book freely. A panicking
// callback is recovered, logged, and skipped; the others still run.
func (b *Book) OnUpdate(fn func(*Book)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, fn)
}

// ApplySnapshot replaces both sides of the book. Levels with size <= 0 are
// dropped. Marks the book synced and fires callbacks once.
func (b *Book) ApplySnapshot(bids, asks []types.BookLevel) {
	b.mu.Lock()
	b.bids = make(map[float64]float64, len(bids))
	b.asks = make(map[float64]float64, len(asks))
	for _, lvl := range bids {
		if lvl.Size > 0 {
			b.bids[lvl.Price] = lvl.Size
		}
	}
	for _, lvl := range asks {
		if lvl.Size > 0 {
			b.asks[lvl.Price] = lvl.Size
		}
	}
	b.synced = true
	b.updated = time.Now()
	b.mu.Unlock()

	b.notify()
}

// ApplyDelta sets the absolute size at a price level. size <= 0 removes the
// level. Fires callbacks.
func (b *Book) ApplyDelta(side Side, price, size float64) {
	b.mu.Lock()
	levels := b.sideLocked(side)
	if size <= 0 {
		delete(levels, price)
	} else {
		levels[price] = size
	}
	b.updated = time.Now()
	b.mu.Unlock()

	b.notify()
}

// ApplyDeltaIncrement adds delta to the size at a price level (missing
// level counts as zero). A resulting size <= 0 removes the level. Fires
// callbacks.
func (b *Book) ApplyDeltaIncrement(side Side, price, delta float64) {
	b.mu.Lock()
	levels := b.sideLocked(side)
	next := levels[price] + delta
	if next <= 0 {
		delete(levels, price)
	} else {
		levels[price] = next
	}
	b.updated = time.Now()
	b.mu.Unlock()

	b.notify()
}

func (b *Book) sideLocked(side Side) map[float64]float64 {
	if side == Bid {
		return b.bids
	}
	return b.asks
}

// BestBid returns the highest bid price. ok=false when the bid side is empty.
func (b *Book) BestBid() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestLocked(b.bids, true)
}

// BestAsk returns the lowest ask price. ok=false when the ask side is empty.
func (b *Book) BestAsk() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestLocked(b.asks, false)
}

func bestLocked(levels map[float64]float64, highest bool) (float64, bool) {
	if len(levels) == 0 {
		return 0, false
	}
	first := true
	var best float64
	for price := range levels {
		if first || (highest && price > best) || (!highest && price < best) {
			best = price
			first = false
		}
	}
	return best, true
}

// Spread returns bestAsk - bestBid. ok=false unless both sides have depth.
func (b *Book) Spread() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bid, okBid := bestLocked(b.bids, true)
	ask, okAsk := bestLocked(b.asks, false)
	if !okBid || !okAsk {
		return 0, false
	}
	return ask - bid, true
}

// Mid returns the midpoint of best bid and ask. With only one side
// populated it returns that side's best; ok=false only when the book is
// empty.
func (b *Book) Mid() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bid, okBid := bestLocked(b.bids, true)
	ask, okAsk := bestLocked(b.asks, false)
	switch {
	case okBid && okAsk:
		return (bid + ask) / 2, true
	case okBid:
		return bid, true
	case okAsk:
		return ask, true
	default:
		return 0, false
	}
}

// BidDepth sums price*size (USD notional) over bid levels within pct of the
// best bid: price >= best*(1-pct). Returns 0 for an empty side.
func (b *Book) BidDepth(pct float64) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bidDepthLocked(pct)
}

// AskDepth sums price*size over ask levels within pct of the best ask:
// price <= best*(1+pct). Returns 0 for an empty side.
func (b *Book) AskDepth(pct float64) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.askDepthLocked(pct)
}

func (b *Book) bidDepthLocked(pct float64) float64 {
	best, ok := bestLocked(b.bids, true)
	if !ok {
		return 0
	}
	floor := best * (1 - pct)
	var depth float64
	for price, size := range b.bids {
		if price >= floor {
			depth += price * size
		}
	}
	return depth
}

func (b *Book) askDepthLocked(pct float64) float64 {
	best, ok := bestLocked(b.asks, false)
	if !ok {
		return 0
	}
	ceil := best * (1 + pct)
	var depth float64
	for price, size := range b.asks {
		if price <= ceil {
			depth += price * size
		}
	}
	return depth
}

// Imbalance returns bidDepth/(bidDepth+askDepth) within pct of the touch.
// 0.5 means balanced; values above favor buyers. Returns 0.5 when both
// sides are empty (or outside the window).
func (b *Book) Imbalance(pct float64) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bd := b.bidDepthLocked(pct)
	ad := b.askDepthLocked(pct)
	if bd+ad == 0 {
		return 0.5
	}
	return bd / (bd + ad)
}

// IsSynced reports whether at least one full snapshot has been applied.
func (b *Book) IsSynced() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.synced
}

// LastUpdate returns the timestamp of the last applied mutation.
func (b *Book) LastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

// IsStale returns true if the book hasn't been updated within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// Snapshot copies the book into the normalized wire form: bids sorted
// descending, asks ascending, timestamped with the last update.
func (b *Book) Snapshot() types.BookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := types.BookSnapshot{
		Platform:  b.platform,
		MarketID:  b.marketID,
		Bids:      make([]types.BookLevel, 0, len(b.bids)),
		Asks:      make([]types.BookLevel, 0, len(b.asks)),
		Timestamp: b.updated,
	}
	for price, size := range b.bids {
		snap.Bids = append(snap.Bids, types.BookLevel{Price: price, Size: size})
	}
	for price, size := range b.asks {
		snap.Asks = append(snap.Asks, types.BookLevel{Price: price, Size: size})
	}
	sort.Slice(snap.Bids, func(i, j int) bool { return snap.Bids[i].Price > snap.Bids[j].Price })
	sort.Slice(snap.Asks, func(i, j int) bool { return snap.Asks[i].Price < snap.Asks[j].Price })
	return snap
}

func (b *Book) notify() {
	b.mu.RLock()
	cbs := make([]func(*Book), len(b.callbacks))
	copy(cbs, b.callbacks)
	b.mu.RUnlock()

	for _, cb := range cbs {
		b.runCallback(cb)
	}
}

func (b *Book) runCallback(cb func(*Book)) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("book update callback panicked", "panic", r)
		}
	}()
	cb(b)
}
