package signal

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"prediction-arb/internal/config"
	"prediction-arb/internal/market"
	"prediction-arb/pkg/types"
)

// Engine schedules the detectors over registered books and pairs.
//
// Book updates wake the engine through a coalesced channel: the wakeup is a
// hint, not a work item, because every evaluation reads current book state.
// Dropping a wakeup while one is already pending loses nothing. A periodic
// sweep every ScanInterval re-evaluates even without updates.
type Engine struct {
	cfg    config.SignalsConfig
	logger *slog.Logger

	imbalance  *ImbalanceDetector
	crossVenue *CrossVenueDetector

	mu        sync.RWMutex
	books     map[string]*market.Book // keyed platform:market_id
	pairs     []pairEntry
	callbacks []func(types.Signal)

	wakeCh chan struct{}
	seq    atomic.Int64
}

type pairEntry struct {
	pair       types.MarketPair
	polyBook   *market.Book
	kalshiBook *market.Book
}

// NewEngine builds the engine and both detectors from one config.
func NewEngine(cfg config.SignalsConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "signals"),
		imbalance:  NewImbalanceDetector(cfg, logger),
		crossVenue: NewCrossVenueDetector(cfg, logger),
		books:      make(map[string]*market.Book),
		wakeCh:     make(chan struct{}, 1),
	}
}

// RegisterBook adds a book to the imbalance scan set and hooks its updates
// to wake the engine. Registering the same book twice is a no-op.
func (e *Engine) RegisterBook(book *market.Book) {
	key := string(book.Platform()) + ":" + book.MarketID()

	e.mu.Lock()
	if _, exists := e.books[key]; exists {
		e.mu.Unlock()
		return
	}
	e.books[key] = book
	e.mu.Unlock()

	book.OnUpdate(func(*market.Book) { e.wake() })
}

// RegisterPair adds a matched cross-venue pair. The two books must also be
// registered via RegisterBook to drive wakeups.
func (e *Engine) RegisterPair(pair types.MarketPair, polyBook, kalshiBook *market.Book) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pairs = append(e.pairs, pairEntry{pair: pair, polyBook: polyBook, kalshiBook: kalshiBook})
}

// OnSignal registers a callback invoked for every fired signal, strongest
// first within an evaluation pass.
func (e *Engine) OnSignal(fn func(types.Signal)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, fn)
}

// Run evaluates on every wakeup and on the periodic sweep until ctx ends.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.ScanInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("signal engine running", "scan_interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wakeCh:
			e.EvaluateAll()
		case <-ticker.C:
			e.EvaluateAll()
		}
	}
}

// EvaluateAll runs every detector once: cross-venue pairs first, then
// single-venue imbalance. Fired signals are stamped, sorted by strength
// descending, dispatched to callbacks, and returned (the backtester uses
// the return value directly).
func (e *Engine) EvaluateAll() []types.Signal {
	e.mu.RLock()
	pairs := make([]pairEntry, len(e.pairs))
	copy(pairs, e.pairs)
	keys := make([]string, 0, len(e.books))
	for key := range e.books {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	books := make([]*market.Book, 0, len(keys))
	for _, key := range keys {
		books = append(books, e.books[key])
	}
	cbs := make([]func(types.Signal), len(e.callbacks))
	copy(cbs, e.callbacks)
	e.mu.RUnlock()

	var signals []types.Signal
	for _, p := range pairs {
		if sig := e.crossVenue.Evaluate(p.pair, p.polyBook, p.kalshiBook); sig != nil {
			signals = append(signals, *sig)
		}
	}
	for _, b := range books {
		if sig := e.imbalance.Evaluate(b); sig != nil {
			signals = append(signals, *sig)
		}
	}

	sort.SliceStable(signals, func(i, j int) bool {
		return signals[i].Strength > signals[j].Strength
	})

	now := time.Now().UTC()
	for i := range signals {
		signals[i].ID = fmt.Sprintf("sig-%d-%d", now.UnixNano(), e.seq.Add(1))
		signals[i].Timestamp = now
		signals[i].Fired = true
		for _, cb := range cbs {
			e.dispatch(cb, signals[i])
		}
	}
	return signals
}

func (e *Engine) dispatch(cb func(types.Signal), sig types.Signal) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("signal callback panicked", "panic", r, "signal", sig.ID)
		}
	}()
	cb(sig)
}

// wake nudges the run loop. Non-blocking: a pending wakeup already covers
// this update.
func (e *Engine) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}
