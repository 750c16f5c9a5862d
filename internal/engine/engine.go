// Package engine is the supervisor that wires every subsystem into one
// process and runs it until shutdown.
//
//  1. The scanner discovers markets on both venues and matches cross-venue
//     pairs.
//  2. One Book per market mirrors the venue order book, fed by a WS adapter
//     per venue.
//  3. The signal engine re-evaluates the detectors on every book update.
//  4. Fired signals flow through the risk gate; approved ones become orders
//     on the venue placement clients.
//  5. Everything is persisted as it happens: signals, orders, and fills in
//     SQLite, open positions as JSON for restart recovery, raw books as
//     JSONL capture.
//
// Lifecycle: New → Run(ctx) → [runs until ctx is canceled] → Run returns
// once the stores are flushed and closed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"prediction-arb/internal/alert"
	"prediction-arb/internal/api"
	"prediction-arb/internal/config"
	"prediction-arb/internal/exchange"
	"prediction-arb/internal/market"
	"prediction-arb/internal/record"
	"prediction-arb/internal/risk"
	"prediction-arb/internal/signal"
	"prediction-arb/internal/store"
	"prediction-arb/pkg/types"
)

const (
	// placeTimeout bounds one placement round trip including retries.
	placeTimeout = 15 * time.Second

	// recentSignalCap is how many fired signals the dashboard snapshot keeps.
	recentSignalCap = 50
)

// Engine owns every component and the goroutines that run them.
type Engine struct {
	cfg        config.Config
	logger     *slog.Logger
	rootLogger *slog.Logger // handed to books created at wire time

	events    *store.EventStore
	positions *store.PositionStore
	recorder  *record.Recorder // nil when recording is disabled
	alerts    *alert.Manager
	riskMgr   *risk.Manager
	signals   *signal.Engine
	scanner   *market.Scanner
	dashboard *api.Server // nil when the dashboard is disabled

	// kalshi and poly place orders on their venue; nil when the venue is
	// disabled. Dry-run clients fabricate fills, so the flow is identical.
	kalshi exchange.PlacementClient
	poly   exchange.PlacementClient

	// books holds every mirrored order book keyed platform:market_id.
	// Filled once during startup wiring, read-only afterwards; same for
	// polyMarkets, pairs, and adapters.
	books       map[string]*market.Book
	polyMarkets map[string]types.MarketInfo
	pairs       []types.MarketPair
	adapters    []*exchange.Adapter

	// ctx is the run context; the signal callback derives placement
	// timeouts from it.
	ctx context.Context

	recentMu sync.Mutex
	recent   []types.Signal
}

var _ api.SnapshotProvider = (*Engine)(nil)

// New opens the stores and builds every component from config. gammaClient
// may be nil when the Polymarket venue is disabled. For live Polymarket
// trading without a configured API key triple, credentials are derived here
// so a bad wallet key fails at startup rather than on the first order.
func New(cfg config.Config, gammaClient market.GammaLister, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	events, err := store.OpenEvents(cfg.Store.EventsPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	positions, err := store.OpenPositions(cfg.Store.PositionsDir, logger)
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("open position store: %w", err)
	}

	var recorder *record.Recorder
	if cfg.Recording.Enabled {
		recorder, err = record.New(cfg.Recording.Dir, cfg.Recording.Gzip, logger)
		if err != nil {
			events.Close()
			return nil, fmt.Errorf("open recorder: %w", err)
		}
	}

	e := &Engine{
		cfg:         cfg,
		logger:      logger.With("component", "engine"),
		rootLogger:  logger,
		events:      events,
		positions:   positions,
		recorder:    recorder,
		alerts:      alert.NewManager(cfg.Alerts, cfg.DryRun, logger),
		riskMgr:     risk.NewManager(cfg.Risk, logger),
		signals:     signal.NewEngine(cfg.Signals, logger),
		scanner:     market.NewScanner(cfg, gammaClient, logger),
		books:       make(map[string]*market.Book),
		polyMarkets: make(map[string]types.MarketInfo),
		ctx:         context.Background(),
	}

	if cfg.Venues.Kalshi.Enabled {
		e.kalshi = exchange.NewKalshiClient(cfg.Venues.Kalshi, cfg.DryRun, logger)
	}
	if cfg.Venues.Polymarket.Enabled {
		poly, err := exchange.NewPolymarketClient(cfg.Venues.Polymarket, cfg.DryRun, logger)
		if err != nil {
			events.Close()
			return nil, err
		}
		// Derive L2 credentials up front when only a wallet key is configured.
		if err := poly.EnsureCredentials(context.Background()); err != nil {
			events.Close()
			return nil, err
		}
		e.poly = poly
	}

	e.signals.OnSignal(e.handleSignal)

	if cfg.Dashboard.Enabled {
		e.dashboard = api.NewServer(cfg.Dashboard, e, logger)
	}
	return e, nil
}

// Run discovers markets, wires books and adapters, and supervises every
// component goroutine until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx

	saved, err := e.positions.LoadAll()
	if err != nil {
		e.logger.Warn("position restore failed", "error", err)
	} else if len(saved) > 0 {
		e.riskMgr.Restore(saved)
	}

	result, err := e.scanner.Scan(ctx)
	if err != nil {
		e.shutdown()
		return fmt.Errorf("initial market scan: %w", err)
	}
	e.wireMarkets(result)

	e.logger.Info("engine running",
		"dry_run", e.cfg.DryRun,
		"books", len(e.books),
		"pairs", len(e.pairs),
		"adapters", len(e.adapters))

	g, gctx := errgroup.WithContext(ctx)
	for _, ad := range e.adapters {
		g.Go(func() error {
			ad.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		// Unblock adapter reads in flight once shutdown starts.
		<-gctx.Done()
		for _, ad := range e.adapters {
			ad.Close()
		}
		return nil
	})
	g.Go(func() error {
		e.signals.Run(gctx)
		return nil
	})
	g.Go(func() error {
		e.scanner.Run(gctx)
		return nil
	})
	g.Go(func() error {
		e.consumeRescans(gctx)
		return nil
	})
	g.Go(func() error {
		e.snapshotLoop(gctx)
		return nil
	})
	if e.dashboard != nil {
		g.Go(func() error {
			return e.dashboard.Run(gctx)
		})
	}

	err = g.Wait()
	e.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// shutdown flushes and closes everything that buffers. Adapters are already
// stopped by context cancellation when this runs.
func (e *Engine) shutdown() {
	if e.recorder != nil {
		if err := e.recorder.Close(); err != nil {
			e.logger.Warn("recorder close failed", "error", err)
		}
	}
	if err := e.events.Close(); err != nil {
		e.logger.Warn("event store close failed", "error", err)
	}
	e.logger.Info("engine stopped")
}

// wireMarkets builds one Book per discovered market, registers each with the
// signal engine plus the recorder and dashboard taps, and constructs the WS
// adapters. Runs once before the supervised goroutines start; the maps it
// fills are read-only afterwards.
func (e *Engine) wireMarkets(result market.ScanResult) {
	kalshiBooks := make(map[string]*market.Book, len(result.Kalshi))
	tickers := make([]string, 0, len(result.Kalshi))
	for _, info := range result.Kalshi {
		book := market.NewBook(types.PlatformKalshi, info.ID, e.rootLogger)
		e.registerBook(book)
		kalshiBooks[info.ID] = book
		tickers = append(tickers, info.ID)
	}

	polyBooks := make(map[string]*market.Book, len(result.Polymarket))
	tokenToMarket := make(map[string]string, 2*len(result.Polymarket))
	for _, info := range result.Polymarket {
		book := market.NewBook(types.PlatformPolymarket, info.ID, e.rootLogger)
		e.registerBook(book)
		polyBooks[info.ID] = book
		e.polyMarkets[info.ID] = info
		tokenToMarket[info.YesTokenID] = info.ID
		if info.NoTokenID != "" {
			tokenToMarket[info.NoTokenID] = info.ID
		}
	}

	for _, pair := range result.Pairs {
		polyBook, kalshiBook := polyBooks[pair.PolymarketID], kalshiBooks[pair.KalshiTicker]
		if polyBook == nil || kalshiBook == nil {
			continue
		}
		e.signals.RegisterPair(pair, polyBook, kalshiBook)
		e.pairs = append(e.pairs, pair)
		e.logger.Info("pair wired",
			"kalshi", pair.KalshiTicker,
			"polymarket", pair.PolymarketID,
			"title", pair.Title)
	}

	if e.cfg.Venues.Kalshi.Enabled && len(tickers) > 0 {
		e.adapters = append(e.adapters,
			exchange.NewKalshiAdapter(e.cfg.Venues.Kalshi, tickers, kalshiBooks, e.rootLogger))
	}
	if e.cfg.Venues.Polymarket.Enabled && len(tokenToMarket) > 0 {
		e.adapters = append(e.adapters,
			exchange.NewPolymarketAdapter(e.cfg.Venues.Polymarket, tokenToMarket, polyBooks, e.rootLogger))
	}
}

func (e *Engine) registerBook(book *market.Book) {
	e.books[string(book.Platform())+":"+book.MarketID()] = book
	e.signals.RegisterBook(book)
	if e.recorder != nil {
		book.OnUpdate(func(b *market.Book) {
			e.recorder.Record(b.Snapshot())
		})
	}
	if e.dashboard != nil {
		book.OnUpdate(func(b *market.Book) {
			e.dashboard.Broadcast(api.NewBookTickEvent(api.NewBookStatus(b)))
		})
	}
}

// consumeRescans reads periodic discovery results. Adapters subscribe to a
// fixed market set at startup, so new pairs are reported but not traded
// until the next restart.
func (e *Engine) consumeRescans(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case result := <-e.scanner.Results():
			e.reportNewPairs(result)
		}
	}
}

func (e *Engine) reportNewPairs(result market.ScanResult) {
	known := make(map[string]bool, len(e.pairs))
	for _, p := range e.pairs {
		known[p.KalshiTicker+"|"+p.PolymarketID] = true
	}
	for _, p := range result.Pairs {
		if known[p.KalshiTicker+"|"+p.PolymarketID] {
			continue
		}
		e.logger.Info("new pair discovered, restart to trade it",
			"kalshi", p.KalshiTicker,
			"polymarket", p.PolymarketID,
			"title", p.Title)
	}
}

// snapshotLoop persists a summary row every snapshot interval and checks the
// daily drawdown alert.
func (e *Engine) snapshotLoop(ctx context.Context) {
	interval := e.cfg.Engine.SnapshotInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.writeSummary()
		}
	}
}

func (e *Engine) writeSummary() {
	snap := e.riskMgr.Snapshot()
	totalPnl := snap.Bankroll - e.cfg.Risk.BankrollUSD
	if err := e.events.LogSummarySnapshot(snap.Bankroll, snap.TotalExposure,
		snap.OpenPositions, snap.DailyPnl, totalPnl); err != nil {
		e.logger.Warn("summary snapshot write failed", "error", err)
	}
	e.alerts.CheckDrawdown(snap.Bankroll, snap.DailyPnl)
	e.pushDashboard(api.NewRiskEvent(snap))
	e.logger.Info("summary",
		"bankroll", snap.Bankroll,
		"exposure", snap.TotalExposure,
		"open_positions", snap.OpenPositions,
		"daily_pnl", snap.DailyPnl)
}

// handleSignal is the trade pipeline, invoked by the signal engine for every
// fired signal. The signal engine dispatches callbacks one at a time, so the
// whole pipeline is serialized.
func (e *Engine) handleSignal(sig types.Signal) {
	if _, err := e.events.LogSignal(sig); err != nil {
		e.logger.Warn("signal log failed", "signal", sig.ID, "error", err)
	}
	e.rememberSignal(sig)
	e.alerts.Signal(sig)
	e.pushDashboard(api.NewSignalEvent(sig))

	decision := e.riskMgr.Check(sig)
	if !decision.Approved {
		e.logger.Info("signal rejected",
			"signal", sig.ID,
			"market", string(sig.Platform)+":"+sig.MarketID,
			"reason", decision.Reason,
			"checks", decision.CheckLog)
		return
	}

	exec := e.execFor(sig.Platform)
	if exec == nil {
		e.logger.Warn("no placement client for venue",
			"platform", sig.Platform, "signal", sig.ID)
		return
	}

	order := e.buildOrder(sig, decision)
	orderRow, err := e.events.LogOrder(order)
	if err != nil {
		e.logger.Warn("order log failed", "order", order.ID, "error", err)
	}

	ctx, cancel := context.WithTimeout(e.ctx, placeTimeout)
	defer cancel()

	venueID, fillPrice, err := exec.PlaceOrder(ctx, &order)
	if err != nil {
		order.Status = types.OrderFailed
		if orderRow > 0 {
			if uerr := e.events.UpdateOrderStatus(orderRow, types.OrderFailed, ""); uerr != nil {
				e.logger.Warn("order status update failed", "order", order.ID, "error", uerr)
			}
		}
		e.logger.Error("order placement failed",
			"order", order.ID,
			"platform", order.Platform,
			"error", err)
		e.alerts.Error("execution", err)
		e.pushDashboard(api.NewOrderEvent(order))
		return
	}

	order.Status = types.OrderFilled
	order.VenueOrderID = venueID
	if orderRow > 0 {
		if err := e.events.UpdateOrderStatus(orderRow, types.OrderFilled, venueID); err != nil {
			e.logger.Warn("order status update failed", "order", order.ID, "error", err)
		}
		if err := e.events.LogFill(orderRow, fillPrice, order.SizeUSD, order.ExpectedPrice); err != nil {
			e.logger.Warn("fill log failed", "order", order.ID, "error", err)
		}
	}

	e.riskMgr.RecordOpen(order.Platform, order.MarketID, order.SizeUSD, fillPrice)
	pos := types.Position{
		Platform:   order.Platform,
		MarketID:   order.MarketID,
		Direction:  order.Direction,
		SizeUSD:    order.SizeUSD,
		EntryPrice: fillPrice,
		OpenedAt:   time.Now().UTC(),
	}
	if err := e.positions.Save(pos); err != nil {
		e.logger.Warn("position save failed", "market", pos.Key(), "error", err)
	}

	e.alerts.Trade(order, fillPrice)
	e.pushDashboard(api.NewOrderEvent(order))
	e.pushDashboard(api.NewFillEvent(types.Fill{
		OrderID:   order.ID,
		Price:     fillPrice,
		SizeUSD:   order.SizeUSD,
		Slippage:  fillPrice - order.ExpectedPrice,
		Timestamp: time.Now().UTC(),
	}))

	e.logger.Info("position opened",
		"market", pos.Key(),
		"direction", order.Direction,
		"fill_price", fillPrice,
		"size_usd", order.SizeUSD,
		"venue_order_id", venueID)
}

// buildOrder turns an approved signal into a venue order. For Polymarket the
// Direction picks which outcome token to buy.
func (e *Engine) buildOrder(sig types.Signal, decision types.Decision) types.Order {
	order := types.Order{
		ID:            fmt.Sprintf("ord-%d", time.Now().UnixNano()),
		Platform:      sig.Platform,
		MarketID:      sig.MarketID,
		Side:          types.BUY,
		Direction:     sig.Direction,
		ExpectedPrice: expectedPrice(sig),
		SizeUSD:       decision.SizeUSD,
		Status:        types.OrderSubmitting,
		CreatedAt:     time.Now().UTC(),
	}
	if sig.Platform == types.PlatformPolymarket {
		if info, ok := e.polyMarkets[sig.MarketID]; ok {
			if sig.Direction == types.BuyNo {
				order.TokenID = info.NoTokenID
			} else {
				order.TokenID = info.YesTokenID
			}
		}
	}
	return order
}

// expectedPrice is the price the order is expected to cross at. Cross-venue
// signals carry the exact buy price; imbalance signals carry the top of book
// and pay the ask (or 1 - bid for the NO side).
func expectedPrice(sig types.Signal) float64 {
	if p := sig.MetaFloat("buy_price", 0); p > 0 {
		return p
	}
	if sig.Direction == types.BuyNo {
		return 1 - sig.MetaFloat("best_bid", 0.5)
	}
	return sig.MetaFloat("best_ask", 0.5)
}

func (e *Engine) execFor(platform types.Platform) exchange.PlacementClient {
	switch platform {
	case types.PlatformKalshi:
		return e.kalshi
	case types.PlatformPolymarket:
		return e.poly
	}
	return nil
}

func (e *Engine) pushDashboard(evt api.DashboardEvent) {
	if e.dashboard == nil {
		return
	}
	e.dashboard.Broadcast(evt)
}

func (e *Engine) rememberSignal(sig types.Signal) {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	e.recent = append(e.recent, sig)
	if len(e.recent) > recentSignalCap {
		e.recent = e.recent[len(e.recent)-recentSignalCap:]
	}
}

func (e *Engine) recentSignals() []types.Signal {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	out := make([]types.Signal, len(e.recent))
	copy(out, e.recent)
	return out
}

// DashboardSnapshot assembles the full dashboard state. Implements
// api.SnapshotProvider.
func (e *Engine) DashboardSnapshot() api.Snapshot {
	books := make([]api.BookStatus, 0, len(e.books))
	for _, book := range e.books {
		books = append(books, api.NewBookStatus(book))
	}
	sort.Slice(books, func(i, j int) bool {
		if books[i].Platform != books[j].Platform {
			return books[i].Platform < books[j].Platform
		}
		return books[i].MarketID < books[j].MarketID
	})

	return api.Snapshot{
		Timestamp:     time.Now().UTC(),
		DryRun:        e.cfg.DryRun,
		Pairs:         e.pairs,
		Books:         books,
		Risk:          e.riskMgr.Snapshot(),
		Positions:     e.riskMgr.Positions(),
		RecentSignals: e.recentSignals(),
	}
}
