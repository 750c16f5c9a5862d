package store

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"prediction-arb/pkg/types"
)

func newTestEvents(t *testing.T) *EventStore {
	t.Helper()
	s, err := OpenEvents(filepath.Join(t.TempDir(), "events.db"), nil)
	if err != nil {
		t.Fatalf("OpenEvents: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func almostEqual(a, b, eps float64) bool {
	return math.Abs(a-b) < eps
}

func TestLogSignalReturnsRowID(t *testing.T) {
	t.Parallel()
	s := newTestEvents(t)

	sig := types.Signal{
		Type:         types.SignalImbalance,
		Direction:    types.BuyYes,
		Platform:     types.PlatformKalshi,
		MarketID:     "KXHIGHNY-25AUG25-T85",
		EdgeEstimate: 0.06,
		Strength:     0.4,
		Fired:        true,
		Metadata:     map[string]any{"imbalance": 0.79},
	}

	id1, err := s.LogSignal(sig)
	if err != nil {
		t.Fatalf("LogSignal: %v", err)
	}
	id2, err := s.LogSignal(sig)
	if err != nil {
		t.Fatalf("LogSignal: %v", err)
	}
	if id1 <= 0 || id2 != id1+1 {
		t.Errorf("row ids = %d, %d; want consecutive positive ids", id1, id2)
	}
}

func TestOrderLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestEvents(t)

	rowID, err := s.LogOrder(types.Order{
		Platform:      types.PlatformPolymarket,
		MarketID:      "0xabc",
		Side:          types.BUY,
		ExpectedPrice: 0.40,
		SizeUSD:       30,
	})
	if err != nil {
		t.Fatalf("LogOrder: %v", err)
	}

	if err := s.UpdateOrderStatus(rowID, types.OrderFilled, "venue-123"); err != nil {
		t.Fatalf("UpdateOrderStatus: %v", err)
	}

	var status, venueID string
	err = s.db.QueryRow("SELECT status, order_id FROM orders WHERE id=?", rowID).Scan(&status, &venueID)
	if err != nil {
		t.Fatalf("query order: %v", err)
	}
	if status != "FILLED" {
		t.Errorf("status = %q, want FILLED", status)
	}
	if venueID != "venue-123" {
		t.Errorf("order_id = %q, want venue-123", venueID)
	}
}

func TestLogFillComputesSlippage(t *testing.T) {
	t.Parallel()
	s := newTestEvents(t)

	rowID, err := s.LogOrder(types.Order{
		Platform: types.PlatformKalshi, MarketID: "M1", Side: types.BUY,
		ExpectedPrice: 0.50, SizeUSD: 25,
	})
	if err != nil {
		t.Fatalf("LogOrder: %v", err)
	}

	if err := s.LogFill(rowID, 0.52, 25, 0.50); err != nil {
		t.Fatalf("LogFill: %v", err)
	}

	var slippage float64
	if err := s.db.QueryRow("SELECT slippage FROM fills WHERE order_id=?", rowID).Scan(&slippage); err != nil {
		t.Fatalf("query fill: %v", err)
	}
	if !almostEqual(slippage, 0.02, 1e-9) {
		t.Errorf("slippage = %v, want 0.02", slippage)
	}

	avg, err := s.AvgSlippage()
	if err != nil {
		t.Fatalf("AvgSlippage: %v", err)
	}
	if !almostEqual(avg, 0.02, 1e-9) {
		t.Errorf("avg slippage = %v, want 0.02", avg)
	}
}

func TestAvgSlippageEmpty(t *testing.T) {
	t.Parallel()
	s := newTestEvents(t)

	avg, err := s.AvgSlippage()
	if err != nil {
		t.Fatalf("AvgSlippage: %v", err)
	}
	if avg != 0 {
		t.Errorf("avg slippage = %v, want 0 with no fills", avg)
	}
}

func TestDailyPnl(t *testing.T) {
	t.Parallel()
	s := newTestEvents(t)

	if err := s.LogPnl("M1", types.PlatformKalshi, 0.50, 0.60, 30, 6, 3600); err != nil {
		t.Fatalf("LogPnl: %v", err)
	}
	if err := s.LogPnl("M2", types.PlatformKalshi, 0.40, 0.35, 20, -2.5, 600); err != nil {
		t.Fatalf("LogPnl: %v", err)
	}

	today := time.Now().UTC().Format("2006-01-02")
	got, err := s.DailyPnl(today)
	if err != nil {
		t.Fatalf("DailyPnl: %v", err)
	}
	if !almostEqual(got, 3.5, 1e-9) {
		t.Errorf("daily pnl = %v, want 3.5", got)
	}

	// Empty date defaults to today.
	got, err = s.DailyPnl("")
	if err != nil {
		t.Fatalf("DailyPnl: %v", err)
	}
	if !almostEqual(got, 3.5, 1e-9) {
		t.Errorf("daily pnl (default date) = %v, want 3.5", got)
	}

	// A day with no rows sums to zero.
	got, err = s.DailyPnl("2000-01-01")
	if err != nil {
		t.Fatalf("DailyPnl: %v", err)
	}
	if got != 0 {
		t.Errorf("daily pnl for empty day = %v, want 0", got)
	}
}

func TestSignalHitRate(t *testing.T) {
	t.Parallel()
	s := newTestEvents(t)

	fired := types.Signal{
		Type: types.SignalImbalance, Direction: types.BuyYes,
		Platform: types.PlatformKalshi, MarketID: "M1",
		EdgeEstimate: 0.06, Strength: 0.4, Fired: true,
	}
	if _, err := s.LogSignal(fired); err != nil {
		t.Fatalf("LogSignal: %v", err)
	}
	other := fired
	other.MarketID = "M2"
	if _, err := s.LogSignal(other); err != nil {
		t.Fatalf("LogSignal: %v", err)
	}

	// Only M1 gets an order that fills.
	rowID, err := s.LogOrder(types.Order{
		Platform: types.PlatformKalshi, MarketID: "M1", Side: types.BUY,
		ExpectedPrice: 0.5, SizeUSD: 30,
	})
	if err != nil {
		t.Fatalf("LogOrder: %v", err)
	}
	if err := s.LogFill(rowID, 0.5, 30, 0.5); err != nil {
		t.Fatalf("LogFill: %v", err)
	}

	hr, err := s.SignalHitRate("")
	if err != nil {
		t.Fatalf("SignalHitRate: %v", err)
	}
	if hr.Total != 2 || hr.Filled != 1 {
		t.Errorf("hit rate = %+v, want total=2 filled=1", hr)
	}
	if !almostEqual(hr.Rate, 0.5, 1e-9) {
		t.Errorf("rate = %v, want 0.5", hr.Rate)
	}

	hr, err = s.SignalHitRate(types.SignalCrossVenue)
	if err != nil {
		t.Fatalf("SignalHitRate: %v", err)
	}
	if hr.Total != 0 || hr.Rate != 0 {
		t.Errorf("hit rate for unused type = %+v, want zeroes", hr)
	}
}

func TestSummarySnapshotPersists(t *testing.T) {
	t.Parallel()
	s := newTestEvents(t)

	if err := s.LogSummarySnapshot(1000, 250, 3, -12.5, 80); err != nil {
		t.Fatalf("LogSummarySnapshot: %v", err)
	}

	var bankroll, dailyPnl float64
	var open int
	err := s.db.QueryRow(
		"SELECT bankroll, open_positions, daily_pnl FROM summary_snapshots ORDER BY id DESC LIMIT 1",
	).Scan(&bankroll, &open, &dailyPnl)
	if err != nil {
		t.Fatalf("query snapshot: %v", err)
	}
	if bankroll != 1000 || open != 3 || !almostEqual(dailyPnl, -12.5, 1e-9) {
		t.Errorf("snapshot row = (%v, %d, %v), want (1000, 3, -12.5)", bankroll, open, dailyPnl)
	}
}

func TestReopenKeepsRows(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.db")
	s, err := OpenEvents(path, nil)
	if err != nil {
		t.Fatalf("OpenEvents: %v", err)
	}
	if _, err := s.LogSignal(types.Signal{
		Type: types.SignalCrossVenue, Direction: types.BuyYes,
		Platform: types.PlatformPolymarket, MarketID: "0xdef",
		EdgeEstimate: 0.03, Strength: 0.8, Fired: true,
	}); err != nil {
		t.Fatalf("LogSignal: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := OpenEvents(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	var count int
	if err := s2.db.QueryRow("SELECT COUNT(*) FROM signals").Scan(&count); err != nil {
		t.Fatalf("query signals: %v", err)
	}
	if count != 1 {
		t.Errorf("signals after reopen = %d, want 1", count)
	}
}
