package risk

import (
	"log/slog"
	"math"
	"os"
	"strings"
	"testing"

	"prediction-arb/internal/config"
	"prediction-arb/pkg/types"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		BankrollUSD:         1000,
		KellyFraction:       0.25,
		MaxPositionFraction: 0.08,
		MaxTotalExposure:    0.25,
		MinEdge:             0.05,
		MaxDailyLossUSD:     50,
	}
}

func newTestManager() *Manager {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewManager(testRiskConfig(), logger)
}

func almostEqual(a, b, eps float64) bool {
	return math.Abs(a-b) < eps
}

func testSignal(edge float64) types.Signal {
	return types.Signal{
		ID:           "sig-1",
		Type:         types.SignalImbalance,
		Direction:    types.BuyYes,
		Platform:     types.PlatformKalshi,
		MarketID:     "KXHIGHNY-25AUG25-T85",
		EdgeEstimate: edge,
		Strength:     0.5,
		Metadata:     map[string]any{"best_bid": 0.5},
	}
}

func TestCheckApprovesKellySize(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	// entry 0.5 → b=1, p=0.56, kelly=0.12, quarter kelly=0.03 → $30
	dec := rm.Check(testSignal(0.06))

	if !dec.Approved {
		t.Fatalf("decision not approved: %s", dec.Reason)
	}
	if !almostEqual(dec.SizeUSD, 30, 1e-9) {
		t.Errorf("size = %v, want 30", dec.SizeUSD)
	}
	for _, tok := range []string{"PASS:no_duplicate", "PASS:daily_loss_ok", "PASS:edge=0.060", "PASS:single_cap", "PASS:total_cap"} {
		if !strings.Contains(dec.CheckLog, tok) {
			t.Errorf("check log missing %q: %s", tok, dec.CheckLog)
		}
	}
}

func TestCheckDefaultEntryPrice(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	sig := testSignal(0.06)
	sig.Metadata = nil // entry falls back to 0.45 for BUY_YES

	dec := rm.Check(sig)
	if !dec.Approved {
		t.Fatalf("decision not approved: %s", dec.Reason)
	}
	// entry 0.45 → b=11/9, p=0.51, kelly≈0.10909 → quarter kelly → $27.27
	if !almostEqual(dec.SizeUSD, 27.272727272727273, 1e-6) {
		t.Errorf("size = %v, want ≈27.27", dec.SizeUSD)
	}
}

func TestCheckBuyNoEntryPrice(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	sig := testSignal(0.06)
	sig.Direction = types.BuyNo
	sig.Metadata = map[string]any{"best_bid": 0.5}

	// BUY_NO at best_bid 0.5 → entry 0.5, same sizing as the YES side
	dec := rm.Check(sig)
	if !dec.Approved {
		t.Fatalf("decision not approved: %s", dec.Reason)
	}
	if !almostEqual(dec.SizeUSD, 30, 1e-9) {
		t.Errorf("size = %v, want 30", dec.SizeUSD)
	}
}

func TestCheckRejectsDuplicate(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	sig := testSignal(0.06)
	rm.RecordOpen(sig.Platform, sig.MarketID, 30, 0.5)

	dec := rm.Check(sig)
	if dec.Approved {
		t.Fatal("duplicate position should be rejected")
	}
	if dec.CheckLog != "FAIL:duplicate_position" {
		t.Errorf("check log = %q, want FAIL:duplicate_position", dec.CheckLog)
	}
}

func TestCheckSameMarketOtherPlatform(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	sig := testSignal(0.06)
	rm.RecordOpen(types.PlatformPolymarket, sig.MarketID, 30, 0.5)

	// Positions are keyed platform:market, so the Kalshi side is still open.
	dec := rm.Check(sig)
	if !dec.Approved {
		t.Errorf("same market on another platform should not count as duplicate: %s", dec.Reason)
	}
}

func TestCheckRejectsDailyLossHalt(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.RecordClose(types.PlatformKalshi, "OTHER-MARKET", -60)

	dec := rm.Check(testSignal(0.06))
	if dec.Approved {
		t.Fatal("signal should be rejected while halted")
	}
	if !strings.Contains(dec.CheckLog, "FAIL:daily_loss_limit") {
		t.Errorf("check log = %q, want FAIL:daily_loss_limit", dec.CheckLog)
	}
}

func TestCheckRejectsLowEdge(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	dec := rm.Check(testSignal(0.01))
	if dec.Approved {
		t.Fatal("edge below threshold should be rejected")
	}
	if !strings.Contains(dec.CheckLog, "FAIL:edge_below_min") {
		t.Errorf("check log = %q, want FAIL:edge_below_min", dec.CheckLog)
	}
}

func TestCheckCapsAtPositionFraction(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	// A huge edge wants far more than 8% of bankroll; cap at $80.
	sig := testSignal(0.15)
	sig.Metadata = map[string]any{"best_bid": 0.5}

	dec := rm.Check(sig)
	if !dec.Approved {
		t.Fatalf("decision not approved: %s", dec.Reason)
	}
	if !almostEqual(dec.SizeUSD, 80, 1e-9) {
		t.Errorf("size = %v, want 80 (position cap)", dec.SizeUSD)
	}
}

func TestCheckRejectsAtExposureCeiling(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	// Fill the 25% total exposure budget ($250).
	rm.RecordOpen(types.PlatformKalshi, "M1", 130, 0.5)
	rm.RecordOpen(types.PlatformKalshi, "M2", 120, 0.5)

	dec := rm.Check(testSignal(0.06))
	if dec.Approved {
		t.Fatal("signal should be rejected at exposure ceiling")
	}
	if !strings.Contains(dec.CheckLog, "FAIL:exposure_ceiling") {
		t.Errorf("check log = %q, want FAIL:exposure_ceiling", dec.CheckLog)
	}
}

func TestCheckClipsToRemainingExposure(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	// $230 of $250 used; only $20 left, below the $30 Kelly ask.
	rm.RecordOpen(types.PlatformKalshi, "M1", 230, 0.5)

	dec := rm.Check(testSignal(0.06))
	if !dec.Approved {
		t.Fatalf("decision not approved: %s", dec.Reason)
	}
	if !almostEqual(dec.SizeUSD, 20, 1e-9) {
		t.Errorf("size = %v, want 20 (clipped to remaining)", dec.SizeUSD)
	}
}

func TestRecordCloseUpdatesState(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.RecordOpen(types.PlatformPolymarket, "0xabc", 40, 0.42)
	rm.RecordClose(types.PlatformPolymarket, "0xabc", 12.5)

	snap := rm.Snapshot()
	if snap.OpenPositions != 0 {
		t.Errorf("open positions = %d, want 0", snap.OpenPositions)
	}
	if !almostEqual(snap.TotalExposure, 0, 1e-9) {
		t.Errorf("total exposure = %v, want 0", snap.TotalExposure)
	}
	if !almostEqual(snap.DailyPnl, 12.5, 1e-9) {
		t.Errorf("daily pnl = %v, want 12.5", snap.DailyPnl)
	}
	if !almostEqual(snap.Bankroll, 1012.5, 1e-9) {
		t.Errorf("bankroll = %v, want 1012.5", snap.Bankroll)
	}
}

func TestDailyPnlResetsOnNewDay(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.RecordClose(types.PlatformKalshi, "M1", -60)

	// Pretend the losses belong to a previous UTC day.
	rm.mu.Lock()
	rm.pnlDate = "2000-01-01"
	rm.mu.Unlock()

	snap := rm.Snapshot()
	if snap.DailyPnl != 0 {
		t.Errorf("daily pnl = %v, want 0 after UTC day rollover", snap.DailyPnl)
	}

	// The halt lifted with the reset.
	dec := rm.Check(testSignal(0.06))
	if !dec.Approved {
		t.Errorf("signal should pass after daily reset: %s", dec.Reason)
	}
}

func TestRestoreSeedsPositions(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.Restore([]types.Position{
		{Platform: types.PlatformKalshi, MarketID: "M1", SizeUSD: 45, EntryPrice: 0.5},
		{Platform: types.PlatformPolymarket, MarketID: "0xdef", SizeUSD: 25, EntryPrice: 0.33},
	})

	snap := rm.Snapshot()
	if snap.OpenPositions != 2 {
		t.Errorf("open positions = %d, want 2", snap.OpenPositions)
	}
	if !almostEqual(snap.TotalExposure, 70, 1e-9) {
		t.Errorf("total exposure = %v, want 70", snap.TotalExposure)
	}

	sig := testSignal(0.06)
	sig.MarketID = "M1"
	if dec := rm.Check(sig); dec.Approved {
		t.Error("restored position should block a duplicate")
	}
}
