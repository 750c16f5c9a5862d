package signal

import (
	"context"
	"testing"
	"time"

	"prediction-arb/internal/market"
	"prediction-arb/pkg/types"
)

func TestEngineEvaluateAllSortsByStrength(t *testing.T) {
	t.Parallel()

	e := NewEngine(testSignalsConfig(), testLogger())

	// Cross-venue pair nets 0.06 (strength 0.8).
	poly, kalshi := pairBooks(0.38, 0.40, 0.55, 0.58)
	e.RegisterPair(testPair(), poly, kalshi)

	// Standalone imbalanced book (strength ~0.39).
	book := seedBook(types.PlatformKalshi, "KXBTC-25AUG25",
		[]types.BookLevel{{Price: 0.55, Size: 2000}},
		[]types.BookLevel{{Price: 0.60, Size: 500}},
	)
	e.RegisterBook(book)

	signals := e.EvaluateAll()
	if len(signals) != 2 {
		t.Fatalf("EvaluateAll returned %d signals, want 2", len(signals))
	}
	if signals[0].Type != types.SignalCrossVenue || signals[1].Type != types.SignalImbalance {
		t.Errorf("order = %s, %s; want cross_venue first (stronger)", signals[0].Type, signals[1].Type)
	}
	if signals[0].Strength < signals[1].Strength {
		t.Errorf("signals not sorted by strength: %v < %v", signals[0].Strength, signals[1].Strength)
	}
	for i, sig := range signals {
		if !sig.Fired {
			t.Errorf("signals[%d].Fired = false, want true", i)
		}
		if sig.ID == "" {
			t.Errorf("signals[%d].ID empty", i)
		}
		if sig.Timestamp.IsZero() {
			t.Errorf("signals[%d].Timestamp zero", i)
		}
	}
	if signals[0].ID == signals[1].ID {
		t.Errorf("duplicate signal IDs: %q", signals[0].ID)
	}
}

func TestEngineDispatchesToCallbacks(t *testing.T) {
	t.Parallel()

	e := NewEngine(testSignalsConfig(), testLogger())
	book := seedBook(types.PlatformKalshi, "KXBTC-25AUG25",
		[]types.BookLevel{{Price: 0.55, Size: 2000}},
		[]types.BookLevel{{Price: 0.60, Size: 500}},
	)
	e.RegisterBook(book)

	var got []types.Signal
	e.OnSignal(func(sig types.Signal) { got = append(got, sig) })

	e.EvaluateAll()
	if len(got) != 1 {
		t.Fatalf("callback received %d signals, want 1", len(got))
	}
	if got[0].Type != types.SignalImbalance || !got[0].Fired {
		t.Errorf("callback signal = %+v, want fired imbalance", got[0])
	}
}

func TestEngineCallbackPanicRecovered(t *testing.T) {
	t.Parallel()

	e := NewEngine(testSignalsConfig(), testLogger())
	book := seedBook(types.PlatformKalshi, "KXBTC-25AUG25",
		[]types.BookLevel{{Price: 0.55, Size: 2000}},
		[]types.BookLevel{{Price: 0.60, Size: 500}},
	)
	e.RegisterBook(book)

	e.OnSignal(func(types.Signal) { panic("boom") })
	delivered := 0
	e.OnSignal(func(types.Signal) { delivered++ })

	signals := e.EvaluateAll()
	if len(signals) != 1 {
		t.Fatalf("EvaluateAll returned %d signals, want 1", len(signals))
	}
	if delivered != 1 {
		t.Errorf("second callback ran %d times, want 1 despite first panicking", delivered)
	}
}

func TestEngineRegisterBookTwice(t *testing.T) {
	t.Parallel()

	e := NewEngine(testSignalsConfig(), testLogger())
	book := seedBook(types.PlatformKalshi, "KXBTC-25AUG25",
		[]types.BookLevel{{Price: 0.55, Size: 2000}},
		[]types.BookLevel{{Price: 0.60, Size: 500}},
	)
	e.RegisterBook(book)
	e.RegisterBook(book)

	if signals := e.EvaluateAll(); len(signals) != 1 {
		t.Errorf("EvaluateAll returned %d signals, want 1 (no double registration)", len(signals))
	}
}

func TestEngineWakesOnBookUpdate(t *testing.T) {
	t.Parallel()

	cfg := testSignalsConfig()
	cfg.ScanInterval = time.Minute // only the update wake can fire in time

	e := NewEngine(cfg, testLogger())
	book := market.NewBook(types.PlatformKalshi, "KXBTC-25AUG25", testLogger())
	e.RegisterBook(book)

	fired := make(chan types.Signal, 16)
	e.OnSignal(func(sig types.Signal) {
		select {
		case fired <- sig:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	book.ApplySnapshot(
		[]types.BookLevel{{Price: 0.55, Size: 2000}},
		[]types.BookLevel{{Price: 0.60, Size: 500}},
	)

	select {
	case sig := <-fired:
		if sig.Type != types.SignalImbalance {
			t.Errorf("Type = %q, want %q", sig.Type, types.SignalImbalance)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no signal within 2s of book update")
	}
}

func TestEnginePeriodicSweep(t *testing.T) {
	t.Parallel()

	cfg := testSignalsConfig()
	cfg.ScanInterval = 10 * time.Millisecond

	e := NewEngine(cfg, testLogger())
	// Book is already synced and imbalanced before Run starts; no further
	// updates arrive, so only the ticker can trigger evaluation.
	book := seedBook(types.PlatformKalshi, "KXBTC-25AUG25",
		[]types.BookLevel{{Price: 0.55, Size: 2000}},
		[]types.BookLevel{{Price: 0.60, Size: 500}},
	)
	e.RegisterBook(book)

	fired := make(chan types.Signal, 16)
	e.OnSignal(func(sig types.Signal) {
		select {
		case fired <- sig:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("no signal from periodic sweep within 2s")
	}
}
