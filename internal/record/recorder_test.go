package record

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"prediction-arb/pkg/types"
)

func testSnapshot(ts time.Time) types.BookSnapshot {
	return types.BookSnapshot{
		Platform:  types.PlatformKalshi,
		MarketID:  "KXHIGHNY-25AUG25-T85",
		Bids:      []types.BookLevel{{Price: 0.55, Size: 200}, {Price: 0.54, Size: 300}},
		Asks:      []types.BookLevel{{Price: 0.60, Size: 100}},
		Timestamp: ts,
	}
}

// resetDedup lets the next Record for a key through the dedup window.
func resetDedup(r *Recorder, snap types.BookSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastWrite[string(snap.Platform)+":"+snap.MarketID] = time.Time{}
}

func TestRecordRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	r, err := New(dir, false, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ts := time.Date(2025, 8, 25, 14, 30, 0, 0, time.UTC)
	r.Record(testSnapshot(ts))
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(dir, "2025-08-25", "kalshi_KXHIGHNY-25AUG25-T85.jsonl")
	snaps, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("snapshots = %d, want 1", len(snaps))
	}
	got := snaps[0]
	if got.Platform != types.PlatformKalshi || got.MarketID != "KXHIGHNY-25AUG25-T85" {
		t.Errorf("identity = %s:%s", got.Platform, got.MarketID)
	}
	if len(got.Bids) != 2 || got.Bids[0].Price != 0.55 || got.Bids[0].Size != 200 {
		t.Errorf("bids = %+v", got.Bids)
	}
	if len(got.Asks) != 1 || got.Asks[0].Price != 0.60 {
		t.Errorf("asks = %+v", got.Asks)
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, ts)
	}
}

func TestRecordGzipRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	r, err := New(dir, true, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ts := time.Date(2025, 8, 25, 9, 0, 0, 0, time.UTC)
	snap := testSnapshot(ts)
	r.Record(snap)
	resetDedup(r, snap)
	snap.Timestamp = ts.Add(time.Second)
	r.Record(snap)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(dir, "2025-08-25", "kalshi_KXHIGHNY-25AUG25-T85.jsonl.gz")
	snaps, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(snaps))
	}
	if !snaps[1].Timestamp.After(snaps[0].Timestamp) {
		t.Error("snapshots out of order")
	}
}

func TestRecordDedupWindow(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	r, err := New(dir, false, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ts := time.Date(2025, 8, 25, 9, 0, 0, 0, time.UTC)
	snap := testSnapshot(ts)
	r.Record(snap)
	r.Record(snap) // within 100ms of the first, dropped
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(dir, "2025-08-25", "kalshi_KXHIGHNY-25AUG25-T85.jsonl")
	snaps, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(snaps) != 1 {
		t.Errorf("snapshots = %d, want 1 (second dropped by dedup)", len(snaps))
	}
}

func TestRecordRotatesOnNewDay(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	r, err := New(dir, false, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	day1 := testSnapshot(time.Date(2025, 8, 24, 23, 59, 0, 0, time.UTC))
	r.Record(day1)
	resetDedup(r, day1)
	day2 := testSnapshot(time.Date(2025, 8, 25, 0, 1, 0, 0, time.UTC))
	r.Record(day2)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, day := range []string{"2025-08-24", "2025-08-25"} {
		path := filepath.Join(dir, day, "kalshi_KXHIGHNY-25AUG25-T85.jsonl")
		snaps, err := ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile %s: %v", day, err)
		}
		if len(snaps) != 1 {
			t.Errorf("%s: snapshots = %d, want 1", day, len(snaps))
		}
	}
}

func TestRecordAfterCloseIsNoop(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	r, err := New(dir, false, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r.Record(testSnapshot(time.Date(2025, 8, 25, 9, 0, 0, 0, time.UTC)))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("dir entries after closed Record = %d, want 0", len(entries))
	}
}

func TestSanitizedFilename(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	r, err := New(dir, false, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	snap := testSnapshot(time.Date(2025, 8, 25, 9, 0, 0, 0, time.UTC))
	snap.Platform = types.PlatformPolymarket
	snap.MarketID = "will/it:rain tomorrow"
	r.Record(snap)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(dir, "2025-08-25", "polymarket_will-it-rain_tomorrow.jsonl")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected sanitized file at %s: %v", path, err)
	}
}

func TestReadFileSkipsMalformedLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	path := filepath.Join(dir, "capture.jsonl")
	content := `{"ts":"2025-08-25T09:00:00Z","platform":"kalshi","market_id":"M1","bids":[[0.5,100]],"asks":[]}
not json at all
{"ts":"2025-08-25T09:00:01Z","platform":"kalshi","market_id":"M1","bids":[[0.51,50]],"asks":[]}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	snaps, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want 2 (malformed line skipped)", len(snaps))
	}
	if snaps[1].Bids[0].Price != 0.51 {
		t.Errorf("second snapshot bid = %v, want 0.51", snaps[1].Bids[0].Price)
	}
}

func TestListRecordings(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	r, err := New(dir, false, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := testSnapshot(time.Date(2025, 8, 24, 9, 0, 0, 0, time.UTC))
	r.Record(a)
	b := testSnapshot(time.Date(2025, 8, 25, 9, 0, 0, 0, time.UTC))
	b.MarketID = "OTHER"
	r.Record(b)
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := ListRecordings(dir)
	if err != nil {
		t.Fatalf("ListRecordings: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %d, want 2", len(files))
	}
	if !strings.Contains(files[0], "2025-08-24") || !strings.Contains(files[1], "2025-08-25") {
		t.Errorf("files not sorted by day: %v", files)
	}
}
