// Package record captures normalized order book snapshots to JSONL files
// for later replay.
//
// One file per (platform, market, UTC day):
// <root>/<YYYY-MM-DD>/<platform>_<market>.jsonl, optionally gzip-compressed.
// Each line is one snapshot with bids/asks as [price, size] pairs, bids
// descending, asks ascending. Files are opened in append mode so restarts
// never lose data, and rotate automatically when the UTC date changes.
package record

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"prediction-arb/pkg/types"
)

// dedupWindow drops per-market updates arriving faster than this; replaying
// every micro-tick adds nothing to the backtest.
const dedupWindow = 100 * time.Millisecond

// line is the on-disk row format.
type line struct {
	TS       time.Time      `json:"ts"`
	Platform types.Platform `json:"platform"`
	MarketID string         `json:"market_id"`
	Bids     [][2]float64   `json:"bids"`
	Asks     [][2]float64   `json:"asks"`
}

type fileHandle struct {
	path string
	file *os.File
	gz   *gzip.Writer
}

func (h *fileHandle) write(data []byte) error {
	if h.gz != nil {
		if _, err := h.gz.Write(data); err != nil {
			return err
		}
		return h.gz.Flush()
	}
	_, err := h.file.Write(data)
	return err
}

func (h *fileHandle) close() error {
	if h.gz != nil {
		h.gz.Close()
	}
	return h.file.Close()
}

// Recorder streams book snapshots to per-market JSONL files. Safe for
// concurrent use; adapters call Record from their read loops.
type Recorder struct {
	dir      string
	compress bool
	logger   *slog.Logger

	mu        sync.Mutex
	handles   map[string]*fileHandle
	lastWrite map[string]time.Time
	closed    bool
}

// New creates a recorder rooted at dir.
func New(dir string, compress bool, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}
	return &Recorder{
		dir:       dir,
		compress:  compress,
		logger:    logger.With("component", "recorder"),
		handles:   make(map[string]*fileHandle),
		lastWrite: make(map[string]time.Time),
	}, nil
}

// Record writes one snapshot, deduplicating rapid-fire updates per market.
// Errors are absorbed: a failed write logs Warn, drops the handle, and the
// next Record reopens the file.
func (r *Recorder) Record(snap types.BookSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	key := string(snap.Platform) + ":" + snap.MarketID
	now := time.Now()
	if now.Sub(r.lastWrite[key]) < dedupWindow {
		return
	}
	r.lastWrite[key] = now

	ts := snap.Timestamp
	if ts.IsZero() {
		ts = now.UTC()
	}

	row := line{
		TS:       ts,
		Platform: snap.Platform,
		MarketID: snap.MarketID,
		Bids:     toPairs(snap.Bids),
		Asks:     toPairs(snap.Asks),
	}
	data, err := json.Marshal(row)
	if err != nil {
		r.logger.Warn("marshal snapshot", "market_id", snap.MarketID, "error", err)
		return
	}
	data = append(data, '\n')

	h, err := r.handle(key, snap.Platform, snap.MarketID, ts)
	if err != nil {
		r.logger.Warn("open recording file", "market_id", snap.MarketID, "error", err)
		return
	}
	if err := h.write(data); err != nil {
		r.logger.Warn("recording write failed", "path", h.path, "error", err)
		h.close()
		delete(r.handles, key)
	}
}

// handle returns the open file for a key, rotating when the expected path
// (which embeds the UTC date) no longer matches. Callers hold mu.
func (r *Recorder) handle(key string, platform types.Platform, marketID string, ts time.Time) (*fileHandle, error) {
	ext := ".jsonl"
	if r.compress {
		ext = ".jsonl.gz"
	}
	dayDir := filepath.Join(r.dir, ts.UTC().Format("2006-01-02"))
	path := filepath.Join(dayDir, string(platform)+"_"+sanitize(marketID)+ext)

	if h, ok := r.handles[key]; ok {
		if h.path == path {
			return h, nil
		}
		h.close()
		delete(r.handles, key)
	}

	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	h := &fileHandle{path: path, file: f}
	if r.compress {
		h.gz = gzip.NewWriter(f)
	}
	r.handles[key] = h
	r.logger.Info("recording opened", "path", path)
	return h, nil
}

// Close flushes and closes all open files. Records after Close are no-ops.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	for key, h := range r.handles {
		if err := h.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.handles, key)
	}
	return firstErr
}

// sanitize makes a market ID safe for use in a filename.
func sanitize(s string) string {
	r := strings.NewReplacer("/", "-", ":", "-", " ", "_")
	return r.Replace(s)
}

func toPairs(levels []types.BookLevel) [][2]float64 {
	pairs := make([][2]float64, len(levels))
	for i, lv := range levels {
		pairs[i] = [2]float64{lv.Price, lv.Size}
	}
	return pairs
}

func fromPairs(pairs [][2]float64) []types.BookLevel {
	levels := make([]types.BookLevel, len(pairs))
	for i, p := range pairs {
		levels[i] = types.BookLevel{Price: p[0], Size: p[1]}
	}
	return levels
}

// ReadFile loads every snapshot from one recording file, in file order.
// Malformed lines are skipped; recordings cut short by a crash still replay
// up to the truncation point.
func ReadFile(path string) ([]types.BookSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	var snaps []types.BookSnapshot
	sc := bufio.NewScanner(reader)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var row line
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			continue
		}
		snaps = append(snaps, types.BookSnapshot{
			Platform:  row.Platform,
			MarketID:  row.MarketID,
			Bids:      fromPairs(row.Bids),
			Asks:      fromPairs(row.Asks),
			Timestamp: row.TS,
		})
	}
	if err := sc.Err(); err != nil {
		return snaps, fmt.Errorf("scan recording: %w", err)
	}
	return snaps, nil
}

// ListRecordings returns every .jsonl/.jsonl.gz file under root, sorted by
// path (date directories sort chronologically).
func ListRecordings(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".jsonl") || strings.HasSuffix(path, ".jsonl.gz") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
