// Package store persists trading activity: an append-only SQLite event log
// (signals, orders, fills, PnL, portfolio snapshots) and crash-safe JSON
// files for open positions.
//
// The event store is the system of record for everything the engine did and
// why. Writes are single-statement inserts in WAL mode, safe for concurrent
// callers; a failed write is the caller's cue to Warn and move on, never to
// stop trading.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"prediction-arb/pkg/types"
)

// EventStore wraps the SQLite connection for the event log.
type EventStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenEvents opens (or creates) the event database at path and runs
// migrations.
func OpenEvents(path string, logger *slog.Logger) (*EventStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create events dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open events db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping events db: %w", err)
	}

	s := &EventStore{db: db, logger: logger.With("component", "events")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate events db: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *EventStore) Close() error {
	return s.db.Close()
}

func (s *EventStore) migrate() error {
	version := 0
	s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS signals (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				ts            TEXT    NOT NULL,
				signal_type   TEXT,
				direction     TEXT,
				platform      TEXT,
				market_id     TEXT,
				edge_estimate REAL,
				strength      REAL,
				fired         INTEGER,
				metadata_json TEXT
			);

			CREATE TABLE IF NOT EXISTS orders (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				ts             TEXT    NOT NULL,
				platform       TEXT,
				market_id      TEXT,
				side           TEXT,
				expected_price REAL,
				size_usd       REAL,
				order_id       TEXT,
				status         TEXT
			);

			CREATE TABLE IF NOT EXISTS fills (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				order_id   INTEGER REFERENCES orders(id),
				ts         TEXT    NOT NULL,
				fill_price REAL,
				fill_size  REAL,
				slippage   REAL
			);

			CREATE TABLE IF NOT EXISTS pnl (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				ts              TEXT    NOT NULL,
				market_id       TEXT,
				platform        TEXT,
				entry_price     REAL,
				exit_price      REAL,
				size_usd        REAL,
				pnl_usd         REAL,
				holding_seconds REAL
			);

			CREATE TABLE IF NOT EXISTS summary_snapshots (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				ts             TEXT    NOT NULL,
				bankroll       REAL,
				total_exposure REAL,
				open_positions INTEGER,
				daily_pnl      REAL,
				total_pnl      REAL
			);

			CREATE INDEX IF NOT EXISTS idx_signals_ts        ON signals(ts);
			CREATE INDEX IF NOT EXISTS idx_signals_market    ON signals(market_id);
			CREATE INDEX IF NOT EXISTS idx_orders_ts         ON orders(ts);
			CREATE INDEX IF NOT EXISTS idx_fills_ts          ON fills(ts);
			CREATE INDEX IF NOT EXISTS idx_pnl_ts            ON pnl(ts);
			CREATE INDEX IF NOT EXISTS idx_pnl_market        ON pnl(market_id);
			CREATE INDEX IF NOT EXISTS idx_snapshots_ts      ON summary_snapshots(ts);

			INSERT INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
	}
	return nil
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// LogSignal records a signal evaluation and returns the row ID.
func (s *EventStore) LogSignal(sig types.Signal) (int64, error) {
	meta, err := json.Marshal(sig.Metadata)
	if err != nil {
		meta = []byte("{}")
	}
	fired := 0
	if sig.Fired {
		fired = 1
	}
	res, err := s.db.Exec(
		`INSERT INTO signals
		 (ts, signal_type, direction, platform, market_id, edge_estimate, strength, fired, metadata_json)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		nowUTC(), string(sig.Type), string(sig.Direction), string(sig.Platform),
		sig.MarketID, sig.EdgeEstimate, sig.Strength, fired, string(meta),
	)
	if err != nil {
		return 0, fmt.Errorf("insert signal: %w", err)
	}
	return res.LastInsertId()
}

// LogOrder records an outbound order and returns the row ID. Status defaults
// to SUBMITTING when the order carries none.
func (s *EventStore) LogOrder(order types.Order) (int64, error) {
	status := order.Status
	if status == "" {
		status = types.OrderSubmitting
	}
	res, err := s.db.Exec(
		`INSERT INTO orders
		 (ts, platform, market_id, side, expected_price, size_usd, order_id, status)
		 VALUES (?,?,?,?,?,?,?,?)`,
		nowUTC(), string(order.Platform), order.MarketID, string(order.Side),
		order.ExpectedPrice, order.SizeUSD, order.VenueOrderID, string(status),
	)
	if err != nil {
		return 0, fmt.Errorf("insert order: %w", err)
	}
	return res.LastInsertId()
}

// UpdateOrderStatus sets the status (and the venue order ID when non-empty)
// of a previously logged order.
func (s *EventStore) UpdateOrderStatus(rowID int64, status types.OrderStatus, venueOrderID string) error {
	var err error
	if venueOrderID != "" {
		_, err = s.db.Exec("UPDATE orders SET status=?, order_id=? WHERE id=?",
			string(status), venueOrderID, rowID)
	} else {
		_, err = s.db.Exec("UPDATE orders SET status=? WHERE id=?", string(status), rowID)
	}
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

// LogFill records a fill against an order row and its slippage
// (fill − expected, positive means we paid more than expected). Slippage
// beyond 0.5¢ is worth a warning.
func (s *EventStore) LogFill(orderRowID int64, fillPrice, fillSize, expectedPrice float64) error {
	slippage := fillPrice - expectedPrice
	_, err := s.db.Exec(
		"INSERT INTO fills (order_id, ts, fill_price, fill_size, slippage) VALUES (?,?,?,?,?)",
		orderRowID, nowUTC(), fillPrice, fillSize, slippage,
	)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	if slippage > 0.005 || slippage < -0.005 {
		s.logger.Warn("significant slippage",
			"order_row_id", orderRowID,
			"expected", expectedPrice,
			"fill", fillPrice,
			"slippage", slippage,
		)
	}
	return nil
}

// LogPnl records a closed trade's realized PnL.
func (s *EventStore) LogPnl(marketID string, platform types.Platform, entryPrice, exitPrice, sizeUSD, pnlUSD, holdingSeconds float64) error {
	_, err := s.db.Exec(
		`INSERT INTO pnl
		 (ts, market_id, platform, entry_price, exit_price, size_usd, pnl_usd, holding_seconds)
		 VALUES (?,?,?,?,?,?,?,?)`,
		nowUTC(), marketID, string(platform), entryPrice, exitPrice, sizeUSD, pnlUSD, holdingSeconds,
	)
	if err != nil {
		return fmt.Errorf("insert pnl: %w", err)
	}
	return nil
}

// LogSummarySnapshot writes one portfolio summary row for time-series
// analysis.
func (s *EventStore) LogSummarySnapshot(bankroll, totalExposure float64, openPositions int, dailyPnl, totalPnl float64) error {
	_, err := s.db.Exec(
		`INSERT INTO summary_snapshots
		 (ts, bankroll, total_exposure, open_positions, daily_pnl, total_pnl)
		 VALUES (?,?,?,?,?,?)`,
		nowUTC(), bankroll, totalExposure, openPositions, dailyPnl, totalPnl,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// DailyPnl returns the summed realized PnL for a UTC date ("2006-01-02").
// Empty date means today.
func (s *EventStore) DailyPnl(date string) (float64, error) {
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	var total float64
	err := s.db.QueryRow(
		"SELECT COALESCE(SUM(pnl_usd), 0) FROM pnl WHERE ts LIKE ?", date+"%",
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query daily pnl: %w", err)
	}
	return total, nil
}

// AvgSlippage returns the mean slippage across all fills, 0 when there are
// none.
func (s *EventStore) AvgSlippage() (float64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRow("SELECT AVG(slippage) FROM fills").Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("query avg slippage: %w", err)
	}
	if !avg.Valid {
		return 0, nil
	}
	return avg.Float64, nil
}

// HitRate summarizes how many logged signals led to at least one filled
// order on the same platform and market.
type HitRate struct {
	Total  int     `json:"total"`
	Filled int     `json:"filled"`
	Rate   float64 `json:"rate"`
}

// SignalHitRate computes the hit rate, optionally restricted to one signal
// type (empty means all).
func (s *EventStore) SignalHitRate(signalType types.SignalType) (HitRate, error) {
	var hr HitRate
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM signals WHERE (?='' OR signal_type=?)",
		string(signalType), string(signalType),
	).Scan(&hr.Total)
	if err != nil {
		return hr, fmt.Errorf("query signal count: %w", err)
	}

	err = s.db.QueryRow(
		`SELECT COUNT(*) FROM signals s
		 WHERE (?='' OR s.signal_type=?)
		   AND EXISTS (
		     SELECT 1 FROM orders o
		     JOIN fills f ON f.order_id = o.id
		     WHERE o.market_id = s.market_id AND o.platform = s.platform
		   )`,
		string(signalType), string(signalType),
	).Scan(&hr.Filled)
	if err != nil {
		return hr, fmt.Errorf("query filled signals: %w", err)
	}

	if hr.Total > 0 {
		hr.Rate = float64(hr.Filled) / float64(hr.Total)
	}
	return hr, nil
}
