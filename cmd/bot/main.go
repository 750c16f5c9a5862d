// Prediction Arb — an event-driven arbitrage and signal engine for binary
// prediction markets on Kalshi and Polymarket.
//
// Architecture:
//
//	main.go              — entry point: flags, config, logger, SIGINT/SIGTERM handling
//	engine/engine.go     — supervisor: scans markets, wires books, routes signals to execution
//	market/scanner.go    — discovers markets on both venues, matches cross-venue pairs
//	market/book.go       — local order book mirror fed by venue WebSocket feeds
//	exchange/adapter.go  — WebSocket adapters (Kalshi + Polymarket CLOB) with auto-reconnect
//	exchange/*_client.go — order placement clients (fill-or-kill market orders)
//	signal/              — detectors: order-book imbalance, cross-venue YES divergence
//	risk/manager.go      — stateful gate: Kelly sizing, exposure caps, daily loss limit
//	store/               — SQLite event journal + JSON position snapshots
//	record/recorder.go   — JSONL book capture for offline replay (cmd/backtest)
//	alert/               — Telegram/Discord notifications
//	api/                 — dashboard HTTP endpoints + WebSocket event stream
//
// How it trades:
//
//	Venue adapters mirror order books in memory. Detectors sweep the books
//	for order-flow imbalance on a single venue and for the same YES outcome
//	priced apart across venues. Every firing signal passes the risk gate,
//	which sizes it with fractional Kelly against the live bankroll; approved
//	signals become fill-or-kill orders on the venue the signal names.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	polymarket "github.com/GoPolymarket/polymarket-go-sdk"

	"prediction-arb/internal/config"
	"prediction-arb/internal/engine"
	"prediction-arb/internal/market"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config file (optional, env-only when omitted)")
	dryRun := flag.Bool("dry-run", false, "force dry-run mode regardless of config")
	logLevel := flag.String("log-level", "", "log level: DEBUG, INFO, WARNING, ERROR")
	logFile := flag.String("log-file", "", "write JSON logs to this file instead of text on stderr")
	scanInterval := flag.Int("scan-interval", 0, "signal engine sweep interval in seconds")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFile != "" {
		cfg.Logging.File = *logFile
	}
	if *scanInterval > 0 {
		cfg.Signals.ScanInterval = time.Duration(*scanInterval) * time.Second
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger, closeLog, err := buildLogger(cfg.Logging)
	if err != nil {
		slog.Error("failed to open log file", "error", err, "path", cfg.Logging.File)
		os.Exit(1)
	}
	defer closeLog()

	// The Gamma client is only needed for Polymarket market discovery.
	var gammaClient market.GammaLister
	if cfg.Venues.Polymarket.Enabled {
		gammaClient = polymarket.NewClient().Gamma
	}

	eng, err := engine.New(*cfg, gammaClient, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE, no real orders will be placed")
	}
	logger.Info("prediction arb starting",
		"kalshi", cfg.Venues.Kalshi.Enabled,
		"polymarket", cfg.Venues.Polymarket.Enabled,
		"bankroll_usd", cfg.Risk.BankrollUSD,
		"min_edge", cfg.Risk.MinEdge,
		"dry_run", cfg.DryRun,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("engine exited", "error", err)
		os.Exit(1)
	}
}

// buildLogger follows the logging config: JSON to the named file when one is
// set, human-readable text on stderr otherwise.
func buildLogger(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.File == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), func() {}, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(slog.NewJSONHandler(f, opts)), func() { f.Close() }, nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
