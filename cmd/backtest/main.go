// Backtest — replays recorded order book captures through the production
// detectors and risk gate and prints a trade-by-trade report.
//
// Recordings come from the live bot's book recorder (recording.enabled).
// Positional arguments name specific .jsonl/.jsonl.gz files; with none, every
// recording under the configured directory is replayed.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"prediction-arb/internal/backtest"
	"prediction-arb/internal/config"
	"prediction-arb/internal/record"
	"prediction-arb/internal/risk"
	"prediction-arb/internal/signal"
	"prediction-arb/pkg/types"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config file (optional, env-only when omitted)")
	dir := flag.String("dir", "", "recordings directory (default: recording.dir from config)")
	pairsPath := flag.String("pairs", "", "JSON file of market pairs to wire cross-venue detection")
	maxHold := flag.Duration("max-hold", time.Hour, "flat-exit positions after this holding time")
	logLevel := flag.String("log-level", "WARNING", "log level: DEBUG, INFO, WARNING, ERROR")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(*logLevel),
	}))

	files := flag.Args()
	if len(files) == 0 {
		root := *dir
		if root == "" {
			root = cfg.Recording.Dir
		}
		files, err = record.ListRecordings(root)
		if err != nil {
			logger.Error("failed to list recordings", "error", err, "dir", root)
			os.Exit(1)
		}
	}
	if len(files) == 0 {
		logger.Error("no recordings to replay; run the bot with recording enabled first")
		os.Exit(1)
	}

	var pairs []types.MarketPair
	if *pairsPath != "" {
		raw, err := os.ReadFile(*pairsPath)
		if err != nil {
			logger.Error("failed to read pairs file", "error", err, "path", *pairsPath)
			os.Exit(1)
		}
		if err := json.Unmarshal(raw, &pairs); err != nil {
			logger.Error("failed to parse pairs file", "error", err, "path", *pairsPath)
			os.Exit(1)
		}
	}

	runner := backtest.NewRunner(
		backtest.Config{
			InitialBankroll: cfg.Risk.BankrollUSD,
			MaxHold:         *maxHold,
			PolymarketFee:   cfg.Signals.PolymarketFee,
			KalshiFee:       cfg.Signals.KalshiFee,
			Pairs:           pairs,
		},
		signal.NewEngine(cfg.Signals, logger),
		risk.NewManager(cfg.Risk, logger),
		logger,
	)

	report, err := runner.Run(files)
	if err != nil {
		logger.Error("replay failed", "error", err)
		os.Exit(1)
	}
	fmt.Print(report.Stats.Summary())
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
