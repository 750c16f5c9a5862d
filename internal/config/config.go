// Package config defines all configuration for the arbitrage engine.
// Config is loaded from an optional YAML file, then ARB_* environment
// variables, then the flat legacy environment keys (KALSHI_API_KEY_ID,
// BANKROLL_USD, ...) which always win. Running with no file at all is
// supported; every tunable has a default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Venues    VenuesConfig    `mapstructure:"venues"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Signals   SignalsConfig   `mapstructure:"signals"`
	Recording RecordingConfig `mapstructure:"recording"`
	Store     StoreConfig     `mapstructure:"store"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// VenuesConfig groups per-venue settings. A disabled venue gets no adapter,
// no placement client, and is skipped by the scanner.
type VenuesConfig struct {
	Kalshi     KalshiConfig     `mapstructure:"kalshi"`
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
}

// KalshiConfig holds Kalshi credentials and discovery filters. The API key
// signs both WS and REST requests, so it is required whenever the venue is
// enabled, dry-run or not.
type KalshiConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Demo      bool     `mapstructure:"demo"`
	APIKeyID  string   `mapstructure:"api_key_id"`
	APISecret string   `mapstructure:"api_secret"`
	Series    []string `mapstructure:"series"` // series tickers to scan, e.g. KXHIGHNY
}

const (
	kalshiProdWS   = "wss://trading-api.kalshi.com/trade-api/ws/v2"
	kalshiDemoWS   = "wss://demo-api.kalshi.co/trade-api/ws/v2"
	kalshiProdREST = "https://trading-api.kalshi.com"
	kalshiDemoREST = "https://demo-api.kalshi.co"
)

// WSURL returns the websocket endpoint for the configured environment.
func (k KalshiConfig) WSURL() string {
	if k.Demo {
		return kalshiDemoWS
	}
	return kalshiProdWS
}

// RESTBaseURL returns the trade API base URL for the configured environment.
func (k KalshiConfig) RESTBaseURL() string {
	if k.Demo {
		return kalshiDemoREST
	}
	return kalshiProdREST
}

// PolymarketConfig holds wallet, API, and endpoint settings for the CLOB.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys when the
// api_key/api_secret/api_passphrase triple is not provided. Market data
// needs no credentials at all.
type PolymarketConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	PrivateKey    string  `mapstructure:"private_key"`
	APIKey        string  `mapstructure:"api_key"`
	APISecret     string  `mapstructure:"api_secret"`
	APIPassphrase string  `mapstructure:"api_passphrase"`
	FunderAddress string  `mapstructure:"funder_address"`
	SignatureType int     `mapstructure:"signature_type"`
	ChainID       int     `mapstructure:"chain_id"`
	CLOBBaseURL   string  `mapstructure:"clob_base_url"`
	GammaBaseURL  string  `mapstructure:"gamma_base_url"`
	WSMarketURL   string  `mapstructure:"ws_market_url"`
	MinLiquidity  float64 `mapstructure:"min_liquidity"`
	MinVolume24h  float64 `mapstructure:"min_volume_24h"`
}

// RiskConfig sizes positions and sets the hard limits the risk manager
// enforces on every signal.
type RiskConfig struct {
	BankrollUSD         float64 `mapstructure:"bankroll_usd"`
	KellyFraction       float64 `mapstructure:"kelly_fraction"`
	MaxPositionFraction float64 `mapstructure:"max_position_fraction"`
	MaxTotalExposure    float64 `mapstructure:"max_total_exposure"`
	MinEdge             float64 `mapstructure:"min_edge"`
	MaxDailyLossUSD     float64 `mapstructure:"max_daily_loss_usd"`
}

// SignalsConfig tunes both detectors.
//
// Imbalance: a book is bullish when bid depth / total depth exceeds
// BullishThreshold (strictly), bearish below BearishThreshold; depth is
// summed within DepthPct of top of book and must total MinDepthUSD.
// Cross-venue: fire when the fee-adjusted spread between matched markets
// reaches MinArbSpread.
type SignalsConfig struct {
	BullishThreshold float64       `mapstructure:"bullish_threshold"`
	BearishThreshold float64       `mapstructure:"bearish_threshold"`
	DepthPct         float64       `mapstructure:"depth_pct"`
	MinDepthUSD      float64       `mapstructure:"min_depth_usd"`
	Sensitivity      float64       `mapstructure:"sensitivity"`
	MinArbSpread     float64       `mapstructure:"min_arb_spread"`
	PolymarketFee    float64       `mapstructure:"polymarket_fee"`
	KalshiFee        float64       `mapstructure:"kalshi_fee"`
	ScanInterval     time.Duration `mapstructure:"scan_interval"`
}

// RecordingConfig controls the JSONL book capture stream.
type RecordingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
	Gzip    bool   `mapstructure:"gzip"`
}

// StoreConfig sets where events (SQLite) and open positions (JSON) persist.
type StoreConfig struct {
	EventsPath   string `mapstructure:"events_path"`
	PositionsDir string `mapstructure:"positions_dir"`
}

// AlertsConfig wires Telegram and Discord notifications. Either channel is
// disabled when its credentials are empty. RateLimit is the minimum gap
// between alerts of the same category.
type AlertsConfig struct {
	TelegramBotToken  string        `mapstructure:"telegram_bot_token"`
	TelegramChatID    string        `mapstructure:"telegram_chat_id"`
	DiscordWebhookURL string        `mapstructure:"discord_webhook_url"`
	RateLimit         time.Duration `mapstructure:"rate_limit"`
	MinSignalStrength float64       `mapstructure:"min_signal_strength"`
	DrawdownPct       float64       `mapstructure:"drawdown_pct"` // daily drawdown alert threshold as a fraction of bankroll
}

// DashboardConfig controls the status HTTP server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
	// AllowedOrigins is the websocket origin allowlist. Empty means
	// same-host and localhost only.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// EngineConfig holds supervisor timings: market re-discovery and summary
// snapshot cadence.
type EngineConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Load reads config from an optional YAML file with env var overrides.
// path == "" skips the file entirely and builds config from defaults plus
// environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := applyLegacyEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", true)
	v.SetDefault("venues.polymarket.chain_id", 137)
	v.SetDefault("venues.polymarket.signature_type", 0)
	v.SetDefault("venues.polymarket.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("venues.polymarket.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("venues.polymarket.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("venues.polymarket.min_liquidity", 1000.0)
	v.SetDefault("venues.polymarket.min_volume_24h", 500.0)
	v.SetDefault("risk.bankroll_usd", 1000.0)
	v.SetDefault("risk.kelly_fraction", 0.25)
	v.SetDefault("risk.max_position_fraction", 0.08)
	v.SetDefault("risk.max_total_exposure", 0.25)
	v.SetDefault("risk.min_edge", 0.05)
	v.SetDefault("risk.max_daily_loss_usd", 50.0)
	v.SetDefault("signals.bullish_threshold", 0.65)
	v.SetDefault("signals.bearish_threshold", 0.35)
	v.SetDefault("signals.depth_pct", 0.05)
	v.SetDefault("signals.min_depth_usd", 500.0)
	v.SetDefault("signals.sensitivity", 0.20)
	v.SetDefault("signals.min_arb_spread", 0.015)
	v.SetDefault("signals.polymarket_fee", 0.02)
	v.SetDefault("signals.kalshi_fee", 0.07)
	v.SetDefault("signals.scan_interval", 5*time.Second)
	v.SetDefault("recording.enabled", true)
	v.SetDefault("recording.dir", "data/recordings")
	v.SetDefault("recording.gzip", false)
	v.SetDefault("store.events_path", "data/events.db")
	v.SetDefault("store.positions_dir", "data/positions")
	v.SetDefault("alerts.rate_limit", 300*time.Second)
	v.SetDefault("alerts.min_signal_strength", 0.5)
	v.SetDefault("alerts.drawdown_pct", 0.05)
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8080)
	v.SetDefault("engine.poll_interval", 300*time.Second)
	v.SetDefault("engine.snapshot_interval", 60*time.Second)
	v.SetDefault("logging.level", "INFO")
}

// applyLegacyEnv applies the flat environment keys. These predate the
// ARB_* scheme and take precedence over both file and prefixed env.
func applyLegacyEnv(cfg *Config) error {
	envBool("KALSHI_ENABLED", &cfg.Venues.Kalshi.Enabled)
	envBool("KALSHI_DEMO", &cfg.Venues.Kalshi.Demo)
	envString("KALSHI_API_KEY_ID", &cfg.Venues.Kalshi.APIKeyID)
	envString("KALSHI_API_SECRET", &cfg.Venues.Kalshi.APISecret)

	envBool("POLYMARKET_ENABLED", &cfg.Venues.Polymarket.Enabled)
	envString("POLYMARKET_PRIVATE_KEY", &cfg.Venues.Polymarket.PrivateKey)
	envString("POLYMARKET_API_KEY", &cfg.Venues.Polymarket.APIKey)
	envString("POLYMARKET_API_SECRET", &cfg.Venues.Polymarket.APISecret)
	envString("POLYMARKET_API_PASSPHRASE", &cfg.Venues.Polymarket.APIPassphrase)
	envString("POLYMARKET_FUNDER", &cfg.Venues.Polymarket.FunderAddress)

	if err := envFloat("BANKROLL_USD", &cfg.Risk.BankrollUSD); err != nil {
		return err
	}
	if err := envFloat("KELLY_FRACTION", &cfg.Risk.KellyFraction); err != nil {
		return err
	}
	if err := envFloat("MAX_POSITION_FRACTION", &cfg.Risk.MaxPositionFraction); err != nil {
		return err
	}
	if err := envFloat("MAX_TOTAL_EXPOSURE", &cfg.Risk.MaxTotalExposure); err != nil {
		return err
	}
	if err := envFloat("MIN_EDGE_THRESHOLD", &cfg.Risk.MinEdge); err != nil {
		return err
	}
	if err := envFloat("MAX_DAILY_LOSS_USD", &cfg.Risk.MaxDailyLossUSD); err != nil {
		return err
	}

	// DRY_RUN defaults on; only the literal "false" disables it.
	if s := os.Getenv("DRY_RUN"); s != "" {
		cfg.DryRun = s != "false"
	}

	if err := envSeconds("POLL_INTERVAL_SECONDS", &cfg.Engine.PollInterval); err != nil {
		return err
	}
	if err := envSeconds("SNAPSHOT_INTERVAL_SECONDS", &cfg.Engine.SnapshotInterval); err != nil {
		return err
	}

	envString("TELEGRAM_BOT_TOKEN", &cfg.Alerts.TelegramBotToken)
	envString("TELEGRAM_CHAT_ID", &cfg.Alerts.TelegramChatID)
	envString("DISCORD_WEBHOOK_URL", &cfg.Alerts.DiscordWebhookURL)
	return nil
}

func envString(key string, dst *string) {
	if s := os.Getenv(key); s != "" {
		*dst = s
	}
}

func envBool(key string, dst *bool) {
	if s := os.Getenv(key); s != "" {
		*dst = s == "true" || s == "1"
	}
}

func envFloat(key string, dst *float64) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid number %q", key, s)
	}
	*dst = f
	return nil
}

func envSeconds(key string, dst *time.Duration) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("%s: invalid seconds %q", key, s)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.Venues.Kalshi.Enabled && !c.Venues.Polymarket.Enabled {
		return fmt.Errorf("at least one venue must be enabled (set KALSHI_ENABLED or POLYMARKET_ENABLED)")
	}
	if c.Venues.Kalshi.Enabled {
		if c.Venues.Kalshi.APIKeyID == "" {
			return fmt.Errorf("venues.kalshi.api_key_id is required (set KALSHI_API_KEY_ID)")
		}
		if c.Venues.Kalshi.APISecret == "" {
			return fmt.Errorf("venues.kalshi.api_secret is required (set KALSHI_API_SECRET)")
		}
	}
	if c.Venues.Polymarket.Enabled && !c.DryRun {
		hasL2 := c.Venues.Polymarket.APIKey != "" && c.Venues.Polymarket.APISecret != "" && c.Venues.Polymarket.APIPassphrase != ""
		if c.Venues.Polymarket.PrivateKey == "" && !hasL2 {
			return fmt.Errorf("live polymarket trading needs POLYMARKET_PRIVATE_KEY or the full API key triple")
		}
		switch c.Venues.Polymarket.SignatureType {
		case 0, 1, 2:
		default:
			return fmt.Errorf("venues.polymarket.signature_type must be 0 (EOA), 1 (proxy), or 2 (safe)")
		}
		if c.Venues.Polymarket.SignatureType != 0 && c.Venues.Polymarket.FunderAddress == "" {
			return fmt.Errorf("venues.polymarket.funder_address is required for signature_type %d", c.Venues.Polymarket.SignatureType)
		}
	}
	if c.Risk.BankrollUSD <= 0 {
		return fmt.Errorf("risk.bankroll_usd must be > 0")
	}
	if c.Risk.KellyFraction <= 0 || c.Risk.KellyFraction > 1 {
		return fmt.Errorf("risk.kelly_fraction must be in (0, 1]")
	}
	if c.Risk.MaxPositionFraction <= 0 || c.Risk.MaxPositionFraction > 1 {
		return fmt.Errorf("risk.max_position_fraction must be in (0, 1]")
	}
	if c.Risk.MaxTotalExposure <= 0 || c.Risk.MaxTotalExposure > 1 {
		return fmt.Errorf("risk.max_total_exposure must be in (0, 1]")
	}
	if c.Risk.MinEdge < 0 {
		return fmt.Errorf("risk.min_edge must be >= 0")
	}
	if c.Risk.MaxDailyLossUSD <= 0 {
		return fmt.Errorf("risk.max_daily_loss_usd must be > 0")
	}
	if c.Signals.BearishThreshold <= 0 || c.Signals.BullishThreshold >= 1 ||
		c.Signals.BearishThreshold >= c.Signals.BullishThreshold {
		return fmt.Errorf("signal thresholds must satisfy 0 < bearish < bullish < 1")
	}
	if c.Signals.DepthPct <= 0 || c.Signals.DepthPct > 1 {
		return fmt.Errorf("signals.depth_pct must be in (0, 1]")
	}
	if c.Signals.MinArbSpread <= 0 {
		return fmt.Errorf("signals.min_arb_spread must be > 0")
	}
	if c.Signals.ScanInterval <= 0 {
		return fmt.Errorf("signals.scan_interval must be > 0")
	}
	switch strings.ToUpper(c.Logging.Level) {
	case "DEBUG", "INFO", "WARNING", "ERROR":
	default:
		return fmt.Errorf("logging.level must be one of DEBUG, INFO, WARNING, ERROR")
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be a valid TCP port")
	}
	return nil
}
