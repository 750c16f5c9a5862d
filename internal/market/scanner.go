package market

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/GoPolymarket/polymarket-go-sdk/pkg/gamma"
	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"prediction-arb/internal/config"
	"prediction-arb/pkg/types"
)

// Scanner discovers tradeable markets on both venues and matches them into
// cross-venue pairs. Kalshi markets come from the public REST listing
// filtered to the configured series; Polymarket markets come from the Gamma
// API with liquidity and volume floors. Two markets pair when they look like
// the same real-world event: locations within one degree and resolution
// times within a day.
//
// The engine takes one synchronous Scan at startup to wire books and pairs,
// then reads periodic re-scans from Results() to spot newly listed markets.

// GammaLister is the slice of the Gamma client the scanner needs. The SDK's
// gamma.Client satisfies it; tests stub it.
type GammaLister interface {
	Markets(ctx context.Context, req *gamma.MarketsRequest) ([]gamma.Market, error)
}

// ScanResult is one discovery pass over both venues.
type ScanResult struct {
	Kalshi     []types.MarketInfo
	Polymarket []types.MarketInfo
	Pairs      []types.MarketPair
	ScannedAt  time.Time
}

// Scanner polls both venues for markets and pairs them.
type Scanner struct {
	kalshiHTTP *resty.Client
	gamma      GammaLister
	kalshiCfg  config.KalshiConfig
	polyCfg    config.PolymarketConfig
	interval   time.Duration
	logger     *slog.Logger
	resultCh   chan ScanResult
}

// NewScanner creates a scanner. gammaClient may be nil when Polymarket is
// disabled; the Kalshi side is skipped when that venue is disabled.
func NewScanner(cfg config.Config, gammaClient GammaLister, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	kalshiHTTP := resty.New().
		SetBaseURL(cfg.Venues.Kalshi.RESTBaseURL()).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Scanner{
		kalshiHTTP: kalshiHTTP,
		gamma:      gammaClient,
		kalshiCfg:  cfg.Venues.Kalshi,
		polyCfg:    cfg.Venues.Polymarket,
		interval:   cfg.Engine.PollInterval,
		logger:     logger.With("component", "scanner"),
		resultCh:   make(chan ScanResult, 1),
	}
}

// Results returns the channel re-scan results are delivered on.
func (s *Scanner) Results() <-chan ScanResult {
	return s.resultCh
}

// Run re-scans every poll interval until ctx is cancelled. Each result
// replaces any unread previous one, so readers always see the latest pass.
func (s *Scanner) Run(ctx context.Context) {
	interval := s.interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := s.Scan(ctx)
			if err != nil {
				s.logger.Error("scan failed", "error", err)
				continue
			}
			select {
			case s.resultCh <- result:
			default:
				select {
				case <-s.resultCh:
				default:
				}
				s.resultCh <- result
			}
		}
	}
}

// Scan fetches both venues in parallel and matches pairs.
func (s *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	var kalshiMarkets, polyMarkets []types.MarketInfo

	g, gctx := errgroup.WithContext(ctx)
	if s.kalshiCfg.Enabled {
		g.Go(func() error {
			var err error
			kalshiMarkets, err = s.fetchKalshiMarkets(gctx)
			return err
		})
	}
	if s.polyCfg.Enabled && s.gamma != nil {
		g.Go(func() error {
			var err error
			polyMarkets, err = s.fetchPolymarketMarkets(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return ScanResult{}, err
	}

	pairs := matchPairs(kalshiMarkets, polyMarkets)
	s.logger.Info("scan complete",
		"kalshi", len(kalshiMarkets),
		"polymarket", len(polyMarkets),
		"pairs", len(pairs))

	return ScanResult{
		Kalshi:     kalshiMarkets,
		Polymarket: polyMarkets,
		Pairs:      pairs,
		ScannedAt:  time.Now().UTC(),
	}, nil
}

// kalshiMarket is the slice of the Kalshi market listing the scanner reads.
type kalshiMarket struct {
	Ticker         string `json:"ticker"`
	Title          string `json:"title"`
	CloseTime      string `json:"close_time"`
	ExpirationTime string `json:"expiration_time"`
}

type kalshiMarketsResponse struct {
	Markets []kalshiMarket `json:"markets"`
}

// fetchKalshiMarkets lists open markets, one request per configured series.
// The listing endpoint is public, so no request signing is involved.
func (s *Scanner) fetchKalshiMarkets(ctx context.Context) ([]types.MarketInfo, error) {
	series := s.kalshiCfg.Series
	if len(series) == 0 {
		series = []string{""}
	}

	var out []types.MarketInfo
	for _, ticker := range series {
		params := map[string]string{"status": "open", "limit": "200"}
		if ticker != "" {
			params["series_ticker"] = ticker
		}

		var page kalshiMarketsResponse
		resp, err := s.kalshiHTTP.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(&page).
			Get("/trade-api/v2/markets")
		if err != nil {
			return nil, fmt.Errorf("list kalshi markets: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("list kalshi markets: status %d", resp.StatusCode())
		}

		for _, m := range page.Markets {
			out = append(out, kalshiToMarketInfo(m))
		}
	}
	return out, nil
}

func kalshiToMarketInfo(m kalshiMarket) types.MarketInfo {
	info := types.MarketInfo{
		Platform: types.PlatformKalshi,
		ID:       m.Ticker,
		Title:    m.Title,
		Active:   true,
	}
	ts := m.CloseTime
	if ts == "" {
		ts = m.ExpirationTime
	}
	if ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			info.ResolutionTime = t
		}
	}
	if lat, lon, ok := extractLocation(m.Title); ok {
		info.Latitude, info.Longitude, info.HasLocation = lat, lon, true
	}
	return info
}

// fetchPolymarketMarkets lists active Gamma markets above the configured
// liquidity and volume floors. Gamma returns numerics as strings.
func (s *Scanner) fetchPolymarketMarkets(ctx context.Context) ([]types.MarketInfo, error) {
	markets, err := s.gamma.Markets(ctx, &gamma.MarketsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list gamma markets: %w", err)
	}

	out := make([]types.MarketInfo, 0, len(markets))
	for _, m := range markets {
		info, ok := s.gammaToMarketInfo(m)
		if !ok {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (s *Scanner) gammaToMarketInfo(m gamma.Market) (types.MarketInfo, bool) {
	if !m.Active {
		return types.MarketInfo{}, false
	}
	liquidity, _ := strconv.ParseFloat(m.Liquidity, 64)
	volume, _ := strconv.ParseFloat(m.Volume24hr, 64)
	if liquidity < s.polyCfg.MinLiquidity || volume < s.polyCfg.MinVolume24h {
		return types.MarketInfo{}, false
	}

	id := m.ConditionID
	if id == "" {
		id = m.ID
	}
	info := types.MarketInfo{
		Platform:  types.PlatformPolymarket,
		ID:        id,
		Title:     m.Question,
		TickSize:  types.Tick001,
		Liquidity: liquidity,
		Volume24h: volume,
		Active:    true,
	}
	for _, tok := range m.Tokens {
		switch strings.ToLower(tok.Outcome) {
		case "yes":
			info.YesTokenID = tok.TokenID
		case "no":
			info.NoTokenID = tok.TokenID
		}
	}
	if info.YesTokenID == "" && len(m.Tokens) > 0 {
		info.YesTokenID = m.Tokens[0].TokenID
		if len(m.Tokens) > 1 {
			info.NoTokenID = m.Tokens[1].TokenID
		}
	}
	if info.YesTokenID == "" {
		return types.MarketInfo{}, false
	}

	if m.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, m.EndDate); err == nil {
			info.ResolutionTime = t
		}
	}
	if lat, lon, ok := extractLocation(m.Question); ok {
		info.Latitude, info.Longitude, info.HasLocation = lat, lon, true
	}
	return info, true
}

// matchPairs pairs each Kalshi market with the first Polymarket market that
// looks like the same event. Markets without a location or resolution time
// never match.
func matchPairs(kalshi, poly []types.MarketInfo) []types.MarketPair {
	var pairs []types.MarketPair
	for _, k := range kalshi {
		if !k.HasLocation || k.ResolutionTime.IsZero() {
			continue
		}
		for _, p := range poly {
			if !p.HasLocation || p.ResolutionTime.IsZero() {
				continue
			}
			if !sameEvent(k, p) {
				continue
			}
			pairs = append(pairs, types.MarketPair{
				KalshiTicker:   k.ID,
				PolymarketID:   p.ID,
				PolyYesTokenID: p.YesTokenID,
				PolyNoTokenID:  p.NoTokenID,
				Title:          k.Title,
				ResolutionTime: k.ResolutionTime,
			})
			break
		}
	}
	return pairs
}

func sameEvent(a, b types.MarketInfo) bool {
	if math.Abs(a.Latitude-b.Latitude) >= 1.0 {
		return false
	}
	if math.Abs(a.Longitude-b.Longitude) >= 1.0 {
		return false
	}
	delta := a.ResolutionTime.Sub(b.ResolutionTime)
	if delta < 0 {
		delta = -delta
	}
	return delta < 24*time.Hour
}

// cityCoords maps city names appearing in market titles to coordinates.
// Ordered so multi-city titles resolve deterministically.
var cityCoords = []struct {
	name     string
	lat, lon float64
}{
	{"new york", 40.71, -74.01},
	{"los angeles", 34.05, -118.24},
	{"chicago", 41.88, -87.63},
	{"seattle", 47.61, -122.33},
	{"miami", 25.77, -80.19},
	{"boston", 42.36, -71.06},
	{"denver", 39.74, -104.98},
	{"dallas", 32.78, -96.80},
	{"atlanta", 33.75, -84.39},
	{"san francisco", 37.77, -122.42},
}

// extractLocation finds the first known city mentioned in a market title.
func extractLocation(title string) (lat, lon float64, ok bool) {
	lower := strings.ToLower(title)
	for _, c := range cityCoords {
		if strings.Contains(lower, c.name) {
			return c.lat, c.lon, true
		}
	}
	return 0, 0, false
}
