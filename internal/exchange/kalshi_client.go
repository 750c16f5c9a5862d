// kalshi_client.go places orders on the Kalshi trade API.
//
// Kalshi quotes integer cents and sizes orders in whole contracts, so the
// client converts the engine's USD-sized probability order into a
// (count, price-in-cents) pair at build time. Every request carries fresh
// HMAC headers from the shared signer, the same scheme the websocket
// handshake uses.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"prediction-arb/internal/config"
	"prediction-arb/pkg/types"
)

// kalshiOrdersPath is the placement endpoint. The path is part of the
// signed message, so it must match the request URL exactly.
const kalshiOrdersPath = "/trade-api/v2/portfolio/orders"

// KalshiClient submits limit orders to the Kalshi REST trade API.
type KalshiClient struct {
	http   *resty.Client
	signer *KalshiSigner
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewKalshiClient builds a placement client for the configured environment
// (prod or demo).
func NewKalshiClient(cfg config.KalshiConfig, dryRun bool, logger *slog.Logger) *KalshiClient {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL()).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Content-Type", "application/json")

	return &KalshiClient{
		http:   httpClient,
		signer: NewKalshiSigner(cfg.APIKeyID, cfg.APISecret),
		rl:     NewKalshiRateLimiter(),
		dryRun: dryRun,
		logger: logger.With("component", "kalshi_client"),
	}
}

// Platform identifies the venue this client trades on.
func (c *KalshiClient) Platform() types.Platform { return types.PlatformKalshi }

// PlaceOrder submits a limit order and returns the venue order ID. Kalshi
// acknowledges placement without a fill price, so the expected price is
// reported back as the fill price. Dry-run mode short-circuits before any
// network traffic.
func (c *KalshiClient) PlaceOrder(ctx context.Context, order *types.Order) (string, float64, error) {
	if c.dryRun {
		venueID := fmt.Sprintf("dry-run-%d", time.Now().UnixNano())
		c.logger.Info("DRY-RUN: would place kalshi order",
			"market", order.MarketID,
			"direction", order.Direction,
			"price", order.ExpectedPrice,
			"size_usd", order.SizeUSD)
		return venueID, order.ExpectedPrice, nil
	}

	req, err := buildKalshiOrder(order)
	if err != nil {
		return "", 0, err
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", 0, err
	}

	var result types.KalshiOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaderMultiValues(c.signer.Headers(http.MethodPost, kalshiOrdersPath)).
		SetBody(req).
		SetResult(&result).
		Post(kalshiOrdersPath)
	if err != nil {
		return "", 0, fmt.Errorf("place kalshi order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return "", 0, fmt.Errorf("place kalshi order: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Info("kalshi order placed",
		"market", order.MarketID,
		"venue_order_id", result.Order.OrderID,
		"status", result.Order.Status,
		"count", req.Count)
	return result.Order.OrderID, order.ExpectedPrice, nil
}

// buildKalshiOrder converts a USD-sized probability order into Kalshi's
// cents-and-contracts wire format. BUY_NO orders trade the no side, where
// ExpectedPrice is already the no-contract price, so the request carries
// no_price instead of yes_price.
func buildKalshiOrder(order *types.Order) (*types.KalshiOrderRequest, error) {
	if order.ExpectedPrice <= 0 || order.ExpectedPrice >= 1 {
		return nil, fmt.Errorf("kalshi order price %.4f outside (0,1)", order.ExpectedPrice)
	}
	cents := int64(math.Round(order.ExpectedPrice * 100))
	if cents < 1 {
		cents = 1
	}
	if cents > 99 {
		cents = 99
	}
	// Integer cents on both sides keeps the contract count exact.
	count := int64(math.Round(order.SizeUSD*100)) / cents
	if count < 1 {
		count = 1
	}

	req := &types.KalshiOrderRequest{
		Ticker:        order.MarketID,
		ClientOrderID: order.ID,
		Action:        "buy",
		Count:         count,
		Type:          "limit",
	}
	if order.Direction == types.BuyNo {
		req.Side = "no"
		req.NoPrice = cents
	} else {
		req.Side = "yes"
		req.YesPrice = cents
	}
	return req, nil
}
