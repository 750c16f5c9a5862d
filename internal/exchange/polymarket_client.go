// polymarket_client.go places orders on the Polymarket CLOB.
//
// Placement is a two-step dance: derive L2 API credentials once with an L1
// wallet signature, then submit EIP-712 signed orders under L2 HMAC headers.
// Orders go out fill-or-kill so a partial cross-venue leg never rests on the
// book.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"prediction-arb/internal/config"
	"prediction-arb/pkg/types"
)

const (
	polymarketOrderPath  = "/order"
	polymarketDerivePath = "/auth/derive-api-key"

	// zeroAddress as taker leaves the order open to any counterparty.
	zeroAddress = "0x0000000000000000000000000000000000000000"
)

// PolymarketClient submits signed orders to the CLOB REST API.
type PolymarketClient struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger
}

// NewPolymarketClient builds a placement client. A private key is required
// for live trading; dry-run mode works without one since it never signs.
func NewPolymarketClient(cfg config.PolymarketConfig, dryRun bool, logger *slog.Logger) (*PolymarketClient, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var auth *Auth
	if cfg.PrivateKey != "" {
		var err error
		auth, err = NewAuth(cfg.PrivateKey, cfg.ChainID, cfg.SignatureType, cfg.FunderAddress)
		if err != nil {
			return nil, fmt.Errorf("polymarket auth: %w", err)
		}
		if cfg.APIKey != "" {
			auth.SetCredentials(&Credentials{
				APIKey:     cfg.APIKey,
				Secret:     cfg.APISecret,
				Passphrase: cfg.APIPassphrase,
			})
		}
	}
	if auth == nil && !dryRun {
		return nil, fmt.Errorf("polymarket private key required for live trading")
	}

	httpClient := resty.New().
		SetBaseURL(cfg.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Content-Type", "application/json")

	return &PolymarketClient{
		http:   httpClient,
		auth:   auth,
		rl:     NewPolymarketRateLimiter(),
		dryRun: dryRun,
		logger: logger.With("component", "polymarket_client"),
	}, nil
}

// Platform identifies the venue this client trades on.
func (c *PolymarketClient) Platform() types.Platform { return types.PlatformPolymarket }

// EnsureCredentials derives L2 API credentials from the wallet key when none
// were configured. No-op in dry-run mode or when credentials already exist.
func (c *PolymarketClient) EnsureCredentials(ctx context.Context) error {
	if c.dryRun || c.auth == nil || c.auth.HasCredentials() {
		return nil
	}

	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return fmt.Errorf("sign credential request: %w", err)
	}

	var creds Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&creds).
		Get(polymarketDerivePath)
	if err != nil {
		return fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}
	if creds.APIKey == "" {
		return fmt.Errorf("derive api key: empty credentials in response")
	}

	c.auth.SetCredentials(&creds)
	c.logger.Info("derived polymarket api credentials", "address", c.auth.Address().Hex())
	return nil
}

// PlaceOrder signs and submits a fill-or-kill order, returning the venue
// order ID. Dry-run mode short-circuits before signing or any network call.
func (c *PolymarketClient) PlaceOrder(ctx context.Context, order *types.Order) (string, float64, error) {
	if c.dryRun {
		venueID := fmt.Sprintf("dry-run-%d", time.Now().UnixNano())
		c.logger.Info("DRY-RUN: would place polymarket order",
			"market", order.MarketID,
			"token", order.TokenID,
			"direction", order.Direction,
			"price", order.ExpectedPrice,
			"size_usd", order.SizeUSD)
		return venueID, order.ExpectedPrice, nil
	}

	if c.auth == nil || !c.auth.HasCredentials() {
		return "", 0, fmt.Errorf("polymarket credentials missing, call EnsureCredentials before trading")
	}
	if order.TokenID == "" {
		return "", 0, fmt.Errorf("polymarket order for %s has no token id", order.MarketID)
	}

	payload, err := c.buildOrderPayload(order)
	if err != nil {
		return "", 0, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", 0, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers(http.MethodPost, polymarketOrderPath, body)
	if err != nil {
		return "", 0, fmt.Errorf("sign order request: %w", err)
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", 0, err
	}

	var result types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post(polymarketOrderPath)
	if err != nil {
		return "", 0, fmt.Errorf("place polymarket order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", 0, fmt.Errorf("place polymarket order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		return "", 0, fmt.Errorf("place polymarket order: %s", result.ErrorMsg)
	}

	c.logger.Info("polymarket order placed",
		"market", order.MarketID,
		"venue_order_id", result.OrderID,
		"status", result.Status)
	return result.OrderID, order.ExpectedPrice, nil
}

// buildOrderPayload converts a USD-sized order into a signed CTF exchange
// order. Both BUY_YES and BUY_NO are buys of the corresponding outcome
// token; the engine resolves Direction to the right TokenID before calling.
func (c *PolymarketClient) buildOrderPayload(order *types.Order) (*types.OrderPayload, error) {
	if order.ExpectedPrice <= 0 || order.ExpectedPrice >= 1 {
		return nil, fmt.Errorf("polymarket order price %.4f outside (0,1)", order.ExpectedPrice)
	}
	shares := order.SizeUSD / order.ExpectedPrice
	maker, taker := PriceToAmounts(order.ExpectedPrice, shares, types.BUY, types.Tick001)

	signed := types.SignedOrder{
		Salt:          strconv.FormatInt(time.Now().UnixNano(), 10),
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       order.TokenID,
		MakerAmount:   maker,
		TakerAmount:   taker,
		Side:          types.BUY,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: c.auth.SignatureType(),
	}
	if err := c.auth.SignOrder(&signed); err != nil {
		return nil, err
	}

	return &types.OrderPayload{
		Order:     signed,
		Owner:     c.auth.creds.APIKey,
		OrderType: types.OrderTypeFOK,
	}, nil
}
