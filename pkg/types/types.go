// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: venues, signals,
// orders, order book snapshots, and the WebSocket payloads of both venues.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
//
// Price convention: every price in these types is a YES-side probability in
// dollars, 0.0 to 1.0. A NO quote at price p is the same liquidity as a YES
// quote at 1-p; venue adapters normalize before anything downstream sees it.
package types

import (
	"encoding/json"
	"math/big"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Platform identifies a trading venue.
type Platform string

const (
	PlatformKalshi     Platform = "kalshi"
	PlatformPolymarket Platform = "polymarket"
)

// Side represents the direction of a venue order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Direction is the position a signal wants to open. Both map to a BUY on
// the venue (of the YES or the NO outcome respectively); SELL only appears
// when unwinding.
type Direction string

const (
	BuyYes Direction = "BUY_YES"
	BuyNo  Direction = "BUY_NO"
)

// SignalType enumerates the detectors that can fire.
type SignalType string

const (
	SignalImbalance  SignalType = "orderbook_imbalance"
	SignalCrossVenue SignalType = "cross_venue_arb"
)

// OrderStatus tracks an order through its lifecycle.
type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING"
	OrderSubmitting OrderStatus = "SUBMITTING"
	OrderLive       OrderStatus = "LIVE"
	OrderFilled     OrderStatus = "FILLED"
	OrderFailed     OrderStatus = "FAILED"
	OrderCanceled   OrderStatus = "CANCELED"
)

// OrderType enumerates the supported order lifecycles on the Polymarket CLOB.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Til-Cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill (taker orders)
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0 // externally-owned account (standard wallet)
	SigProxy      SignatureType = 1 // Polymarket proxy / Magic wallet
	SigGnosisSafe SignatureType = 2 // Gnosis Safe multisig
)

// TickSize represents the price granularity for a Polymarket market. Each
// market has a fixed tick size that determines the minimum price increment
// and USDC amount rounding precision.
type TickSize string

const (
	Tick01    TickSize = "0.1"
	Tick001   TickSize = "0.01"
	Tick0001  TickSize = "0.001"
	Tick00001 TickSize = "0.0001"
)

// Decimals returns the number of decimal places for a tick size.
func (t TickSize) Decimals() int {
	switch t {
	case Tick01:
		return 1
	case Tick001:
		return 2
	case Tick0001:
		return 3
	case Tick00001:
		return 4
	default:
		return 2
	}
}

// AmountDecimals returns the rounding precision for USDC amounts.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 3
	case Tick001:
		return 4
	case Tick0001:
		return 5
	case Tick00001:
		return 6
	default:
		return 4
	}
}

// ————————————————————————————————————————————————————————————————————————
// Signals and risk decisions
// ————————————————————————————————————————————————————————————————————————

// Signal is an actionable trading opportunity emitted by a detector.
// EdgeEstimate is the expected edge in probability terms (dollars per $1
// contract); Strength grades how far past its threshold the detector is,
// 0.0 to 1.0. Metadata carries detector-specific context (best bid/ask,
// depths, the opposing venue of an arb) consumed by risk sizing, storage,
// and alerting.
type Signal struct {
	ID           string         `json:"id"`
	Type         SignalType     `json:"signal_type"`
	Direction    Direction      `json:"direction"`
	Platform     Platform       `json:"platform"`
	MarketID     string         `json:"market_id"`
	Timestamp    time.Time      `json:"timestamp"`
	EdgeEstimate float64        `json:"edge_estimate"`
	Strength     float64        `json:"strength"`
	Fired        bool           `json:"fired"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// MetaFloat reads a float64 from the signal metadata. Returns def when the
// key is absent or not a number (metadata that crossed a JSON boundary has
// float64 values; in-process values may be typed).
func (s *Signal) MetaFloat(key string, def float64) float64 {
	v, ok := s.Metadata[key]
	if !ok {
		return def
	}
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return def
		}
		return f
	default:
		return def
	}
}

// Decision is the risk manager's verdict on a signal. CheckLog is a
// pipe-delimited trace of every check that ran, in order, e.g.
// "PASS:no_duplicate|PASS:daily_loss_limit|FAIL:min_edge".
type Decision struct {
	Approved bool    `json:"approved"`
	Reason   string  `json:"reason,omitempty"`
	SizeUSD  float64 `json:"size_usd"`
	CheckLog string  `json:"check_log"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// Order is the engine's internal order representation, built from an
// approved signal and handed to a venue placement client. TokenID is the
// Polymarket asset being bought and is empty for Kalshi orders.
type Order struct {
	ID            string      `json:"id"`
	Platform      Platform    `json:"platform"`
	MarketID      string      `json:"market_id"`
	TokenID       string      `json:"token_id,omitempty"`
	Side          Side        `json:"side"`
	Direction     Direction   `json:"direction"`
	ExpectedPrice float64     `json:"expected_price"`
	SizeUSD       float64     `json:"size_usd"`
	VenueOrderID  string      `json:"venue_order_id,omitempty"`
	Status        OrderStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Fill records an execution against one of our orders.
// Slippage is fill price minus expected price, signed.
type Fill struct {
	OrderID   string    `json:"order_id"`
	Price     float64   `json:"price"`
	SizeUSD   float64   `json:"size_usd"`
	Slippage  float64   `json:"slippage"`
	Timestamp time.Time `json:"timestamp"`
}

// Position is an open exposure tracked by the risk manager and persisted
// for restart recovery.
type Position struct {
	Platform   Platform  `json:"platform"`
	MarketID   string    `json:"market_id"`
	Direction  Direction `json:"direction"`
	SizeUSD    float64   `json:"size_usd"`
	EntryPrice float64   `json:"entry_price"`
	OpenedAt   time.Time `json:"opened_at"`
}

// Key returns the dedup key used for positions and signals on the same
// market: "<platform>:<market_id>".
func (p *Position) Key() string {
	return string(p.Platform) + ":" + p.MarketID
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// BookLevel is one normalized price level: YES-probability price and size
// in contracts.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookSnapshot is a point-in-time view of one market's normalized book.
// Bids are sorted descending (best first), asks ascending. This is the unit
// the recorder writes and the backtester replays.
type BookSnapshot struct {
	Platform  Platform    `json:"platform"`
	MarketID  string      `json:"market_id"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata and cross-venue pairing
// ————————————————————————————————————————————————————————————————————————

// MarketInfo is the venue-neutral description of a binary market produced
// by the scanner. Latitude/Longitude are set for markets with a physical
// location (weather, sports venues) and drive cross-venue pairing together
// with ResolutionTime.
type MarketInfo struct {
	Platform Platform
	ID       string // Kalshi ticker or Polymarket market ID
	Title    string

	YesTokenID string // Polymarket only: CLOB token ID for YES
	NoTokenID  string // Polymarket only: CLOB token ID for NO
	TickSize   TickSize

	ResolutionTime time.Time
	Latitude       float64
	Longitude      float64
	HasLocation    bool

	Liquidity float64 // total USD liquidity on the book
	Volume24h float64 // trailing 24-hour volume in USD
	Active    bool
}

// MarketPair is a matched Kalshi/Polymarket market believed to resolve on
// the same real-world event. The cross-venue detector trades the pair as
// one synthetic market.
type MarketPair struct {
	KalshiTicker   string    `json:"kalshi_ticker"`
	PolymarketID   string    `json:"polymarket_id"`
	PolyYesTokenID string    `json:"poly_yes_token_id"`
	PolyNoTokenID  string    `json:"poly_no_token_id"`
	Title          string    `json:"title"`
	ResolutionTime time.Time `json:"resolution_time"`
}

// ————————————————————————————————————————————————————————————————————————
// Kalshi WebSocket messages
// ————————————————————————————————————————————————————————————————————————
// Kalshi wraps every message in an envelope; msg decodes per type. Prices
// are integer cents (1..99), sizes integer contracts. YES levels are bids;
// NO levels are asks at 1 - price after normalization.

// KalshiEnvelope is the outer frame of every Kalshi WS message.
type KalshiEnvelope struct {
	Type string          `json:"type"`
	SID  int             `json:"sid,omitempty"`
	Seq  int64           `json:"seq,omitempty"`
	Msg  json.RawMessage `json:"msg,omitempty"`
}

// KalshiSnapshot is the full book for one market: orderbook_snapshot.
// Each level is [price_cents, size].
type KalshiSnapshot struct {
	MarketTicker string     `json:"market_ticker"`
	Yes          [][2]int64 `json:"yes"`
	No           [][2]int64 `json:"no"`
}

// KalshiDelta is one incremental change: orderbook_delta. Delta is added to
// the existing size at the level; a result of zero removes the level.
type KalshiDelta struct {
	MarketTicker string `json:"market_ticker"`
	Price        int64  `json:"price"`
	Delta        int64  `json:"delta"`
	Side         string `json:"side"` // "yes" or "no"
}

// KalshiSubscribeCmd subscribes this connection to channels. ID must be
// unique per command on the connection.
type KalshiSubscribeCmd struct {
	ID     int                   `json:"id"`
	Cmd    string                `json:"cmd"`
	Params KalshiSubscribeParams `json:"params"`
}

// KalshiSubscribeParams names the channels and markets to stream.
type KalshiSubscribeParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers"`
}

// ————————————————————————————————————————————————————————————————————————
// Polymarket WebSocket messages
// ————————————————————————————————————————————————————————————————————————
// Market-channel events keyed by event_type: "book" (full snapshot) and
// "price_change" (absolute level updates). The server may deliver a single
// object or a JSON array of them per frame; the adapter flattens both.

// PriceLevel is a single bid or ask level as the CLOB API returns it.
// Price and Size are strings to preserve decimal precision on the wire.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// PolyBookEvent is a full order book snapshot for one token.
type PolyBookEvent struct {
	EventType string       `json:"event_type"` // "book"
	AssetID   string       `json:"asset_id"`
	Market    string       `json:"market"` // condition ID
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp string       `json:"timestamp"`
	Hash      string       `json:"hash"`
}

// PolyPriceChange is one absolute level update within a price_change event.
// Size is the new total at the level; "0" removes it. Side BUY updates the
// bid side, SELL the ask side.
type PolyPriceChange struct {
	Price string `json:"price"`
	Side  string `json:"side"`
	Size  string `json:"size"`
}

// PolyPriceChangeEvent carries one or more level changes for a token.
type PolyPriceChangeEvent struct {
	EventType string            `json:"event_type"` // "price_change"
	AssetID   string            `json:"asset_id"`
	Market    string            `json:"market"`
	Changes   []PolyPriceChange `json:"changes"`
	Timestamp string            `json:"timestamp"`
}

// PolySubscribeMsg is the subscription sent on connect to the market
// channel. No auth is required for market data.
type PolySubscribeMsg struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"` // "Market"
}

// ————————————————————————————————————————————————————————————————————————
// Polymarket CLOB order placement
// ————————————————————————————————————————————————————————————————————————

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`
	Signer        string        `json:"signer"`
	Taker         string        `json:"taker"` // zero address = open order
	TokenID       string        `json:"tokenId"`
	MakerAmount   *big.Int      `json:"makerAmount"`
	TakerAmount   *big.Int      `json:"takerAmount"`
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`
	Nonce         string        `json:"nonce"`
	FeeRateBps    string        `json:"feeRateBps"`
	SignatureType SignatureType `json:"signatureType"`
	Signature     string        `json:"signature"`
}

// OrderPayload is the REST request body for POST /order.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"` // API key of the order owner
	OrderType OrderType   `json:"orderType"`
}

// OrderResponse is the CLOB's reply to an order POST.
type OrderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"` // e.g. "live", "matched"
}

// ————————————————————————————————————————————————————————————————————————
// Kalshi REST order placement
// ————————————————————————————————————————————————————————————————————————

// KalshiOrderRequest is the body for POST /trade-api/v2/portfolio/orders.
// Prices are integer cents on the side being traded.
type KalshiOrderRequest struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Side          string `json:"side"`   // "yes" or "no"
	Action        string `json:"action"` // "buy" or "sell"
	Count         int64  `json:"count"`
	Type          string `json:"type"` // "limit"
	YesPrice      int64  `json:"yes_price,omitempty"`
	NoPrice       int64  `json:"no_price,omitempty"`
}

// KalshiOrderResponse wraps the created order returned by the trade API.
type KalshiOrderResponse struct {
	Order struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	} `json:"order"`
}
