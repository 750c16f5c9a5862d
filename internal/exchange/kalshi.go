// kalshi.go implements the Kalshi market data stream.
//
// Kalshi quotes binary markets as separate YES and NO books in integer
// cents. Normalization folds both onto one YES-probability book: a YES bid
// at p cents is a bid at p/100, and a NO bid at p cents is the same
// liquidity as a YES ask at (100-p)/100. Deltas are size increments, not
// absolute levels.
package exchange

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"prediction-arb/internal/config"
	"prediction-arb/internal/market"
	"prediction-arb/pkg/types"
)

const kalshiOrderbookChannel = "orderbook_delta"

type kalshiStream struct {
	wsURL   string
	signer  *KalshiSigner
	tickers []string
	books   map[string]*market.Book
	logger  *slog.Logger
	cmdID   int
}

// NewKalshiAdapter builds the Kalshi market data adapter for the given
// tickers. books maps ticker to the live book the stream should feed.
func NewKalshiAdapter(cfg config.KalshiConfig, tickers []string, books map[string]*market.Book, logger *slog.Logger) *Adapter {
	stream := &kalshiStream{
		wsURL:   cfg.WSURL(),
		signer:  NewKalshiSigner(cfg.APIKeyID, cfg.APISecret),
		tickers: tickers,
		books:   books,
		logger:  logger.With("component", "kalshi_stream"),
	}
	return newAdapter(stream, logger)
}

func (s *kalshiStream) name() string { return string(types.PlatformKalshi) }

func (s *kalshiStream) url() string { return s.wsURL }

// authHeaders signs the websocket handshake. The signature covers the GET
// method plus the endpoint path.
func (s *kalshiStream) authHeaders() (http.Header, error) {
	u, err := url.Parse(s.wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse ws url: %w", err)
	}
	return s.signer.Headers(http.MethodGet, u.Path), nil
}

// sendSubscribe issues one orderbook_delta subscription covering every
// ticker. Command ids must increase monotonically within a connection; the
// counter survives reconnects, which Kalshi also accepts.
func (s *kalshiStream) sendSubscribe(conn *websocket.Conn) error {
	s.cmdID++
	cmd := types.KalshiSubscribeCmd{
		ID:  s.cmdID,
		Cmd: "subscribe",
		Params: types.KalshiSubscribeParams{
			Channels:      []string{kalshiOrderbookChannel},
			MarketTickers: s.tickers,
		},
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(cmd)
}

func (s *kalshiStream) handleMessage(data []byte) {
	var env types.KalshiEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Debug("dropping unparseable frame", "error", err)
		return
	}

	switch env.Type {
	case "orderbook_snapshot":
		var msg types.KalshiSnapshot
		if err := json.Unmarshal(env.Msg, &msg); err != nil {
			s.logger.Debug("dropping bad snapshot payload", "error", err)
			return
		}
		s.applySnapshot(&msg)
	case "orderbook_delta":
		var msg types.KalshiDelta
		if err := json.Unmarshal(env.Msg, &msg); err != nil {
			s.logger.Debug("dropping bad delta payload", "error", err)
			return
		}
		s.applyDelta(&msg)
	case "subscribed":
		s.logger.Debug("subscription acknowledged", "sid", env.SID)
	case "error":
		s.logger.Warn("venue reported error", "payload", string(env.Msg))
	default:
		s.logger.Debug("ignoring frame", "type", env.Type)
	}
}

func (s *kalshiStream) applySnapshot(msg *types.KalshiSnapshot) {
	book, ok := s.books[msg.MarketTicker]
	if !ok {
		s.logger.Debug("snapshot for untracked market", "market_id", msg.MarketTicker)
		return
	}

	bids := make([]types.BookLevel, 0, len(msg.Yes))
	for _, lvl := range msg.Yes {
		bids = append(bids, types.BookLevel{
			Price: float64(lvl[0]) / 100,
			Size:  float64(lvl[1]),
		})
	}
	asks := make([]types.BookLevel, 0, len(msg.No))
	for _, lvl := range msg.No {
		asks = append(asks, types.BookLevel{
			Price: float64(100-lvl[0]) / 100,
			Size:  float64(lvl[1]),
		})
	}
	book.ApplySnapshot(bids, asks)
}

func (s *kalshiStream) applyDelta(msg *types.KalshiDelta) {
	book, ok := s.books[msg.MarketTicker]
	if !ok {
		s.logger.Debug("delta for untracked market", "market_id", msg.MarketTicker)
		return
	}

	switch msg.Side {
	case "yes":
		book.ApplyDeltaIncrement(market.Bid, float64(msg.Price)/100, float64(msg.Delta))
	case "no":
		book.ApplyDeltaIncrement(market.Ask, float64(100-msg.Price)/100, float64(msg.Delta))
	default:
		s.logger.Debug("delta with unknown side", "side", msg.Side)
	}
}
