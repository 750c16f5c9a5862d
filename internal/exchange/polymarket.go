// polymarket.go implements the Polymarket CLOB market data stream.
//
// The market channel needs no authentication. Prices arrive as decimal
// strings already in YES-probability terms for the subscribed token; "book"
// events replace the whole book and "price_change" events carry absolute
// per-level updates (size "0" removes the level). A frame may hold a single
// event object or an array of them.
package exchange

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"prediction-arb/internal/config"
	"prediction-arb/internal/market"
	"prediction-arb/pkg/types"
)

type polymarketStream struct {
	wsURL         string
	assetIDs      []string
	tokenToMarket map[string]string
	books         map[string]*market.Book
	logger        *slog.Logger
}

// NewPolymarketAdapter builds the Polymarket market data adapter.
// tokenToMarket maps YES token ids to market ids; books is keyed by market
// id. The stream subscribes to every token in the map.
func NewPolymarketAdapter(cfg config.PolymarketConfig, tokenToMarket map[string]string, books map[string]*market.Book, logger *slog.Logger) *Adapter {
	assetIDs := make([]string, 0, len(tokenToMarket))
	for tokenID := range tokenToMarket {
		assetIDs = append(assetIDs, tokenID)
	}
	sort.Strings(assetIDs)

	stream := &polymarketStream{
		wsURL:         cfg.WSMarketURL,
		assetIDs:      assetIDs,
		tokenToMarket: tokenToMarket,
		books:         books,
		logger:        logger.With("component", "polymarket_stream"),
	}
	return newAdapter(stream, logger)
}

func (s *polymarketStream) name() string { return string(types.PlatformPolymarket) }

func (s *polymarketStream) url() string { return s.wsURL }

// authHeaders is a no-op: the market channel is public.
func (s *polymarketStream) authHeaders() (http.Header, error) { return nil, nil }

func (s *polymarketStream) sendSubscribe(conn *websocket.Conn) error {
	msg := types.PolySubscribeMsg{
		AssetIDs: s.assetIDs,
		Type:     "Market",
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

// handleMessage flattens object-or-array frames and dispatches each event
// by its event_type.
func (s *polymarketStream) handleMessage(data []byte) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return
	}

	if trimmed[0] == '[' {
		var events []json.RawMessage
		if err := json.Unmarshal(trimmed, &events); err != nil {
			s.logger.Debug("dropping unparseable frame", "error", err)
			return
		}
		for _, ev := range events {
			s.dispatchEvent(ev)
		}
		return
	}
	s.dispatchEvent(trimmed)
}

func (s *polymarketStream) dispatchEvent(data []byte) {
	var peek struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		s.logger.Debug("dropping unparseable event", "error", err)
		return
	}

	switch peek.EventType {
	case "book":
		var ev types.PolyBookEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Debug("dropping bad book event", "error", err)
			return
		}
		s.applyBook(&ev)
	case "price_change":
		var ev types.PolyPriceChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Debug("dropping bad price_change event", "error", err)
			return
		}
		s.applyPriceChange(&ev)
	default:
		s.logger.Debug("ignoring event", "event_type", peek.EventType)
	}
}

func (s *polymarketStream) applyBook(ev *types.PolyBookEvent) {
	book, ok := s.bookForAsset(ev.AssetID)
	if !ok {
		return
	}
	book.ApplySnapshot(s.parseLevels(ev.Bids), s.parseLevels(ev.Asks))
}

func (s *polymarketStream) applyPriceChange(ev *types.PolyPriceChangeEvent) {
	book, ok := s.bookForAsset(ev.AssetID)
	if !ok {
		return
	}

	for _, change := range ev.Changes {
		price, err := strconv.ParseFloat(change.Price, 64)
		if err != nil {
			s.logger.Debug("dropping change with bad price", "price", change.Price)
			continue
		}
		size, err := strconv.ParseFloat(change.Size, 64)
		if err != nil {
			s.logger.Debug("dropping change with bad size", "size", change.Size)
			continue
		}

		switch change.Side {
		case string(types.BUY):
			book.ApplyDelta(market.Bid, price, size)
		case string(types.SELL):
			book.ApplyDelta(market.Ask, price, size)
		default:
			s.logger.Debug("dropping change with unknown side", "side", change.Side)
		}
	}
}

func (s *polymarketStream) bookForAsset(assetID string) (*market.Book, bool) {
	marketID, ok := s.tokenToMarket[assetID]
	if !ok {
		s.logger.Debug("event for untracked asset", "asset_id", assetID)
		return nil, false
	}
	book, ok := s.books[marketID]
	if !ok {
		s.logger.Debug("no book registered for market", "market_id", marketID)
		return nil, false
	}
	return book, true
}

func (s *polymarketStream) parseLevels(levels []types.PriceLevel) []types.BookLevel {
	out := make([]types.BookLevel, 0, len(levels))
	for _, lvl := range levels {
		price, err := strconv.ParseFloat(lvl.Price, 64)
		if err != nil {
			s.logger.Debug("dropping level with bad price", "price", lvl.Price)
			continue
		}
		size, err := strconv.ParseFloat(lvl.Size, 64)
		if err != nil {
			s.logger.Debug("dropping level with bad size", "size", lvl.Size)
			continue
		}
		out = append(out, types.BookLevel{Price: price, Size: size})
	}
	return out
}
