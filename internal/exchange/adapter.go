// Package exchange connects the engine to the trading venues: websocket
// market data streams, request signing, rate limiting, and REST order
// placement for Kalshi and Polymarket.
//
// Market data runs through one Adapter per venue. The Adapter owns the
// connection lifecycle (dial, subscribe, keepalive, reconnect with
// exponential backoff) while a venueStream implementation supplies the
// four things that differ per venue: endpoint, handshake headers, the
// subscription command, and message decoding. Decoded updates land directly
// on the shared market.Book instances; everything downstream reacts through
// book callbacks.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval     = 20 * time.Second // control ping cadence
	pongWait         = 15 * time.Second // grace after a ping before the read deadline trips
	closeGracePeriod = 5 * time.Second  // close handshake budget on shutdown
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	initialBackoff   = time.Second
	maxBackoff       = 64 * time.Second
)

// venueStream is the venue-specific half of a market data connection.
// Implementations are not safe for concurrent use; the Adapter calls them
// from a single goroutine.
type venueStream interface {
	name() string
	url() string
	authHeaders() (http.Header, error)
	sendSubscribe(conn *websocket.Conn) error
	handleMessage(data []byte)
}

// Adapter runs one venue's market data stream: connect, subscribe, read
// until failure, back off, repeat.
type Adapter struct {
	stream venueStream
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
}

func newAdapter(stream venueStream, logger *slog.Logger) *Adapter {
	return &Adapter{
		stream: stream,
		logger: logger.With("component", "adapter", "venue", stream.name()),
	}
}

// Venue returns the adapter's venue name for logging and routing.
func (a *Adapter) Venue() string { return a.stream.name() }

// Run consumes the stream until ctx is canceled. Each failed session backs
// off exponentially, 1s doubling to a 64s cap; a successful connect resets
// the backoff. Cancel ctx and then call Close to unblock a read in flight.
func (a *Adapter) Run(ctx context.Context) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		connected, err := a.connectAndRead(ctx)
		if connected {
			backoff = initialBackoff
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.logger.Warn("stream session ended", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// connectAndRead runs one full session. connected reports whether the dial
// succeeded, which is what resets the reconnect backoff.
func (a *Adapter) connectAndRead(ctx context.Context) (connected bool, err error) {
	headers, err := a.stream.authHeaders()
	if err != nil {
		return false, fmt.Errorf("build auth headers: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, a.stream.url(), headers)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	a.setConn(conn)
	defer func() {
		a.setConn(nil)
		conn.Close()
	}()

	a.logger.Info("stream connected", "url", a.stream.url())

	if err := a.stream.sendSubscribe(conn); err != nil {
		return true, fmt.Errorf("subscribe: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go a.pingLoop(pingCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		a.stream.handleMessage(data)
	}
}

func (a *Adapter) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				a.logger.Debug("ping write failed", "error", err)
				return
			}
		}
	}
}

// Close performs the close handshake on the live connection, if any, and
// tears it down. Safe to call at any time; Run exits once its context is
// canceled.
func (a *Adapter) Close() {
	a.connMu.Lock()
	conn := a.conn
	a.conn = nil
	a.connMu.Unlock()
	if conn == nil {
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	_ = conn.Close()
}

func (a *Adapter) setConn(conn *websocket.Conn) {
	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
}
