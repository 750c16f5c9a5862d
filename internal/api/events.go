package api

import (
	"time"

	"prediction-arb/internal/risk"
	"prediction-arb/pkg/types"
)

// Event types streamed over /ws.
const (
	EventSnapshot = "snapshot" // full Snapshot, sent once on connect
	EventSignal   = "signal"
	EventOrder    = "order"
	EventFill     = "fill"
	EventRisk     = "risk"
	EventBookTick = "book_tick"
)

// DashboardEvent is the wire frame for every websocket push.
type DashboardEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

func newEvent(eventType string, data any) DashboardEvent {
	return DashboardEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewSignalEvent wraps a fired signal.
func NewSignalEvent(sig types.Signal) DashboardEvent {
	return newEvent(EventSignal, sig)
}

// NewOrderEvent wraps an order state change.
func NewOrderEvent(order types.Order) DashboardEvent {
	return newEvent(EventOrder, order)
}

// NewFillEvent wraps an execution.
func NewFillEvent(fill types.Fill) DashboardEvent {
	return newEvent(EventFill, fill)
}

// NewRiskEvent wraps a portfolio snapshot, pushed on every summary tick.
func NewRiskEvent(snap risk.Snapshot) DashboardEvent {
	return newEvent(EventRisk, snap)
}

// NewBookTickEvent wraps a book top-of-book change.
func NewBookTickEvent(status BookStatus) DashboardEvent {
	return newEvent(EventBookTick, status)
}
