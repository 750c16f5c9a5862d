package exchange

import (
	"context"

	"prediction-arb/pkg/types"
)

// PlacementClient is the order-submission surface the engine drives. Both
// venue clients implement it; in dry-run mode they fabricate fills without
// touching the network, so the engine's execution path is identical live
// and simulated.
type PlacementClient interface {
	// PlaceOrder submits the order and returns the venue order ID and the
	// price the fill is booked at.
	PlaceOrder(ctx context.Context, order *types.Order) (venueOrderID string, fillPrice float64, err error)
	// Platform identifies which venue this client trades on.
	Platform() types.Platform
}

var (
	_ PlacementClient = (*KalshiClient)(nil)
	_ PlacementClient = (*PolymarketClient)(nil)
)
