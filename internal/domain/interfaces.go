package domain

import "time"

// PriceSource provides quotes for candidate valuation.
// Implementations must return ErrStaleQuote when the freshest observation
// is older than the configured freshness bound.
type PriceSource interface {
	Quote(ticker string, asOf time.Time) (Quote, error)
}

// PositionSource reports broker positions, used at scan start to reconcile
// the lot book against reality before any mutation.
type PositionSource interface {
	Positions() ([]BrokerPosition, error)
}

// OrderExecutor submits trade intents to the broker. Synchronous from the
// engine's point of view; pending fills are polled by the caller layer.
type OrderExecutor interface {
	Submit(intent TradeIntent) (OrderResult, error)
}
