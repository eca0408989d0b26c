// Package trades turns selected harvests and due rebuy actions into an
// ordered, dated list of trade intents.
package trades

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harvester-engine/harvester/internal/domain"
	"github.com/harvester-engine/harvester/internal/modules/rebuy"
)

// SellOrder is a planned disposal. Ticker and quantity come from the lot
// book's selection, never from broker-reported positions.
type SellOrder struct {
	HarvestID string
	LotID     string
	Ticker    string
	Quantity  float64
	Reason    domain.TradeReason
}

// BuyOrder is a planned purchase. Quantity 0 with a positive Notional
// means the order is sized at the quoted price when generated.
type BuyOrder struct {
	HarvestID string
	Ticker    string
	Quantity  float64
	Notional  float64
	Reason    domain.TradeReason
}

// Generator assembles trade intents with execution deadlines.
type Generator struct {
	executionWindow time.Duration
	log             zerolog.Logger
}

// NewGenerator creates a trade generator.
func NewGenerator(executionWindow time.Duration, log zerolog.Logger) *Generator {
	return &Generator{
		executionWindow: executionWindow,
		log:             log.With().Str("service", "trades").Logger(),
	}
}

// Generate produces the ordered intent list for one scan cycle. All sells
// precede all buys so the wash-sale tracker sees every sell event before
// any same-cycle buy is checked. Each intent carries a deadline of asOf
// plus the execution window; a stale intent must be re-evaluated, never
// blindly retried.
//
// Notional buys are sized against the quotes map and fail when the quote
// for their ticker is missing or unusable.
func (g *Generator) Generate(sells []SellOrder, buys []BuyOrder, quotes map[string]domain.Quote, asOf time.Time) ([]domain.TradeIntent, error) {
	deadline := asOf.Add(g.executionWindow)
	intents := make([]domain.TradeIntent, 0, len(sells)+len(buys))

	for _, s := range sells {
		if s.Quantity <= domain.Epsilon {
			continue
		}
		intents = append(intents, domain.TradeIntent{
			Action:        domain.ActionSell,
			Ticker:        s.Ticker,
			Quantity:      s.Quantity,
			Reason:        s.Reason,
			HarvestID:     s.HarvestID,
			LotID:         s.LotID,
			NotValidAfter: deadline,
		})
	}

	for _, b := range buys {
		qty := b.Quantity
		if qty <= domain.Epsilon {
			if b.Notional <= domain.Epsilon {
				continue
			}
			q, ok := quotes[b.Ticker]
			if !ok || q.Price <= 0 {
				return nil, fmt.Errorf("no usable quote for notional buy of %s", b.Ticker)
			}
			qty = b.Notional / q.Price
		}
		intents = append(intents, domain.TradeIntent{
			Action:        domain.ActionBuy,
			Ticker:        b.Ticker,
			Quantity:      qty,
			Reason:        b.Reason,
			HarvestID:     b.HarvestID,
			NotValidAfter: deadline,
		})
	}

	g.log.Info().
		Int("sells", len(sells)).
		Int("buys", len(intents)-len(sells)).
		Time("deadline", deadline).
		Msg("Trade intents generated")

	return intents, nil
}

// SplitLegs converts a rebuy action's legs into sell and buy orders
// carrying the harvest record's identity.
func SplitLegs(a rebuy.Action) ([]SellOrder, []BuyOrder) {
	var sells []SellOrder
	var buys []BuyOrder
	for _, leg := range a.Legs {
		switch leg.Action {
		case domain.ActionSell:
			sells = append(sells, SellOrder{
				HarvestID: a.Record.ID,
				Ticker:    leg.Ticker,
				Quantity:  leg.Qty,
				Reason:    leg.Reason,
			})
		case domain.ActionBuy:
			buys = append(buys, BuyOrder{
				HarvestID: a.Record.ID,
				Ticker:    leg.Ticker,
				Quantity:  leg.Qty,
				Notional:  leg.Notional,
				Reason:    leg.Reason,
			})
		}
	}
	return sells, buys
}
