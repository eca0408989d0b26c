// Package domain contains the core types shared across harvester modules.
// It has no infrastructure dependencies.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Epsilon is the tolerance used for quantity and value comparisons.
// Fractional shares accumulate float drift; anything below this is zero.
const Epsilon = 1e-6

// DisposalMethod determines which lots a sale consumes.
type DisposalMethod string

const (
	DisposalFIFO       DisposalMethod = "fifo"
	DisposalLIFO       DisposalMethod = "lifo"
	DisposalSpecificID DisposalMethod = "specific_id"
)

// DisposalMethodFromString parses a disposal method, rejecting unknown values.
func DisposalMethodFromString(s string) (DisposalMethod, error) {
	switch DisposalMethod(strings.ToLower(strings.TrimSpace(s))) {
	case DisposalFIFO:
		return DisposalFIFO, nil
	case DisposalLIFO:
		return DisposalLIFO, nil
	case DisposalSpecificID:
		return DisposalSpecificID, nil
	}
	return "", fmt.Errorf("unknown disposal method: %q", s)
}

// Term classifies a realized gain or loss by holding period.
type Term string

const (
	TermShort Term = "short"
	TermLong  Term = "long"
)

// Lot is a single tax lot: one purchase batch with its own acquisition
// date and cost basis. Owned exclusively by the lot book.
type Lot struct {
	ID         string
	Ticker     string
	Quantity   float64
	AcquiredAt time.Time
	UnitBasis  float64 // cost basis per share
}

// CostBasis returns the total cost basis of the lot.
func (l Lot) CostBasis() float64 {
	return l.Quantity * l.UnitBasis
}

// Position is a ticker with its ordered open lots.
type Position struct {
	Ticker   string
	Method   DisposalMethod
	Lots     []Lot
	Quantity float64 // sum of open lot quantities
}

// TradeAction is the direction of a trade intent.
type TradeAction string

const (
	ActionBuy  TradeAction = "buy"
	ActionSell TradeAction = "sell"
)

// TradeReason explains why an intent was generated.
type TradeReason string

const (
	ReasonHarvest  TradeReason = "harvest"
	ReasonRebuy    TradeReason = "rebuy"
	ReasonSwapIn   TradeReason = "swap_in"
	ReasonSwapBack TradeReason = "swap_back"
)

// TradeIntent is an instruction for the execution collaborator. It is
// ephemeral: produced per scan, consumed by the executor, audited, never
// persisted as state.
type TradeIntent struct {
	Action        TradeAction
	Ticker        string
	Quantity      float64
	Reason        TradeReason
	HarvestID     string    // harvest record this intent belongs to, if any
	LotID         string    // specific lot for specific-id sells
	NotValidAfter time.Time // past this deadline the intent is stale and must be re-evaluated
}

// Stale reports whether the intent's deadline has passed.
func (t TradeIntent) Stale(now time.Time) bool {
	return now.After(t.NotValidAfter)
}

// Candidate is a position evaluated for harvesting in the current scan.
// UnrealizedPL is signed: negative means a loss.
type Candidate struct {
	Ticker       string
	Quantity     float64
	CurrentPrice float64
	MarketValue  float64
	CostBasis    float64
	UnrealizedPL float64
	LossPct      float64 // positive percentage, 0 for gains
	TaxBenefit   float64
	Term         Term
	DaysHeld     int
	DropReason   string // empty when selected; set when filtered out
}

// Loss returns the loss magnitude (0 for gains).
func (c Candidate) Loss() float64 {
	if c.UnrealizedPL >= 0 {
		return 0
	}
	return -c.UnrealizedPL
}

// Selected reports whether the candidate survived filtering.
func (c Candidate) Selected() bool {
	return c.DropReason == ""
}

// OrderStatus is the executor's report for a submitted intent.
type OrderStatus string

const (
	OrderFilled   OrderStatus = "filled"
	OrderRejected OrderStatus = "rejected"
	OrderPending  OrderStatus = "pending"
)

// OrderResult is returned by the order executor for a submitted intent.
type OrderResult struct {
	Status    OrderStatus
	OrderID   string
	FillPrice float64
	FilledQty float64
}

// Quote is a price observation from the price source.
type Quote struct {
	Ticker    string
	Price     float64
	Timestamp time.Time
}

// BrokerPosition is a position as reported by the position source,
// used at scan start for reconciliation.
type BrokerPosition struct {
	Ticker   string
	Quantity float64
}

// RealizedEvent is a confirmed gain or loss fed to the carryforward ledger.
// Amount is signed: negative means a loss.
type RealizedEvent struct {
	Ticker string
	Date   time.Time
	Amount float64
	Term   Term
}
