// Package lots implements the cost-basis ledger: tax-lot bookkeeping with
// no policy. Lots are opened on confirmed buys, consumed by realize
// operations per the position's disposal method, and destroyed at zero
// quantity.
package lots

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harvester-engine/harvester/internal/domain"
)

// RealizedLeg is the realized outcome of consuming (part of) one lot.
type RealizedLeg struct {
	LotID       string
	Ticker      string
	Quantity    float64
	UnitBasis   float64
	Gain        float64 // signed: negative is a loss
	Term        domain.Term
	HoldingDays int
}

// RealizedResult aggregates the legs of a single realize call.
type RealizedResult struct {
	Ticker    string
	Quantity  float64
	Proceeds  float64
	CostBasis float64
	Gain      float64 // signed total
	Legs      []RealizedLeg
}

// Term returns the term of the realized result. A realize spanning lots of
// mixed terms reports the term of the largest-quantity leg.
func (r RealizedResult) Term() domain.Term {
	var best RealizedLeg
	for _, leg := range r.Legs {
		if leg.Quantity > best.Quantity {
			best = leg
		}
	}
	if best.Term == "" {
		return domain.TermLong
	}
	return best.Term
}

// Selector identifies what a realize call should consume.
// LotID is required only for specific-id positions.
type Selector struct {
	Ticker string
	LotID  string
}

type position struct {
	method domain.DisposalMethod
	lots   []domain.Lot
}

// Book owns all open tax lots, keyed by ticker.
type Book struct {
	shortTermCutoffDays int
	positions           map[string]*position
	log                 zerolog.Logger
}

// NewBook creates an empty lot book.
func NewBook(shortTermCutoffDays int, log zerolog.Logger) *Book {
	return &Book{
		shortTermCutoffDays: shortTermCutoffDays,
		positions:           make(map[string]*position),
		log:                 log.With().Str("service", "lots").Logger(),
	}
}

// SetMethod sets the disposal method for a ticker. Defaults to FIFO.
func (b *Book) SetMethod(ticker string, method domain.DisposalMethod) {
	b.pos(ticker).method = method
}

// Method returns the disposal method configured for a ticker.
func (b *Book) Method(ticker string) domain.DisposalMethod {
	if p, ok := b.positions[ticker]; ok {
		return p.method
	}
	return domain.DisposalFIFO
}

// OpenLot records a new purchase batch.
func (b *Book) OpenLot(ticker string, qty float64, acquiredAt time.Time, unitBasis float64) (domain.Lot, error) {
	if qty <= 0 {
		return domain.Lot{}, fmt.Errorf("lot quantity must be positive, got %v", qty)
	}
	if unitBasis < 0 {
		return domain.Lot{}, fmt.Errorf("unit basis must be non-negative, got %v", unitBasis)
	}

	lot := domain.Lot{
		ID:         uuid.New().String(),
		Ticker:     ticker,
		Quantity:   qty,
		AcquiredAt: dateOnly(acquiredAt),
		UnitBasis:  unitBasis,
	}
	p := b.pos(ticker)
	p.lots = append(p.lots, lot)

	b.log.Debug().
		Str("ticker", ticker).
		Float64("quantity", qty).
		Float64("unit_basis", unitBasis).
		Msg("Lot opened")

	return lot, nil
}

// RestoreLot reinserts a previously persisted lot, keeping its identity.
func (b *Book) RestoreLot(lot domain.Lot) {
	lot.AcquiredAt = dateOnly(lot.AcquiredAt)
	p := b.pos(lot.Ticker)
	p.lots = append(p.lots, lot)
}

// Realize consumes qty shares from the position per its disposal method and
// returns the realized gain/loss per consumed lot. Fails with
// ErrInsufficientQuantity before touching any lot if qty exceeds the open
// quantity.
func (b *Book) Realize(sel Selector, qty float64, saleDate time.Time, salePrice float64) (RealizedResult, error) {
	if qty <= 0 {
		return RealizedResult{}, fmt.Errorf("realize quantity must be positive, got %v", qty)
	}

	p, ok := b.positions[sel.Ticker]
	if !ok || len(p.lots) == 0 {
		return RealizedResult{}, fmt.Errorf("realize %s: %w", sel.Ticker, domain.ErrInsufficientQuantity)
	}

	ordered, err := b.orderLots(p, sel)
	if err != nil {
		return RealizedResult{}, err
	}

	available := 0.0
	for _, l := range ordered {
		available += l.Quantity
	}
	if qty > available+domain.Epsilon {
		return RealizedResult{}, fmt.Errorf("realize %s: requested %v, open %v: %w",
			sel.Ticker, qty, available, domain.ErrInsufficientQuantity)
	}

	saleDate = dateOnly(saleDate)
	result := RealizedResult{Ticker: sel.Ticker}
	remaining := qty

	for _, lot := range ordered {
		if remaining <= domain.Epsilon {
			break
		}
		take := math.Min(remaining, lot.Quantity)

		days := holdingDays(lot.AcquiredAt, saleDate)
		term := domain.TermLong
		if days < b.shortTermCutoffDays {
			term = domain.TermShort
		}

		leg := RealizedLeg{
			LotID:       lot.ID,
			Ticker:      lot.Ticker,
			Quantity:    take,
			UnitBasis:   lot.UnitBasis,
			Gain:        (salePrice - lot.UnitBasis) * take,
			Term:        term,
			HoldingDays: days,
		}
		result.Legs = append(result.Legs, leg)
		result.Quantity += take
		result.Proceeds += salePrice * take
		result.CostBasis += lot.UnitBasis * take
		result.Gain += leg.Gain

		b.consume(p, lot.ID, take)
		remaining -= take
	}

	b.log.Info().
		Str("ticker", sel.Ticker).
		Float64("quantity", result.Quantity).
		Float64("gain", result.Gain).
		Int("legs", len(result.Legs)).
		Msg("Realized")

	return result, nil
}

// orderLots returns the lots a realize call may consume, in consumption order.
func (b *Book) orderLots(p *position, sel Selector) ([]domain.Lot, error) {
	switch p.method {
	case domain.DisposalSpecificID:
		if sel.LotID == "" {
			return nil, fmt.Errorf("position %s uses specific-id disposal, selector must name a lot", sel.Ticker)
		}
		for _, l := range p.lots {
			if l.ID == sel.LotID {
				return []domain.Lot{l}, nil
			}
		}
		return nil, fmt.Errorf("lot %s on %s: %w", sel.LotID, sel.Ticker, domain.ErrLotNotFound)

	case domain.DisposalLIFO:
		ordered := append([]domain.Lot(nil), p.lots...)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].AcquiredAt.After(ordered[j].AcquiredAt)
		})
		return ordered, nil

	default: // FIFO
		ordered := append([]domain.Lot(nil), p.lots...)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].AcquiredAt.Before(ordered[j].AcquiredAt)
		})
		return ordered, nil
	}
}

// consume reduces a lot's quantity, destroying it when it reaches zero.
func (b *Book) consume(p *position, lotID string, qty float64) {
	for i := range p.lots {
		if p.lots[i].ID != lotID {
			continue
		}
		p.lots[i].Quantity -= qty
		if p.lots[i].Quantity <= domain.Epsilon {
			p.lots = append(p.lots[:i], p.lots[i+1:]...)
		}
		return
	}
}

// AdjustBasis spreads a basis adjustment over a lot. Used for wash-sale
// deferral: the disallowed loss is added to the replacement lot's basis.
func (b *Book) AdjustBasis(ticker, lotID string, amount float64) error {
	p, ok := b.positions[ticker]
	if !ok {
		return fmt.Errorf("adjust basis on %s: %w", ticker, domain.ErrLotNotFound)
	}
	for i := range p.lots {
		if p.lots[i].ID != lotID {
			continue
		}
		if p.lots[i].Quantity <= domain.Epsilon {
			return fmt.Errorf("adjust basis on empty lot %s: %w", lotID, domain.ErrLotNotFound)
		}
		p.lots[i].UnitBasis += amount / p.lots[i].Quantity

		b.log.Info().
			Str("ticker", ticker).
			Str("lot_id", lotID).
			Float64("adjustment", amount).
			Msg("Lot basis adjusted")
		return nil
	}
	return fmt.Errorf("adjust basis on %s lot %s: %w", ticker, lotID, domain.ErrLotNotFound)
}

// Reconcile compares the book's quantity for a ticker against the externally
// reported quantity. Divergence beyond epsilon indicates missed trades and
// is never auto-corrected.
func (b *Book) Reconcile(ticker string, externalQty, epsilon float64) error {
	tracked := b.Quantity(ticker)
	if math.Abs(tracked-externalQty) > epsilon {
		return fmt.Errorf("%s: ledger %v vs broker %v: %w",
			ticker, tracked, externalQty, domain.ErrReconciliationMismatch)
	}
	return nil
}

// Quantity returns the total open quantity for a ticker.
func (b *Book) Quantity(ticker string) float64 {
	p, ok := b.positions[ticker]
	if !ok {
		return 0
	}
	total := 0.0
	for _, l := range p.lots {
		total += l.Quantity
	}
	return total
}

// Position returns a copy of the position for a ticker, lots ordered by
// acquisition date.
func (b *Book) Position(ticker string) (domain.Position, bool) {
	p, ok := b.positions[ticker]
	if !ok || len(p.lots) == 0 {
		return domain.Position{}, false
	}
	out := domain.Position{
		Ticker: ticker,
		Method: p.method,
		Lots:   append([]domain.Lot(nil), p.lots...),
	}
	sort.SliceStable(out.Lots, func(i, j int) bool {
		return out.Lots[i].AcquiredAt.Before(out.Lots[j].AcquiredAt)
	})
	for _, l := range out.Lots {
		out.Quantity += l.Quantity
	}
	return out, true
}

// Positions returns all non-empty positions, sorted by ticker.
func (b *Book) Positions() []domain.Position {
	tickers := make([]string, 0, len(b.positions))
	for t := range b.positions {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	var out []domain.Position
	for _, t := range tickers {
		if pos, ok := b.Position(t); ok {
			out = append(out, pos)
		}
	}
	return out
}

// CostBasis returns the total cost basis for a ticker.
func (b *Book) CostBasis(ticker string) float64 {
	p, ok := b.positions[ticker]
	if !ok {
		return 0
	}
	total := 0.0
	for _, l := range p.lots {
		total += l.CostBasis()
	}
	return total
}

// OldestAcquisition returns the acquisition date of the oldest open lot.
func (b *Book) OldestAcquisition(ticker string) (time.Time, bool) {
	p, ok := b.positions[ticker]
	if !ok || len(p.lots) == 0 {
		return time.Time{}, false
	}
	oldest := p.lots[0].AcquiredAt
	for _, l := range p.lots[1:] {
		if l.AcquiredAt.Before(oldest) {
			oldest = l.AcquiredAt
		}
	}
	return oldest, true
}

// NewestAcquisition returns the acquisition date of the most recent open
// lot. The holding-period gate measures from here: one fresh lot makes the
// whole position too young to harvest, however old its other lots are.
func (b *Book) NewestAcquisition(ticker string) (time.Time, bool) {
	p, ok := b.positions[ticker]
	if !ok || len(p.lots) == 0 {
		return time.Time{}, false
	}
	newest := p.lots[0].AcquiredAt
	for _, l := range p.lots[1:] {
		if l.AcquiredAt.After(newest) {
			newest = l.AcquiredAt
		}
	}
	return newest, true
}

// Clone returns a deep copy of the book, used for scan snapshots.
func (b *Book) Clone() *Book {
	clone := NewBook(b.shortTermCutoffDays, b.log)
	for ticker, p := range b.positions {
		cp := &position{method: p.method, lots: append([]domain.Lot(nil), p.lots...)}
		clone.positions[ticker] = cp
	}
	return clone
}

func (b *Book) pos(ticker string) *position {
	p, ok := b.positions[ticker]
	if !ok {
		p = &position{method: domain.DisposalFIFO}
		b.positions[ticker] = p
	}
	return p
}

// dateOnly truncates a timestamp to its UTC calendar date.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// holdingDays counts the holding period from acquisition to sale, inclusive
// of the sale date.
func holdingDays(acquired, sold time.Time) int {
	return int(dateOnly(sold).Sub(dateOnly(acquired)).Hours()/24) + 1
}
