// Package carryforward aggregates realized gains and losses per tax year
// under short/long-term netting rules and tracks carryforward utilization.
package carryforward

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/harvester-engine/harvester/internal/domain"
)

// Entry is the netting outcome for one tax year. Loss fields are positive
// magnitudes; Net fields are signed with negative meaning a loss.
type Entry struct {
	Year int

	ShortGains  decimal.Decimal
	ShortLosses decimal.Decimal
	LongGains   decimal.Decimal
	LongLosses  decimal.Decimal

	// Net positions after incoming carryforward and cross-term offsetting
	NetShort decimal.Decimal
	NetLong  decimal.Decimal

	// Deducted is the portion of the remaining net loss absorbed by the
	// annual deductible cap. What is left carries forward.
	Deducted   decimal.Decimal
	CarryShort decimal.Decimal
	CarryLong  decimal.Decimal

	Closed bool
}

// Available is the loss usable against future gains, split by term.
type Available struct {
	ShortTerm decimal.Decimal
	LongTerm  decimal.Decimal
}

type yearRecord struct {
	events        []domain.RealizedEvent
	entry         Entry
	closed        bool
	utilizedShort decimal.Decimal
	utilizedLong  decimal.Decimal
}

// Ledger nets realized events per tax year. Money is exact here: netting
// feeds tax reporting, so float drift is not acceptable.
type Ledger struct {
	deductibleCap decimal.Decimal
	years         map[int]*yearRecord
	log           zerolog.Logger
}

// NewLedger creates a carryforward ledger with the given annual deductible
// cap in dollars.
func NewLedger(deductibleCapUSD float64, log zerolog.Logger) *Ledger {
	return &Ledger{
		deductibleCap: decimal.NewFromFloat(deductibleCapUSD),
		years:         make(map[int]*yearRecord),
		log:           log.With().Str("service", "carryforward").Logger(),
	}
}

// ApplyYear adds realized events to an open tax year and recomputes its
// entry and every later year's. Applying to a closed year fails with
// ErrClosedYear; amending history goes through RestateYear.
func (l *Ledger) ApplyYear(year int, events []domain.RealizedEvent) (Entry, error) {
	rec := l.year(year)
	if rec.closed {
		return Entry{}, fmt.Errorf("tax year %d: %w", year, domain.ErrClosedYear)
	}

	rec.events = append(rec.events, events...)
	l.recomputeFrom(year)

	l.log.Info().
		Int("year", year).
		Int("events", len(events)).
		Str("carry_short", rec.entry.CarryShort.String()).
		Str("carry_long", rec.entry.CarryLong.String()).
		Msg("Tax year recomputed")

	return rec.entry, nil
}

// RestateYear replaces a year's events wholesale, reopening it if closed,
// and recomputes every later year. This is the explicit out-of-band path
// for amending history; ApplyYear never silently touches a closed year.
func (l *Ledger) RestateYear(year int, events []domain.RealizedEvent) Entry {
	rec := l.year(year)
	wasClosed := rec.closed

	rec.events = append([]domain.RealizedEvent(nil), events...)
	rec.closed = false
	l.recomputeFrom(year)

	l.log.Warn().
		Int("year", year).
		Bool("was_closed", wasClosed).
		Int("events", len(events)).
		Msg("Tax year restated")

	return rec.entry
}

// CloseYear freezes a year. Further ApplyYear calls for it fail.
func (l *Ledger) CloseYear(year int) {
	rec := l.year(year)
	rec.closed = true
	rec.entry.Closed = true
}

// Entry returns the computed entry for a year, false if the year is unknown.
func (l *Ledger) Entry(year int) (Entry, bool) {
	rec, ok := l.years[year]
	if !ok {
		return Entry{}, false
	}
	return rec.entry, true
}

// AvailableLoss reports the loss available for year Y: the carryforward
// out of Y-1, plus Y's own net loss, minus what has been marked utilized
// for Y. Never negative.
func (l *Ledger) AvailableLoss(year int) Available {
	var carryShort, carryLong decimal.Decimal
	if prev, ok := l.years[year-1]; ok {
		carryShort = prev.entry.CarryShort
		carryLong = prev.entry.CarryLong
	}

	var ownShort, ownLong decimal.Decimal
	rec, ok := l.years[year]
	if ok {
		st, lt := netOwn(rec.events)
		ownShort = lossPart(st)
		ownLong = lossPart(lt)
	}

	avail := Available{
		ShortTerm: carryShort.Add(ownShort),
		LongTerm:  carryLong.Add(ownLong),
	}
	if ok {
		avail.ShortTerm = avail.ShortTerm.Sub(rec.utilizedShort)
		avail.LongTerm = avail.LongTerm.Sub(rec.utilizedLong)
	}
	if avail.ShortTerm.IsNegative() {
		avail.ShortTerm = decimal.Zero
	}
	if avail.LongTerm.IsNegative() {
		avail.LongTerm = decimal.Zero
	}
	return avail
}

// MarkUtilized records loss consumption against a year's available loss.
func (l *Ledger) MarkUtilized(year int, shortTerm, longTerm decimal.Decimal) error {
	rec, ok := l.years[year]
	if !ok {
		return fmt.Errorf("tax year %d has no entry", year)
	}
	rec.utilizedShort = rec.utilizedShort.Add(shortTerm)
	rec.utilizedLong = rec.utilizedLong.Add(longTerm)
	return nil
}

// Years returns the known tax years in ascending order.
func (l *Ledger) Years() []int {
	years := make([]int, 0, len(l.years))
	for y := range l.years {
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}

// Restore loads a persisted year without recomputation side effects on
// logging. The caller recomputes once after all years are restored.
func (l *Ledger) Restore(year int, events []domain.RealizedEvent, closed bool, utilizedShort, utilizedLong decimal.Decimal) {
	rec := l.year(year)
	rec.events = append([]domain.RealizedEvent(nil), events...)
	rec.closed = closed
	rec.utilizedShort = utilizedShort
	rec.utilizedLong = utilizedLong
}

// Recompute recalculates every known year in order. Used after Restore.
func (l *Ledger) Recompute() {
	years := l.Years()
	if len(years) == 0 {
		return
	}
	l.recomputeFrom(years[0])
}

// Events returns a copy of a year's realized events.
func (l *Ledger) Events(year int) []domain.RealizedEvent {
	rec, ok := l.years[year]
	if !ok {
		return nil
	}
	return append([]domain.RealizedEvent(nil), rec.events...)
}

// Utilization returns what has been marked utilized for a year.
func (l *Ledger) Utilization(year int) (shortTerm, longTerm decimal.Decimal) {
	rec, ok := l.years[year]
	if !ok {
		return decimal.Zero, decimal.Zero
	}
	return rec.utilizedShort, rec.utilizedLong
}

// Clone returns a deep copy of the ledger, used for scan snapshots.
func (l *Ledger) Clone() *Ledger {
	clone := NewLedger(0, l.log)
	clone.deductibleCap = l.deductibleCap
	for y, rec := range l.years {
		clone.years[y] = &yearRecord{
			events:        append([]domain.RealizedEvent(nil), rec.events...),
			entry:         rec.entry,
			closed:        rec.closed,
			utilizedShort: rec.utilizedShort,
			utilizedLong:  rec.utilizedLong,
		}
	}
	return clone
}

func (l *Ledger) year(y int) *yearRecord {
	rec, ok := l.years[y]
	if !ok {
		rec = &yearRecord{}
		l.years[y] = rec
	}
	return rec
}

// recomputeFrom rebuilds entries from the given year through the latest
// known year so carryforward chains stay consistent.
func (l *Ledger) recomputeFrom(year int) {
	for _, y := range l.Years() {
		if y < year {
			continue
		}
		l.compute(y)
	}
}

// compute nets one year. Statutory order: same-term netting first, then a
// net loss in one term offsets a net gain in the other, then the annual
// deductible cap absorbs remaining loss (short-term first), and whatever
// is left carries forward keeping its classification.
func (l *Ledger) compute(year int) {
	rec := l.year(year)
	entry := Entry{Year: year, Closed: rec.closed}

	for _, e := range rec.events {
		amt := decimal.NewFromFloat(e.Amount)
		switch {
		case e.Term == domain.TermShort && amt.IsNegative():
			entry.ShortLosses = entry.ShortLosses.Add(amt.Neg())
		case e.Term == domain.TermShort:
			entry.ShortGains = entry.ShortGains.Add(amt)
		case amt.IsNegative():
			entry.LongLosses = entry.LongLosses.Add(amt.Neg())
		default:
			entry.LongGains = entry.LongGains.Add(amt)
		}
	}

	st := entry.ShortGains.Sub(entry.ShortLosses)
	lt := entry.LongGains.Sub(entry.LongLosses)

	// Incoming carryforward enters as a same-term loss
	if prev, ok := l.years[year-1]; ok {
		st = st.Sub(prev.entry.CarryShort)
		lt = lt.Sub(prev.entry.CarryLong)
	}

	st, lt = crossOffset(st, lt)
	entry.NetShort = st
	entry.NetLong = lt

	remainingShort := lossPart(st)
	remainingLong := lossPart(lt)

	deduct := decimal.Min(l.deductibleCap, remainingShort.Add(remainingLong))
	deductShort := decimal.Min(deduct, remainingShort)
	deductLong := deduct.Sub(deductShort)
	entry.Deducted = deduct
	entry.CarryShort = remainingShort.Sub(deductShort)
	entry.CarryLong = remainingLong.Sub(deductLong)

	rec.entry = entry
}

// crossOffset applies a net loss in one term against a net gain in the
// other, symmetrically.
func crossOffset(st, lt decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if st.IsNegative() && lt.IsPositive() {
		offset := decimal.Min(st.Neg(), lt)
		st = st.Add(offset)
		lt = lt.Sub(offset)
	} else if lt.IsNegative() && st.IsPositive() {
		offset := decimal.Min(lt.Neg(), st)
		lt = lt.Add(offset)
		st = st.Sub(offset)
	}
	return st, lt
}

// netOwn nets a year's events in isolation, without incoming carryforward
// or the deductible cap. Used by AvailableLoss.
func netOwn(events []domain.RealizedEvent) (st, lt decimal.Decimal) {
	for _, e := range events {
		amt := decimal.NewFromFloat(e.Amount)
		if e.Term == domain.TermShort {
			st = st.Add(amt)
		} else {
			lt = lt.Add(amt)
		}
	}
	return crossOffset(st, lt)
}

func lossPart(net decimal.Decimal) decimal.Decimal {
	if net.IsNegative() {
		return net.Neg()
	}
	return decimal.Zero
}

// YearOf returns the tax year a realized event belongs to.
func YearOf(t time.Time) int {
	return t.UTC().Year()
}
