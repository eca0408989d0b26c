package washsale

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// EventKind is the direction of a recorded wash-sale event.
type EventKind string

const (
	EventBuy  EventKind = "buy"
	EventSell EventKind = "sell"
	// EventPlannedBuy is a scheduled future repurchase. The window is
	// symmetric, so a planned buy inside the forward half makes a sale a
	// wash sale just as a past buy does.
	EventPlannedBuy EventKind = "planned_buy"
)

// Event is one entry in a group's append-only event log. Ticker records
// which group member the event was for; group-level events carry an empty
// ticker and count against every member.
type Event struct {
	GroupID  string
	Ticker   string
	Kind     EventKind
	Date     time.Time
	Quantity float64
}

// Tracker answers wash-sale compliance queries from per-group event logs.
// Events are never deleted; newer events only supersede older ones when
// computing the active window.
type Tracker struct {
	groups     *Groups
	windowDays int
	events     map[string][]Event // group id -> chronological log
	appended   []Event            // events recorded since load, for the commit pass
	log        zerolog.Logger
}

// NewTracker creates a tracker over the given group table.
// windowDays is the half-width: 30 produces the inclusive 61-day window.
func NewTracker(groups *Groups, windowDays int, log zerolog.Logger) *Tracker {
	return &Tracker{
		groups:     groups,
		windowDays: windowDays,
		events:     make(map[string][]Event),
		log:        log.With().Str("service", "washsale").Logger(),
	}
}

// Groups returns the group indirection table the tracker was built over.
func (t *Tracker) Groups() *Groups {
	return t.groups
}

// Restore replays a persisted event without marking it for re-persistence.
func (t *Tracker) Restore(e Event) {
	e.Date = dateOnly(e.Date)
	t.events[e.GroupID] = append(t.events[e.GroupID], e)
}

// RecordEvent appends a new event to a group's log.
func (t *Tracker) RecordEvent(groupID string, kind EventKind, date time.Time, qty float64) {
	e := Event{GroupID: groupID, Kind: kind, Date: dateOnly(date), Quantity: qty}
	t.events[groupID] = append(t.events[groupID], e)
	t.appended = append(t.appended, e)

	t.log.Debug().
		Str("group", groupID).
		Str("kind", string(kind)).
		Time("date", e.Date).
		Float64("quantity", qty).
		Msg("Wash sale event recorded")
}

// RecordEventForTicker resolves the ticker's group and appends the event,
// retaining the ticker for member-scoped restriction queries.
func (t *Tracker) RecordEventForTicker(ticker string, kind EventKind, date time.Time, qty float64) {
	groupID := t.groups.GroupID(ticker)
	e := Event{GroupID: groupID, Ticker: ticker, Kind: kind, Date: dateOnly(date), Quantity: qty}
	t.events[groupID] = append(t.events[groupID], e)
	t.appended = append(t.appended, e)

	t.log.Debug().
		Str("group", groupID).
		Str("ticker", ticker).
		Str("kind", string(kind)).
		Time("date", e.Date).
		Float64("quantity", qty).
		Msg("Wash sale event recorded")
}

// Appended returns the events recorded since the tracker was loaded.
// The scan's committing pass persists exactly these.
func (t *Tracker) Appended() []Event {
	return append([]Event(nil), t.appended...)
}

// IsWashSale reports whether a sale of the group on saleDate would be a wash
// sale: true iff any buy (or planned buy) of the group falls within the
// inclusive [saleDate-window, saleDate+window] range.
func (t *Tracker) IsWashSale(groupID string, saleDate time.Time) bool {
	saleDate = dateOnly(saleDate)
	start := saleDate.AddDate(0, 0, -t.windowDays)
	end := saleDate.AddDate(0, 0, t.windowDays)

	for _, e := range t.events[groupID] {
		if e.Kind == EventSell {
			continue
		}
		if !e.Date.Before(start) && !e.Date.After(end) {
			return true
		}
	}
	return false
}

// IsWashSaleForTicker resolves the ticker's group and checks the window.
func (t *Tracker) IsWashSaleForTicker(ticker string, saleDate time.Time) bool {
	return t.IsWashSale(t.groups.GroupID(ticker), saleDate)
}

// TriggeringBuy returns the most recent buy inside the lookback half
// [saleDate-window, saleDate] of the window, if any. A loss sale washed by
// such a buy has its loss deferred onto that replacement purchase.
func (t *Tracker) TriggeringBuy(groupID string, saleDate time.Time) (Event, bool) {
	saleDate = dateOnly(saleDate)
	start := saleDate.AddDate(0, 0, -t.windowDays)

	var found Event
	ok := false
	for _, e := range t.events[groupID] {
		if e.Kind != EventBuy {
			continue
		}
		if e.Date.Before(start) || e.Date.After(saleDate) {
			continue
		}
		if !ok || e.Date.After(found.Date) {
			found = e
			ok = true
		}
	}
	return found, ok
}

// RestrictedUntil returns the latest date at which a buy of the group would
// still violate the window, relative to the most recent sell event at or
// before asOf. Returns false when the group is clear.
func (t *Tracker) RestrictedUntil(groupID string, asOf time.Time) (time.Time, bool) {
	asOf = dateOnly(asOf)

	var latestSell time.Time
	ok := false
	for _, e := range t.events[groupID] {
		if e.Kind != EventSell || e.Date.After(asOf) {
			continue
		}
		if !ok || e.Date.After(latestSell) {
			latestSell = e.Date
			ok = true
		}
	}
	if !ok {
		return time.Time{}, false
	}

	until := latestSell.AddDate(0, 0, t.windowDays)
	if until.Before(asOf) {
		return time.Time{}, false
	}
	return until, true
}

// RestrictedUntilTicker returns the restriction horizon for one group
// member, counting only sells of that ticker (and group-level sells).
// This is the query the swap rebuy path uses: a harvest sale of the
// canonical does not restrict its substitutes, only itself.
func (t *Tracker) RestrictedUntilTicker(ticker string, asOf time.Time) (time.Time, bool) {
	asOf = dateOnly(asOf)
	groupID := t.groups.GroupID(ticker)

	var latestSell time.Time
	ok := false
	for _, e := range t.events[groupID] {
		if e.Kind != EventSell || e.Date.After(asOf) {
			continue
		}
		if e.Ticker != "" && e.Ticker != ticker {
			continue
		}
		if !ok || e.Date.After(latestSell) {
			latestSell = e.Date
			ok = true
		}
	}
	if !ok {
		return time.Time{}, false
	}

	until := latestSell.AddDate(0, 0, t.windowDays)
	if until.Before(asOf) {
		return time.Time{}, false
	}
	return until, true
}

// Events returns a copy of a group's event log, oldest first.
func (t *Tracker) Events(groupID string) []Event {
	return append([]Event(nil), t.events[groupID]...)
}

// AllEvents returns every recorded event across all groups, ordered by
// group id then recording order. Used for snapshots.
func (t *Tracker) AllEvents() []Event {
	ids := make([]string, 0, len(t.events))
	for id := range t.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var all []Event
	for _, id := range ids {
		all = append(all, t.events[id]...)
	}
	return all
}

// ResetAppended clears the pending-persistence buffer. Called after the
// committing pass has durably appended the events.
func (t *Tracker) ResetAppended() {
	t.appended = nil
}

// Clone returns a deep copy of the tracker, used for scan snapshots.
func (t *Tracker) Clone() *Tracker {
	clone := NewTracker(t.groups, t.windowDays, t.log)
	for id, evs := range t.events {
		clone.events[id] = append([]Event(nil), evs...)
	}
	clone.appended = append([]Event(nil), t.appended...)
	return clone
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
