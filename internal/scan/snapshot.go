package scan

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/harvester-engine/harvester/internal/domain"
	"github.com/harvester-engine/harvester/internal/modules/carryforward"
	"github.com/harvester-engine/harvester/internal/modules/lots"
	"github.com/harvester-engine/harvester/internal/modules/washsale"
)

// Snapshot captures the full engine state at a scan boundary: open lots,
// the wash-sale event log, and per-year carryforward state. It is the
// unit of rollback and the serialized form at the persistence boundary.
type Snapshot struct {
	TakenAt time.Time `msgpack:"taken_at"`

	Lots    []snapshotLot     `msgpack:"lots"`
	Methods map[string]string `msgpack:"methods"`

	WashEvents []snapshotWashEvent `msgpack:"wash_events"`

	Years []snapshotYear `msgpack:"years"`
}

type snapshotLot struct {
	ID         string  `msgpack:"id"`
	Ticker     string  `msgpack:"ticker"`
	Quantity   float64 `msgpack:"quantity"`
	AcquiredAt int64   `msgpack:"acquired_at"`
	UnitBasis  float64 `msgpack:"unit_basis"`
}

type snapshotWashEvent struct {
	GroupID  string  `msgpack:"group_id"`
	Ticker   string  `msgpack:"ticker"`
	Kind     string  `msgpack:"kind"`
	Date     int64   `msgpack:"date"`
	Quantity float64 `msgpack:"quantity"`
}

type snapshotRealized struct {
	Ticker string  `msgpack:"ticker"`
	Date   int64   `msgpack:"date"`
	Amount float64 `msgpack:"amount"`
	Term   string  `msgpack:"term"`
}

type snapshotYear struct {
	Year          int                `msgpack:"year"`
	Events        []snapshotRealized `msgpack:"events"`
	Closed        bool               `msgpack:"closed"`
	UtilizedShort string             `msgpack:"utilized_short"`
	UtilizedLong  string             `msgpack:"utilized_long"`
}

// TakeSnapshot captures the current state of the book, tracker, and
// carryforward ledger.
func TakeSnapshot(book *lots.Book, tracker *washsale.Tracker, ledger *carryforward.Ledger, at time.Time) *Snapshot {
	snap := &Snapshot{
		TakenAt: at,
		Methods: make(map[string]string),
	}

	for _, pos := range book.Positions() {
		snap.Methods[pos.Ticker] = string(pos.Method)
		for _, lot := range pos.Lots {
			snap.Lots = append(snap.Lots, snapshotLot{
				ID:         lot.ID,
				Ticker:     lot.Ticker,
				Quantity:   lot.Quantity,
				AcquiredAt: lot.AcquiredAt.Unix(),
				UnitBasis:  lot.UnitBasis,
			})
		}
	}

	for _, e := range tracker.AllEvents() {
		snap.WashEvents = append(snap.WashEvents, snapshotWashEvent{
			GroupID:  e.GroupID,
			Ticker:   e.Ticker,
			Kind:     string(e.Kind),
			Date:     e.Date.Unix(),
			Quantity: e.Quantity,
		})
	}

	for _, year := range ledger.Years() {
		us, ul := ledger.Utilization(year)
		entry, _ := ledger.Entry(year)
		sy := snapshotYear{
			Year:          year,
			Closed:        entry.Closed,
			UtilizedShort: us.String(),
			UtilizedLong:  ul.String(),
		}
		for _, e := range ledger.Events(year) {
			sy.Events = append(sy.Events, snapshotRealized{
				Ticker: e.Ticker,
				Date:   e.Date.Unix(),
				Amount: e.Amount,
				Term:   string(e.Term),
			})
		}
		snap.Years = append(snap.Years, sy)
	}

	return snap
}

// Encode serializes the snapshot.
func (s *Snapshot) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot deserializes a snapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &s, nil
}

// RestoreParams carries the configuration needed to rebuild live state
// from a snapshot.
type RestoreParams struct {
	ShortTermCutoffDays int
	Groups              *washsale.Groups
	WashWindowDays      int
	AnnualDeductibleCap float64
	Log                 zerolog.Logger
}

// Restore rebuilds a lot book, tracker, and carryforward ledger from the
// snapshot.
func (s *Snapshot) Restore(p RestoreParams) (*lots.Book, *washsale.Tracker, *carryforward.Ledger, error) {
	book := lots.NewBook(p.ShortTermCutoffDays, p.Log)
	for ticker, method := range s.Methods {
		m, err := domain.DisposalMethodFromString(method)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("snapshot has invalid disposal method for %s: %w", ticker, err)
		}
		book.SetMethod(ticker, m)
	}
	for _, l := range s.Lots {
		book.RestoreLot(domain.Lot{
			ID:         l.ID,
			Ticker:     l.Ticker,
			Quantity:   l.Quantity,
			AcquiredAt: time.Unix(l.AcquiredAt, 0).UTC(),
			UnitBasis:  l.UnitBasis,
		})
	}

	tracker := washsale.NewTracker(p.Groups, p.WashWindowDays, p.Log)
	for _, e := range s.WashEvents {
		tracker.Restore(washsale.Event{
			GroupID:  e.GroupID,
			Ticker:   e.Ticker,
			Kind:     washsale.EventKind(e.Kind),
			Date:     time.Unix(e.Date, 0).UTC(),
			Quantity: e.Quantity,
		})
	}

	ledger := carryforward.NewLedger(p.AnnualDeductibleCap, p.Log)
	for _, y := range s.Years {
		us, err := decimal.NewFromString(y.UtilizedShort)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("snapshot year %d has invalid utilization: %w", y.Year, err)
		}
		ul, err := decimal.NewFromString(y.UtilizedLong)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("snapshot year %d has invalid utilization: %w", y.Year, err)
		}
		events := make([]domain.RealizedEvent, 0, len(y.Events))
		for _, e := range y.Events {
			events = append(events, domain.RealizedEvent{
				Ticker: e.Ticker,
				Date:   time.Unix(e.Date, 0).UTC(),
				Amount: e.Amount,
				Term:   domain.Term(e.Term),
			})
		}
		ledger.Restore(y.Year, events, y.Closed, us, ul)
	}
	ledger.Recompute()

	return book, tracker, ledger, nil
}
