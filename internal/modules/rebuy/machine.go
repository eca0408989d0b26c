package rebuy

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harvester-engine/harvester/internal/config"
	"github.com/harvester-engine/harvester/internal/domain"
	"github.com/harvester-engine/harvester/internal/modules/washsale"
)

// Leg is one side of a due rebuy action. The trade generator turns legs
// into dated trade intents. A buy leg with Qty 0 and a positive Notional
// is sized at the quoted price when the intent is generated.
type Leg struct {
	Action   domain.TradeAction
	Ticker   string
	Qty      float64
	Notional float64
	Reason   domain.TradeReason
}

// Action is a due state machine step for one harvest record.
type Action struct {
	Record *HarvestRecord
	Legs   []Leg
}

// Machine drives harvest records through their rebuy lifecycle. All timing
// gates are checked against the wash-sale tracker so a transition can never
// schedule a violating buy.
type Machine struct {
	cfg     config.RebuyConfig
	tracker *washsale.Tracker
	log     zerolog.Logger
}

// NewMachine creates a rebuy state machine over the given tracker.
func NewMachine(cfg config.RebuyConfig, tracker *washsale.Tracker, log zerolog.Logger) *Machine {
	return &Machine{
		cfg:     cfg,
		tracker: tracker,
		log:     log.With().Str("service", "rebuy").Logger(),
	}
}

// OpenParams describes a confirmed harvest sale.
type OpenParams struct {
	LotID         string
	Ticker        string
	SaleDate      time.Time
	Quantity      float64
	SalePrice     float64
	RealizedLoss  float64
	Term          domain.Term
	PositionValue float64 // pre-sale market value, for hybrid resolution

	// SubstituteOK, when set, further restricts swap substitute selection
	// (the scanner excludes substitutes it has no usable quote for).
	SubstituteOK func(ticker string) bool
}

// Open creates a harvest record for a confirmed sale and performs the
// immediate transition out of Harvested. The swap path resolves its
// substitute here; if every substitute is restricted the record falls back
// to the wait path.
//
// The returned legs are buy intents the current scan must emit (swap-in
// buys happen in the same cycle as the harvest sell).
func (m *Machine) Open(p OpenParams) (*HarvestRecord, []Leg) {
	groups := m.tracker.Groups()
	rec := &HarvestRecord{
		ID:           uuid.New().String(),
		LotID:        p.LotID,
		Ticker:       p.Ticker,
		GroupID:      groups.GroupID(p.Ticker),
		SaleDate:     dateOnly(p.SaleDate),
		Quantity:     p.Quantity,
		SalePrice:    p.SalePrice,
		RealizedLoss: p.RealizedLoss,
		Term:         p.Term,
		State:        StateHarvested,
	}

	strategy := m.cfg.Strategy
	if strategy == config.StrategyHybrid {
		if p.PositionValue >= m.cfg.HybridThresholdUSD {
			strategy = config.StrategySwap
		} else {
			strategy = config.StrategyWait
		}
	}
	rec.Strategy = strategy

	if strategy == config.StrategySwap {
		substitute, err := m.selectSubstitute(rec.Ticker, rec.GroupID, rec.SaleDate, p.SubstituteOK)
		if err != nil {
			m.log.Warn().
				Err(err).
				Str("ticker", p.Ticker).
				Msg("Swap substitutes all restricted, falling back to wait")
			rec.Strategy = config.StrategyWait
		} else {
			rec.State = StateSwappedIn
			rec.SubstituteTicker = substitute
			if m.cfg.SwapBackEnabled {
				rec.SwapBackAt = rec.SaleDate.AddDate(0, 0, m.cfg.SwapBackAfterDays)
			}
			// The substitute buy lands this cycle; the tracker must see
			// it before any later same-group sale is planned, or that
			// sale would wash against it undetected.
			m.tracker.RecordEventForTicker(substitute, washsale.EventPlannedBuy, rec.SaleDate, p.Quantity)
			// Swap-in buy matches the sale proceeds, sized at the
			// substitute's quote by the generator. SubstituteQty is set
			// from the confirmed fill.
			return rec, []Leg{{
				Action:   domain.ActionBuy,
				Ticker:   substitute,
				Notional: p.Quantity * p.SalePrice,
				Reason:   domain.ReasonSwapIn,
			}}
		}
	}

	// Wait path: record the earliest lawful rebuy date and let the tracker
	// know a future buy is planned so same-group sales see it.
	rec.State = StateWaitPending
	rec.EarliestRebuy = rec.SaleDate.AddDate(0, 0, m.cfg.WaitDays)
	m.tracker.RecordEventForTicker(rec.Ticker, washsale.EventPlannedBuy, rec.EarliestRebuy, rec.Quantity)

	return rec, nil
}

// selectSubstitute returns the first substitute in the group's ordered list
// that is clear of its own restriction on the sale date and passes the
// optional eligibility filter. The ticker being sold is never eligible:
// repurchasing it is the wash sale the swap exists to avoid.
func (m *Machine) selectSubstitute(sold, groupID string, saleDate time.Time, ok func(string) bool) (string, error) {
	groups := m.tracker.Groups()
	subs := groups.Substitutes(groupID)
	if len(subs) == 0 {
		return "", fmt.Errorf("group %s has no substitutes: %w", groupID, domain.ErrNoEligibleSwap)
	}
	for _, s := range subs {
		if s == sold {
			continue
		}
		if _, restricted := m.tracker.RestrictedUntilTicker(s, saleDate); restricted {
			continue
		}
		if ok != nil && !ok(s) {
			continue
		}
		return s, nil
	}
	return "", fmt.Errorf("group %s: %w", groupID, domain.ErrNoEligibleSwap)
}

// DueActions returns the state machine steps that are due as of the given
// date, gated by the wash-sale tracker. Transitions are not applied here;
// they fire on confirmed fills via the Mark methods.
func (m *Machine) DueActions(records []*HarvestRecord, asOf time.Time) []Action {
	asOf = dateOnly(asOf)
	var due []Action

	for _, rec := range records {
		switch rec.State {
		case StateWaitPending:
			if asOf.Before(rec.EarliestRebuy) {
				continue
			}
			if _, restricted := m.tracker.RestrictedUntil(rec.GroupID, asOf); restricted {
				continue
			}
			due = append(due, Action{
				Record: rec,
				Legs: []Leg{{
					Action: domain.ActionBuy,
					Ticker: rec.Ticker,
					Qty:    rec.Quantity,
					Reason: domain.ReasonRebuy,
				}},
			})

		case StateSwappedIn:
			if !m.cfg.SwapBackEnabled {
				// Terminal: the substitute is kept, the record closes once
				// the window has cleared.
				if _, restricted := m.tracker.RestrictedUntil(rec.GroupID, asOf); !restricted {
					rec.close(asOf)
					m.log.Info().
						Str("harvest_id", rec.ID).
						Str("ticker", rec.Ticker).
						Msg("Swap without swap-back closed")
				}
				continue
			}
			if asOf.Before(rec.SwapBackAt) {
				continue
			}
			rec.State = StateSwapBackPending
			fallthrough

		case StateSwapBackPending:
			// Fires only once the window has cleared for the original ticker
			if _, restricted := m.tracker.RestrictedUntilTicker(rec.Ticker, asOf); restricted {
				continue
			}
			due = append(due, Action{
				Record: rec,
				Legs: []Leg{
					{
						Action: domain.ActionSell,
						Ticker: rec.SubstituteTicker,
						Qty:    rec.SubstituteQty,
						Reason: domain.ReasonSwapBack,
					},
					{
						Action: domain.ActionBuy,
						Ticker: rec.Ticker,
						Qty:    rec.Quantity,
						Reason: domain.ReasonSwapBack,
					},
				},
			})
		}
	}

	return due
}

// MarkRebuyFilled confirms a wait-path repurchase. The record passes
// through Reacquired and closes.
func (m *Machine) MarkRebuyFilled(rec *HarvestRecord, at time.Time) error {
	if rec.State != StateWaitPending {
		return fmt.Errorf("rebuy fill on record %s in state %s", rec.ID, rec.State)
	}
	rec.State = StateReacquired
	rec.close(dateOnly(at))

	m.log.Info().
		Str("harvest_id", rec.ID).
		Str("ticker", rec.Ticker).
		Msg("Wait-path rebuy completed")
	return nil
}

// MarkSwapBackFilled confirms a swap-back pair. The record passes through
// SwappedBack and closes.
func (m *Machine) MarkSwapBackFilled(rec *HarvestRecord, at time.Time) error {
	if rec.State != StateSwapBackPending && rec.State != StateSwappedIn {
		return fmt.Errorf("swap-back fill on record %s in state %s", rec.ID, rec.State)
	}
	rec.State = StateSwappedBack
	rec.close(dateOnly(at))

	m.log.Info().
		Str("harvest_id", rec.ID).
		Str("ticker", rec.Ticker).
		Str("substitute", rec.SubstituteTicker).
		Msg("Swap-back completed")
	return nil
}

// MarkSwapInFilled records the confirmed swap-in fill quantity. The
// substitute share count is only known once the notional buy fills.
func (m *Machine) MarkSwapInFilled(rec *HarvestRecord, qty float64) error {
	if rec.State != StateSwappedIn {
		return fmt.Errorf("swap-in fill on record %s in state %s", rec.ID, rec.State)
	}
	rec.SubstituteQty = qty
	return nil
}

// MarkSwapInFailed falls a swapped-in record back to the wait path when the
// substitute purchase could not be confirmed. The harvest sale stands; the
// position is reacquired directly once the window clears.
func (m *Machine) MarkSwapInFailed(rec *HarvestRecord) error {
	if rec.State != StateSwappedIn {
		return fmt.Errorf("swap-in failure on record %s in state %s", rec.ID, rec.State)
	}
	rec.State = StateWaitPending
	rec.Strategy = config.StrategyWait
	rec.SubstituteTicker = ""
	rec.SwapBackAt = time.Time{}
	rec.EarliestRebuy = rec.SaleDate.AddDate(0, 0, m.cfg.WaitDays)
	m.tracker.RecordEventForTicker(rec.Ticker, washsale.EventPlannedBuy, rec.EarliestRebuy, rec.Quantity)

	m.log.Warn().
		Str("harvest_id", rec.ID).
		Str("ticker", rec.Ticker).
		Msg("Swap-in unconfirmed, record moved to wait path")
	return nil
}

// MarkDeferred tags a record whose loss was disallowed and absorbed into
// the replacement lot's basis. Deferred records never feed the
// carryforward ledger.
func (m *Machine) MarkDeferred(rec *HarvestRecord, replacementLotID string) {
	rec.Deferred = true
	rec.DeferredLotID = replacementLotID

	m.log.Info().
		Str("harvest_id", rec.ID).
		Str("ticker", rec.Ticker).
		Str("replacement_lot", replacementLotID).
		Float64("deferred_loss", rec.RealizedLoss).
		Msg("Harvest loss deferred onto replacement basis")
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
