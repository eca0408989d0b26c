// Package rebuy implements the per-harvest rebuy lifecycle: the wait, swap,
// and hybrid strategies that schedule and gate the eventual repurchase of a
// harvested position.
package rebuy

import (
	"time"

	"github.com/harvester-engine/harvester/internal/config"
	"github.com/harvester-engine/harvester/internal/domain"
)

// State is a harvest record's position in its rebuy lifecycle.
type State string

const (
	StateHarvested       State = "harvested"
	StateWaitPending     State = "wait_pending"
	StateReacquired      State = "reacquired"
	StateSwappedIn       State = "swapped_in"
	StateSwapBackPending State = "swap_back_pending"
	StateSwappedBack     State = "swapped_back"
	StateClosed          State = "closed"
)

// HarvestRecord tracks one executed harvest from sale through rebuy to
// close. Created when the harvest trade is confirmed; mutated by the state
// machine as the rebuy progresses; archived, never deleted, once closed.
type HarvestRecord struct {
	ID      string
	LotID   string // source lot of the harvest sale
	Ticker  string
	GroupID string

	SaleDate     time.Time
	Quantity     float64
	SalePrice    float64
	RealizedLoss float64 // positive magnitude
	Term         domain.Term

	Strategy config.RebuyStrategy // resolved strategy (hybrid resolves to wait or swap)
	State    State

	// Deferred marks a harvest whose loss was disallowed by a purchase in
	// the lookback half of the wash window. The loss was added to the
	// replacement lot's basis; it never reaches the carryforward ledger.
	Deferred      bool
	DeferredLotID string // replacement lot that absorbed the loss

	SubstituteTicker string  // swap path: the substitute held in the interim
	SubstituteQty    float64 // shares of the substitute bought

	EarliestRebuy time.Time // wait path: sale date + wait days
	SwapBackAt    time.Time // swap path: sale date + swap-back-after days

	ClosedAt   *time.Time
	Aggregated bool // realized loss has been fed to the carryforward ledger
}

// Open reports whether the record still needs state machine attention.
func (r *HarvestRecord) Open() bool {
	return r.State != StateClosed
}

// close transitions the record to its terminal state.
func (r *HarvestRecord) close(at time.Time) {
	r.State = StateClosed
	t := at
	r.ClosedAt = &t
}
