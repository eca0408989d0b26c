// Package scan implements the harvest scan cycle: reconcile, evaluate,
// select, execute, commit. A scan plans on cloned state, executes against
// the broker, and commits only what was confirmed; rejected or unconfirmed
// work leaves the live ledgers untouched.
package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/harvester-engine/harvester/internal/config"
	"github.com/harvester-engine/harvester/internal/domain"
	"github.com/harvester-engine/harvester/internal/events"
	"github.com/harvester-engine/harvester/internal/modules/carryforward"
	"github.com/harvester-engine/harvester/internal/modules/lots"
	"github.com/harvester-engine/harvester/internal/modules/queue"
	"github.com/harvester-engine/harvester/internal/modules/rebuy"
	"github.com/harvester-engine/harvester/internal/modules/rules"
	"github.com/harvester-engine/harvester/internal/modules/trades"
	"github.com/harvester-engine/harvester/internal/modules/washsale"
)

// Drop reasons the scanner attaches before rule evaluation.
const (
	DropNoQuote        = "no usable quote"
	DropForwardWash    = "sale would wash against a scheduled repurchase"
	DropNoReplacement  = "wash sale deferral: replacement lot no longer held"
	DropSwapSubstitute = "held as substitute for an open harvest"
)

// Execution pairs a submitted intent with its outcome.
type Execution struct {
	Intent    domain.TradeIntent
	Result    domain.OrderResult
	Confirmed bool
	Skipped   string // set when the intent was never submitted
}

// Result is the full outcome of one scan cycle.
type Result struct {
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool

	Candidates []domain.Candidate // every evaluated position, drop reasons included
	Intents    []domain.TradeIntent
	Executions []Execution

	Harvested    int
	Deferred     int
	TotalLoss    float64
	TotalBenefit float64
	CommitStatus string // dry_run, committed, nothing_to_do
}

// Deps wires the scanner's collaborators.
type Deps struct {
	Book    *lots.Book
	Tracker *washsale.Tracker
	Ledger  *carryforward.Ledger

	Rules     *rules.Engine
	Generator *trades.Generator

	Prices   domain.PriceSource
	Broker   domain.PositionSource
	Executor domain.OrderExecutor

	LotRepo    *lots.Repository
	WashRepo   *washsale.Repository
	RecordRepo *rebuy.Repository
	CarryRepo  *carryforward.Repository

	// Queue is optional; approved items are settled after live scans.
	Queue *queue.Service

	Events *events.Manager
}

// Scanner orchestrates scan cycles over the live ledgers. Live state is
// swapped wholesale under the mutex at commit; readers see either the
// pre-scan or post-scan state, never an intermediate one.
type Scanner struct {
	cfg *config.Config
	d   Deps
	log zerolog.Logger

	mu       sync.RWMutex
	inFlight atomic.Bool
}

// NewScanner creates a scanner over the given live state and collaborators.
func NewScanner(cfg *config.Config, d Deps, log zerolog.Logger) *Scanner {
	return &Scanner{
		cfg: cfg,
		d:   d,
		log: log.With().Str("service", "scan").Logger(),
	}
}

// Book returns a copy of the live lot book.
func (s *Scanner) Book() *lots.Book {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.Book.Clone()
}

// Tracker returns a copy of the live wash-sale tracker.
func (s *Scanner) Tracker() *washsale.Tracker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.Tracker.Clone()
}

// Ledger returns a copy of the live carryforward ledger.
func (s *Scanner) Ledger() *carryforward.Ledger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.d.Ledger.Clone()
}

// InProgress reports whether a scan is currently running.
func (s *Scanner) InProgress() bool {
	return s.inFlight.Load()
}

// plannedHarvest is one selected candidate carried through execution.
type plannedHarvest struct {
	candidate domain.Candidate
	rec       *rebuy.HarvestRecord
	sellLotID string // set for single-lot sells so specific-id replays hit the same lot

	deferred         bool
	replacementLot   string
	replacementTkr   string
	sellConfirmed    bool
	swapInLegPlanned bool
}

// plan is the outcome of the evaluation phase, computed entirely on clones.
type plan struct {
	book    *lots.Book
	tracker *washsale.Tracker
	machine *rebuy.Machine

	candidates []domain.Candidate
	harvests   map[string]*plannedHarvest // harvest record id -> plan
	records    map[string]*rebuy.HarvestRecord
	loadedIDs  map[string]bool // records that pre-existed this scan
	actions    []rebuy.Action
	quotes     map[string]domain.Quote
	intents    []domain.TradeIntent
}

// Scan runs one full cycle as of the given time. With dryRun the cycle
// stops after planning: nothing is submitted, nothing is persisted, and the
// result carries every candidate with its drop reason.
//
// Only one scan runs at a time; a concurrent request fails with
// ErrScanInProgress.
func (s *Scanner) Scan(ctx context.Context, asOf time.Time, dryRun bool) (*Result, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, domain.ErrScanInProgress
	}
	defer s.inFlight.Store(false)

	result := &Result{StartedAt: asOf, DryRun: dryRun}
	s.emit(events.ScanStarted, map[string]interface{}{"as_of": asOf, "dry_run": dryRun})

	p, err := s.evaluate(asOf)
	if err != nil {
		s.emitError(err)
		s.emit(events.ScanFailed, map[string]interface{}{"error": err.Error()})
		return nil, err
	}
	result.Candidates = p.candidates
	result.Intents = p.intents

	if dryRun {
		result.CommitStatus = "dry_run"
		result.FinishedAt = time.Now().UTC()
		for _, ph := range p.harvests {
			result.Harvested++
			result.TotalLoss += ph.candidate.Loss()
			result.TotalBenefit += ph.candidate.TaxBenefit
			if ph.deferred {
				result.Deferred++
			}
		}
		s.emit(events.ScanCompleted, map[string]interface{}{
			"dry_run": true, "candidates": len(p.candidates), "intents": len(p.intents),
		})
		return result, nil
	}

	if err := s.writeSnapshot(asOf); err != nil {
		s.log.Warn().Err(err).Msg("Pre-scan snapshot failed")
	}

	result.Executions = s.execute(ctx, p)

	if err := s.commit(p, result, asOf); err != nil {
		s.emitError(err)
		s.emit(events.ScanFailed, map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	s.settleQueue(result, asOf)

	result.FinishedAt = time.Now().UTC()
	s.emit(events.ScanCompleted, map[string]interface{}{
		"harvested":   result.Harvested,
		"deferred":    result.Deferred,
		"total_loss":  result.TotalLoss,
		"commit":      result.CommitStatus,
		"executions":  len(result.Executions),
	})
	return result, nil
}

// settleQueue marks approved queue items executed when this scan confirmed
// the matching harvest sell. Unmatched approved items remain approved: the
// candidate either no longer qualifies or sits behind a restriction, and a
// later scan settles or the TTL sweep expires the pending tail.
func (s *Scanner) settleQueue(result *Result, asOf time.Time) {
	if s.d.Queue == nil {
		return
	}
	approved, err := s.d.Queue.Approved()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load approved queue items")
		return
	}
	if len(approved) == 0 {
		return
	}

	fills := make(map[string]float64)
	for _, ex := range result.Executions {
		if ex.Confirmed && ex.Intent.Action == domain.ActionSell && ex.Intent.Reason == domain.ReasonHarvest {
			fills[ex.Intent.Ticker] = ex.Result.FillPrice
		}
	}
	for _, item := range approved {
		price, ok := fills[item.Ticker]
		if !ok {
			continue
		}
		if err := s.d.Queue.MarkExecuted(item.ID, price, asOf); err != nil {
			s.log.Error().Err(err).Str("item_id", item.ID).Msg("Failed to settle queue item")
		}
	}
}

// evaluate is the planning phase: reconcile, price, select, check
// compliance, and generate intents, all on cloned state.
func (s *Scanner) evaluate(asOf time.Time) (*plan, error) {
	s.mu.RLock()
	p := &plan{
		book:      s.d.Book.Clone(),
		tracker:   s.d.Tracker.Clone(),
		harvests:  make(map[string]*plannedHarvest),
		records:   make(map[string]*rebuy.HarvestRecord),
		loadedIDs: make(map[string]bool),
		quotes:    make(map[string]domain.Quote),
	}
	s.mu.RUnlock()
	p.machine = rebuy.NewMachine(s.cfg.Rebuy, p.tracker, s.log)

	if err := s.reconcile(p.book); err != nil {
		return nil, err
	}

	openRecords, err := s.d.RecordRepo.GetOpen()
	if err != nil {
		return nil, fmt.Errorf("failed to load open harvest records: %w", err)
	}
	for _, rec := range openRecords {
		p.records[rec.ID] = rec
		p.loadedIDs[rec.ID] = true
	}

	// Substitutes held by open swap records are off limits: harvesting one
	// would strand its swap-back.
	heldSubstitutes := make(map[string]string)
	for _, rec := range openRecords {
		if rec.SubstituteTicker != "" {
			heldSubstitutes[rec.SubstituteTicker] = rec.ID
		}
	}

	candidates, portfolioValue := s.priceCandidates(p, asOf, heldSubstitutes)

	var quotable []domain.Candidate
	for _, c := range candidates {
		if c.DropReason == "" {
			quotable = append(quotable, c)
		} else {
			p.candidates = append(p.candidates, c)
		}
	}

	selection := s.d.Rules.SelectCandidates(quotable, portfolioValue)
	p.candidates = append(p.candidates, selection.Dropped...)

	var sells []trades.SellOrder
	var buys []trades.BuyOrder

	for _, c := range selection.Selected {
		ph, dropReason := s.planHarvest(p, c, asOf)
		if dropReason != "" {
			c.DropReason = dropReason
			p.candidates = append(p.candidates, c)
			continue
		}
		p.candidates = append(p.candidates, c)
		p.harvests[ph.rec.ID] = ph
		p.records[ph.rec.ID] = ph.rec

		sells = append(sells, trades.SellOrder{
			HarvestID: ph.rec.ID,
			LotID:     ph.sellLotID,
			Ticker:    c.Ticker,
			Quantity:  c.Quantity,
			Reason:    domain.ReasonHarvest,
		})
		if ph.swapInLegPlanned {
			buys = append(buys, trades.BuyOrder{
				HarvestID: ph.rec.ID,
				Ticker:    ph.rec.SubstituteTicker,
				Notional:  ph.rec.Quantity * ph.rec.SalePrice,
				Reason:    domain.ReasonSwapIn,
			})
		}
	}

	p.actions = p.machine.DueActions(openRecords, asOf)
	for _, a := range p.actions {
		as, ab := trades.SplitLegs(a)
		sells = append(sells, as...)
		buys = append(buys, ab...)
	}

	intents, err := s.d.Generator.Generate(sells, buys, p.quotes, asOf)
	if err != nil {
		return nil, err
	}
	p.intents = intents
	return p, nil
}

// reconcile compares the lot book against broker positions over the union
// of both ticker sets. Any mismatch aborts the scan before it plans a
// single trade.
func (s *Scanner) reconcile(book *lots.Book) error {
	brokerPositions, err := s.d.Broker.Positions()
	if err != nil {
		return fmt.Errorf("failed to fetch broker positions: %w", err)
	}

	byTicker := make(map[string]float64, len(brokerPositions))
	for _, bp := range brokerPositions {
		byTicker[bp.Ticker] = bp.Quantity
	}
	for _, pos := range book.Positions() {
		if err := book.Reconcile(pos.Ticker, byTicker[pos.Ticker], s.cfg.ReconcileEpsilon); err != nil {
			return err
		}
		delete(byTicker, pos.Ticker)
	}
	for ticker, qty := range byTicker {
		if err := book.Reconcile(ticker, qty, s.cfg.ReconcileEpsilon); err != nil {
			return err
		}
	}
	return nil
}

// priceCandidates builds a candidate per open position. A quote failure
// drops only that candidate; the scan continues.
func (s *Scanner) priceCandidates(p *plan, asOf time.Time, heldSubstitutes map[string]string) ([]domain.Candidate, float64) {
	var out []domain.Candidate
	portfolioValue := 0.0

	for _, pos := range p.book.Positions() {
		c := domain.Candidate{Ticker: pos.Ticker, Quantity: pos.Quantity}

		quote, err := s.d.Prices.Quote(pos.Ticker, asOf)
		if err != nil {
			c.DropReason = fmt.Sprintf("%s: %v", DropNoQuote, err)
			s.log.Warn().Err(err).Str("ticker", pos.Ticker).Msg("Candidate dropped on quote failure")
			out = append(out, c)
			continue
		}
		p.quotes[pos.Ticker] = quote

		c.CurrentPrice = quote.Price
		c.MarketValue = pos.Quantity * quote.Price
		c.CostBasis = p.book.CostBasis(pos.Ticker)
		c.UnrealizedPL = c.MarketValue - c.CostBasis
		if c.UnrealizedPL < 0 && c.CostBasis > 0 {
			c.LossPct = -c.UnrealizedPL / c.CostBasis * 100
		}
		if newest, ok := p.book.NewestAcquisition(pos.Ticker); ok {
			c.DaysHeld = holdingDays(newest, asOf)
		}
		c.Term = domain.TermLong
		if c.DaysHeld < s.cfg.ShortTermCutoffDays {
			c.Term = domain.TermShort
		}
		portfolioValue += c.MarketValue

		if harvestID, held := heldSubstitutes[pos.Ticker]; held {
			c.DropReason = fmt.Sprintf("%s %s", DropSwapSubstitute, harvestID)
		}
		out = append(out, c)
	}
	return out, portfolioValue
}

// planHarvest applies the wash-sale check and opens the harvest on the
// plan's clones. Returns a drop reason instead of a plan when compliance
// rules the candidate out.
func (s *Scanner) planHarvest(p *plan, c domain.Candidate, asOf time.Time) (*plannedHarvest, string) {
	groups := p.tracker.Groups()
	groupID := groups.GroupID(c.Ticker)
	ph := &plannedHarvest{candidate: c}

	if buy, washed := p.tracker.TriggeringBuy(groupID, asOf); washed {
		repTicker := buy.Ticker
		if repTicker == "" {
			repTicker = groups.Canonical(groupID)
		}
		if repTicker != c.Ticker {
			// The loss is disallowed and moves onto the replacement lot's
			// basis. The sale still happens; the record is tagged deferred.
			lotID, ok := findLotByDate(p.book, repTicker, buy.Date)
			if !ok {
				return nil, DropNoReplacement
			}
			ph.deferred = true
			ph.replacementLot = lotID
			ph.replacementTkr = repTicker
		}
		// Same-ticker replacement shares are part of this sale, so nothing
		// is left to defer onto and the loss stands.
	} else if p.tracker.IsWashSale(groupID, asOf) {
		return nil, DropForwardWash
	}

	result, err := realizePosition(p.book, c.Ticker, c.Quantity, asOf, c.CurrentPrice)
	if err != nil {
		return nil, fmt.Sprintf("realize failed: %v", err)
	}
	if len(result.Legs) == 1 {
		ph.sellLotID = result.Legs[0].LotID
	}

	rec, legs := p.machine.Open(rebuy.OpenParams{
		LotID:         ph.sellLotID,
		Ticker:        c.Ticker,
		SaleDate:      asOf,
		Quantity:      c.Quantity,
		SalePrice:     c.CurrentPrice,
		RealizedLoss:  -result.Gain,
		Term:          result.Term(),
		PositionValue: c.MarketValue,
		SubstituteOK: func(ticker string) bool {
			if _, ok := p.quotes[ticker]; ok {
				return true
			}
			q, err := s.d.Prices.Quote(ticker, asOf)
			if err != nil {
				return false
			}
			p.quotes[ticker] = q
			return true
		},
	})
	ph.rec = rec
	ph.swapInLegPlanned = len(legs) > 0

	p.tracker.RecordEventForTicker(c.Ticker, washsale.EventSell, asOf, c.Quantity)

	if ph.deferred {
		if err := p.book.AdjustBasis(ph.replacementTkr, ph.replacementLot, rec.RealizedLoss); err != nil {
			return nil, fmt.Sprintf("deferral basis adjustment failed: %v", err)
		}
		p.machine.MarkDeferred(rec, ph.replacementLot)
	}

	return ph, ""
}

// execute submits the planned intents in order: sells first, as generated.
// A rejected submission is retried up to MaxRetries; a pending order counts
// as unconfirmed. Buys belonging to a harvest whose sell did not confirm
// are skipped rather than submitted.
func (s *Scanner) execute(ctx context.Context, p *plan) []Execution {
	now := time.Now().UTC()
	executions := make([]Execution, 0, len(p.intents))
	swapBackSold := make(map[string]bool)

	for _, intent := range p.intents {
		ex := Execution{Intent: intent}

		if intent.Stale(now) {
			ex.Skipped = "intent deadline passed"
			executions = append(executions, ex)
			continue
		}
		if intent.Action == domain.ActionBuy && intent.HarvestID != "" {
			if ph, ok := p.harvests[intent.HarvestID]; ok && !ph.sellConfirmed {
				ex.Skipped = "harvest sell unconfirmed"
				executions = append(executions, ex)
				continue
			}
			if intent.Reason == domain.ReasonSwapBack && !swapBackSold[intent.HarvestID] {
				ex.Skipped = "swap-back sell unconfirmed"
				executions = append(executions, ex)
				continue
			}
		}
		if err := ctx.Err(); err != nil {
			ex.Skipped = fmt.Sprintf("scan cancelled: %v", err)
			executions = append(executions, ex)
			continue
		}

		result, err := s.submitWithRetry(ctx, intent)
		if err != nil {
			ex.Skipped = fmt.Sprintf("submission failed: %v", err)
			executions = append(executions, ex)
			continue
		}
		ex.Result = result
		ex.Confirmed = result.Status == domain.OrderFilled

		if ex.Confirmed && intent.Action == domain.ActionSell {
			switch intent.Reason {
			case domain.ReasonHarvest:
				if ph, ok := p.harvests[intent.HarvestID]; ok {
					ph.sellConfirmed = true
				}
			case domain.ReasonSwapBack:
				swapBackSold[intent.HarvestID] = true
			}
		}
		executions = append(executions, ex)
	}
	return executions
}

// submitWithRetry retries rejected submissions and transport failures.
// Pending and filled results return immediately.
func (s *Scanner) submitWithRetry(ctx context.Context, intent domain.TradeIntent) (domain.OrderResult, error) {
	var lastErr error
	var last domain.OrderResult

	attempts := s.cfg.MaxRetries + 1
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return domain.OrderResult{}, ctx.Err()
			case <-time.After(s.cfg.RetryDelay):
			}
		}

		result, err := s.d.Executor.Submit(intent)
		if err != nil {
			lastErr = err
			continue
		}
		last = result
		if result.Status != domain.OrderRejected {
			return result, nil
		}
	}

	if lastErr != nil {
		return domain.OrderResult{}, lastErr
	}
	return last, nil
}

// commit replays the confirmed executions onto fresh clones of the live
// state, persists them, and swaps the live pointers. Unconfirmed work never
// reaches the ledgers; the affected records retry on the next scan.
func (s *Scanner) commit(p *plan, result *Result, asOf time.Time) error {
	s.mu.RLock()
	book := s.d.Book.Clone()
	tracker := s.d.Tracker.Clone()
	ledger := s.d.Ledger.Clone()
	s.mu.RUnlock()
	machine := rebuy.NewMachine(s.cfg.Rebuy, tracker, s.log)

	confirmed := false
	for _, ex := range result.Executions {
		if !ex.Confirmed {
			continue
		}
		confirmed = true
		if err := s.replay(p, book, tracker, ledger, machine, ex, result, asOf); err != nil {
			return err
		}
	}

	// A confirmed swap-back sell whose repurchase did not confirm still
	// closes the record: the substitute is gone and must not be sold again.
	// The account holds cash and the gap is surfaced as an error event.
	swapBackBought := make(map[string]bool)
	for _, ex := range result.Executions {
		if ex.Confirmed && ex.Intent.Reason == domain.ReasonSwapBack && ex.Intent.Action == domain.ActionBuy {
			swapBackBought[ex.Intent.HarvestID] = true
		}
	}
	for _, ex := range result.Executions {
		if !ex.Confirmed || ex.Intent.Reason != domain.ReasonSwapBack || ex.Intent.Action != domain.ActionSell {
			continue
		}
		if swapBackBought[ex.Intent.HarvestID] {
			continue
		}
		rec := p.records[ex.Intent.HarvestID]
		if err := machine.MarkSwapBackFilled(rec, asOf); err != nil {
			return err
		}
		s.emitError(fmt.Errorf("swap-back repurchase of %s unconfirmed, proceeds held as cash", rec.Ticker))
	}

	// Swapped-in records whose substitute buy did not confirm fall back to
	// the wait path so the record is never stranded.
	for _, ph := range p.harvests {
		if !ph.sellConfirmed || !ph.swapInLegPlanned {
			continue
		}
		if ph.rec.State == rebuy.StateSwappedIn && ph.rec.SubstituteQty <= domain.Epsilon {
			if err := machine.MarkSwapInFailed(ph.rec); err != nil {
				return err
			}
		}
	}

	dirty := confirmed || s.recordsMutated(p)
	if !dirty {
		result.CommitStatus = "nothing_to_do"
		return s.aggregateOnly(ledger)
	}

	if err := s.persist(p, book, tracker, ledger, result); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	s.mu.Lock()
	s.d.Book = book
	s.d.Tracker = tracker
	s.d.Ledger = ledger
	s.mu.Unlock()

	result.CommitStatus = "committed"
	return nil
}

// replay applies one confirmed execution to the commit clones. Realized
// numbers come from the fill, not the plan.
func (s *Scanner) replay(p *plan, book *lots.Book, tracker *washsale.Tracker, ledger *carryforward.Ledger,
	machine *rebuy.Machine, ex Execution, result *Result, asOf time.Time) error {

	intent := ex.Intent
	fill := ex.Result
	rec := p.records[intent.HarvestID]

	switch {
	case intent.Reason == domain.ReasonHarvest && intent.Action == domain.ActionSell:
		ph := p.harvests[intent.HarvestID]
		res, err := realizePosition(book, intent.Ticker, fill.FilledQty, asOf, fill.FillPrice)
		if err != nil {
			return fmt.Errorf("harvest sell replay for %s: %w", intent.Ticker, err)
		}
		rec.Quantity = fill.FilledQty
		rec.SalePrice = fill.FillPrice
		rec.RealizedLoss = -res.Gain
		rec.Term = res.Term()
		tracker.RecordEventForTicker(intent.Ticker, washsale.EventSell, asOf, fill.FilledQty)

		if rec.State == rebuy.StateWaitPending {
			tracker.RecordEventForTicker(rec.Ticker, washsale.EventPlannedBuy, rec.EarliestRebuy, rec.Quantity)
		}
		if ph.deferred {
			if err := book.AdjustBasis(ph.replacementTkr, ph.replacementLot, rec.RealizedLoss); err != nil {
				return fmt.Errorf("deferral replay for %s: %w", intent.Ticker, err)
			}
			machine.MarkDeferred(rec, ph.replacementLot)
			result.Deferred++
			s.emit(events.WashSaleDeferred, map[string]interface{}{
				"ticker": rec.Ticker, "harvest_id": rec.ID, "deferred_loss": rec.RealizedLoss,
			})
		}
		result.Harvested++
		result.TotalLoss += rec.RealizedLoss
		result.TotalBenefit += ph.candidate.TaxBenefit
		s.emit(events.HarvestExecuted, map[string]interface{}{
			"ticker": rec.Ticker, "harvest_id": rec.ID, "realized_loss": rec.RealizedLoss,
		})

	case intent.Reason == domain.ReasonSwapIn:
		if _, err := book.OpenLot(intent.Ticker, fill.FilledQty, asOf, fill.FillPrice); err != nil {
			return fmt.Errorf("swap-in replay for %s: %w", intent.Ticker, err)
		}
		tracker.RecordEventForTicker(intent.Ticker, washsale.EventBuy, asOf, fill.FilledQty)
		if err := machine.MarkSwapInFilled(rec, fill.FilledQty); err != nil {
			return err
		}

	case intent.Reason == domain.ReasonRebuy:
		if _, err := book.OpenLot(intent.Ticker, fill.FilledQty, asOf, fill.FillPrice); err != nil {
			return fmt.Errorf("rebuy replay for %s: %w", intent.Ticker, err)
		}
		tracker.RecordEventForTicker(intent.Ticker, washsale.EventBuy, asOf, fill.FilledQty)
		if err := machine.MarkRebuyFilled(rec, asOf); err != nil {
			return err
		}
		s.emit(events.RebuyExecuted, map[string]interface{}{
			"ticker": intent.Ticker, "harvest_id": rec.ID,
		})

	case intent.Reason == domain.ReasonSwapBack && intent.Action == domain.ActionSell:
		res, err := realizePosition(book, intent.Ticker, fill.FilledQty, asOf, fill.FillPrice)
		if err != nil {
			return fmt.Errorf("swap-back sell replay for %s: %w", intent.Ticker, err)
		}
		tracker.RecordEventForTicker(intent.Ticker, washsale.EventSell, asOf, fill.FilledQty)
		// The interim holding's own gain or loss feeds the tax year directly.
		if _, err := ledger.ApplyYear(carryforward.YearOf(asOf), []domain.RealizedEvent{{
			Ticker: intent.Ticker, Date: asOf, Amount: res.Gain, Term: res.Term(),
		}}); err != nil {
			return fmt.Errorf("swap-back realized event for %s: %w", intent.Ticker, err)
		}

	case intent.Reason == domain.ReasonSwapBack && intent.Action == domain.ActionBuy:
		if _, err := book.OpenLot(intent.Ticker, fill.FilledQty, asOf, fill.FillPrice); err != nil {
			return fmt.Errorf("swap-back buy replay for %s: %w", intent.Ticker, err)
		}
		tracker.RecordEventForTicker(intent.Ticker, washsale.EventBuy, asOf, fill.FilledQty)
		if err := machine.MarkSwapBackFilled(rec, asOf); err != nil {
			return err
		}
		s.emit(events.SwapBackExecuted, map[string]interface{}{
			"ticker": intent.Ticker, "harvest_id": rec.ID,
		})
	}
	return nil
}

// recordsMutated reports whether any pre-existing record changed state
// during the cycle (for example a swap record closing once its window
// cleared, with no trades involved).
func (s *Scanner) recordsMutated(p *plan) bool {
	for id, rec := range p.records {
		if p.loadedIDs[id] && !rec.Open() {
			return true
		}
	}
	return false
}

// persist writes the committed clones through the repositories, then runs
// the carryforward aggregation pass over newly closed records.
func (s *Scanner) persist(p *plan, book *lots.Book, tracker *washsale.Tracker, ledger *carryforward.Ledger, result *Result) error {
	if err := s.d.LotRepo.SaveBook(book); err != nil {
		return err
	}
	if err := s.d.WashRepo.Append(tracker.Appended()); err != nil {
		return err
	}
	tracker.ResetAppended()

	for id, rec := range p.records {
		var err error
		if p.loadedIDs[id] {
			err = s.d.RecordRepo.Update(rec)
		} else if ph, planned := p.harvests[id]; planned && ph.sellConfirmed {
			err = s.d.RecordRepo.Create(rec)
		}
		if err != nil {
			return err
		}
	}

	if err := s.aggregate(ledger); err != nil {
		return err
	}

	for _, year := range ledger.Years() {
		if err := s.d.CarryRepo.SaveYear(ledger, year); err != nil {
			return err
		}
	}
	return nil
}

// aggregate feeds closed, non-deferred records into the carryforward
// ledger exactly once. A record whose tax year has since closed stays
// unaggregated and is surfaced in the log; it needs an explicit restatement.
func (s *Scanner) aggregate(ledger *carryforward.Ledger) error {
	records, err := s.d.RecordRepo.GetUnaggregated()
	if err != nil {
		return err
	}

	for _, rec := range records {
		year := carryforward.YearOf(rec.SaleDate)
		_, err := ledger.ApplyYear(year, []domain.RealizedEvent{{
			Ticker: rec.Ticker,
			Date:   rec.SaleDate,
			Amount: -rec.RealizedLoss,
			Term:   rec.Term,
		}})
		if errors.Is(err, domain.ErrClosedYear) {
			s.log.Warn().
				Str("harvest_id", rec.ID).
				Int("year", year).
				Msg("Harvest loss belongs to a closed tax year, restatement required")
			continue
		}
		if err != nil {
			return err
		}
		rec.Aggregated = true
		if err := s.d.RecordRepo.Update(rec); err != nil {
			return err
		}
	}
	return nil
}

// aggregateOnly runs the aggregation pass when nothing else changed, so
// records closed by earlier scans still reach the ledger.
func (s *Scanner) aggregateOnly(ledger *carryforward.Ledger) error {
	if err := s.aggregate(ledger); err != nil {
		return err
	}
	for _, year := range ledger.Years() {
		if err := s.d.CarryRepo.SaveYear(ledger, year); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.d.Ledger = ledger
	s.mu.Unlock()
	return nil
}

// writeSnapshot persists the pre-scan state for the audit trail.
func (s *Scanner) writeSnapshot(asOf time.Time) error {
	s.mu.RLock()
	snap := TakeSnapshot(s.d.Book, s.d.Tracker, s.d.Ledger, asOf)
	s.mu.RUnlock()

	data, err := snap.Encode()
	if err != nil {
		return err
	}
	dir := filepath.Join(s.cfg.DataDir, "snapshots")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	name := fmt.Sprintf("scan-%s.msgpack", asOf.UTC().Format("20060102-150405"))
	return os.WriteFile(filepath.Join(dir, name), data, 0644)
}

func (s *Scanner) emit(t events.EventType, data map[string]interface{}) {
	if s.d.Events != nil {
		s.d.Events.Emit(t, "scan", data)
	}
}

func (s *Scanner) emitError(err error) {
	if s.d.Events != nil {
		s.d.Events.EmitError("scan", err, nil)
	}
}

// realizePosition sells qty shares of a ticker regardless of its disposal
// method. Specific-id positions are consumed lot by lot, oldest first.
func realizePosition(book *lots.Book, ticker string, qty float64, saleDate time.Time, salePrice float64) (lots.RealizedResult, error) {
	pos, ok := book.Position(ticker)
	if !ok {
		return lots.RealizedResult{}, fmt.Errorf("realize %s: %w", ticker, domain.ErrInsufficientQuantity)
	}
	if pos.Method != domain.DisposalSpecificID {
		return book.Realize(lots.Selector{Ticker: ticker}, qty, saleDate, salePrice)
	}

	total := lots.RealizedResult{Ticker: ticker}
	remaining := qty
	for _, lot := range pos.Lots {
		if remaining <= domain.Epsilon {
			break
		}
		take := lot.Quantity
		if take > remaining {
			take = remaining
		}
		res, err := book.Realize(lots.Selector{Ticker: ticker, LotID: lot.ID}, take, saleDate, salePrice)
		if err != nil {
			return lots.RealizedResult{}, err
		}
		total.Quantity += res.Quantity
		total.Proceeds += res.Proceeds
		total.CostBasis += res.CostBasis
		total.Gain += res.Gain
		total.Legs = append(total.Legs, res.Legs...)
		remaining -= take
	}
	if remaining > domain.Epsilon {
		return lots.RealizedResult{}, fmt.Errorf("realize %s: %w", ticker, domain.ErrInsufficientQuantity)
	}
	return total, nil
}

// findLotByDate locates the lot acquired on the given date, falling back to
// the newest open lot for the ticker.
func findLotByDate(book *lots.Book, ticker string, date time.Time) (string, bool) {
	pos, ok := book.Position(ticker)
	if !ok || len(pos.Lots) == 0 {
		return "", false
	}
	newest := pos.Lots[0]
	for _, lot := range pos.Lots {
		if lot.AcquiredAt.Equal(date) {
			return lot.ID, true
		}
		if lot.AcquiredAt.After(newest.AcquiredAt) {
			newest = lot
		}
	}
	return newest.ID, true
}

func holdingDays(acquired, sold time.Time) int {
	return int(sold.UTC().Truncate(24*time.Hour).Sub(acquired.UTC().Truncate(24*time.Hour)).Hours()/24) + 1
}
