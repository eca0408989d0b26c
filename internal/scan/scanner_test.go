package scan

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/harvester-engine/harvester/internal/config"
	"github.com/harvester-engine/harvester/internal/domain"
	"github.com/harvester-engine/harvester/internal/modules/carryforward"
	"github.com/harvester-engine/harvester/internal/modules/lots"
	"github.com/harvester-engine/harvester/internal/modules/queue"
	"github.com/harvester-engine/harvester/internal/modules/rebuy"
	"github.com/harvester-engine/harvester/internal/modules/rules"
	"github.com/harvester-engine/harvester/internal/modules/trades"
	"github.com/harvester-engine/harvester/internal/modules/washsale"
)

type stubPrices struct {
	quotes map[string]domain.Quote
	errs   map[string]error
}

func (s *stubPrices) Quote(ticker string, asOf time.Time) (domain.Quote, error) {
	if err, ok := s.errs[ticker]; ok {
		return domain.Quote{}, err
	}
	q, ok := s.quotes[ticker]
	if !ok {
		return domain.Quote{}, fmt.Errorf("no quote for %s", ticker)
	}
	return q, nil
}

type stubBroker struct {
	positions []domain.BrokerPosition
}

func (s *stubBroker) Positions() ([]domain.BrokerPosition, error) {
	return s.positions, nil
}

type stubExecutor struct {
	fills     map[string]domain.OrderResult // "sell:VTI" overrides the default fill
	prices    map[string]float64
	submitted []domain.TradeIntent
}

func (s *stubExecutor) Submit(intent domain.TradeIntent) (domain.OrderResult, error) {
	s.submitted = append(s.submitted, intent)
	key := string(intent.Action) + ":" + intent.Ticker
	if r, ok := s.fills[key]; ok {
		return r, nil
	}
	return domain.OrderResult{
		Status:    domain.OrderFilled,
		OrderID:   "ord-" + intent.Ticker,
		FilledQty: intent.Quantity,
		FillPrice: s.prices[intent.Ticker],
	}, nil
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		DataDir: t.TempDir(),
		Rules: config.RulesConfig{
			MinLossUSD:           100,
			MinLossPct:           3,
			MinTaxBenefitUSD:     10,
			AssumedTaxRate:       0.35,
			MinHoldingDays:       7,
			MaxHarvestPctPerScan: 100,
		},
		Rebuy: config.RebuyConfig{
			Strategy:          config.StrategyWait,
			WaitDays:          31,
			SwapBackEnabled:   true,
			SwapBackAfterDays: 45,
		},
		SwapGroups:          map[string][]string{"VTI": {"ITOT", "SCHB"}},
		ShortTermCutoffDays: 365,
		WashWindowDays:      30,
		ReconcileEpsilon:    0.001,
		ExecutionWindow:     4 * time.Hour,
		MaxRetries:          1,
		RetryDelay:          time.Millisecond,
		AnnualDeductibleCap: 3000,
	}
}

type harness struct {
	scanner *Scanner
	cfg     *config.Config

	book    *lots.Book
	tracker *washsale.Tracker

	prices *stubPrices
	broker *stubBroker
	exec   *stubExecutor

	lotRepo    *lots.Repository
	recordRepo *rebuy.Repository
	carryRepo  *carryforward.Repository
	queue      *queue.Service
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	log := zerolog.Nop()
	lotRepo, err := lots.NewRepository(db, log)
	require.NoError(t, err)
	washRepo, err := washsale.NewRepository(db, log)
	require.NoError(t, err)
	recordRepo, err := rebuy.NewRepository(db, log)
	require.NoError(t, err)
	carryRepo, err := carryforward.NewRepository(db, log)
	require.NoError(t, err)
	queueSvc, err := queue.NewService(db, 24*time.Hour, log)
	require.NoError(t, err)

	groups := washsale.NewGroups(cfg.SwapGroups)
	h := &harness{
		cfg:        cfg,
		book:       lots.NewBook(cfg.ShortTermCutoffDays, log),
		tracker:    washsale.NewTracker(groups, cfg.WashWindowDays, log),
		prices:     &stubPrices{quotes: make(map[string]domain.Quote), errs: make(map[string]error)},
		broker:     &stubBroker{},
		exec:       &stubExecutor{fills: make(map[string]domain.OrderResult), prices: make(map[string]float64)},
		lotRepo:    lotRepo,
		recordRepo: recordRepo,
		carryRepo:  carryRepo,
		queue:      queueSvc,
	}

	h.scanner = NewScanner(cfg, Deps{
		Book:       h.book,
		Tracker:    h.tracker,
		Ledger:     carryforward.NewLedger(cfg.AnnualDeductibleCap, log),
		Rules:      rules.NewEngine(cfg.Rules, log),
		Generator:  trades.NewGenerator(cfg.ExecutionWindow, log),
		Prices:     h.prices,
		Broker:     h.broker,
		Executor:   h.exec,
		LotRepo:    lotRepo,
		WashRepo:   washRepo,
		RecordRepo: recordRepo,
		CarryRepo:  carryRepo,
		Queue:      queueSvc,
	}, log)
	return h
}

func (h *harness) seedLot(t *testing.T, ticker string, qty float64, acquired time.Time, unitBasis float64) {
	_, err := h.book.OpenLot(ticker, qty, acquired, unitBasis)
	require.NoError(t, err)
	h.broker.positions = append(h.broker.positions, domain.BrokerPosition{Ticker: ticker, Quantity: qty})
}

func (h *harness) setQuote(ticker string, price float64, asOf time.Time) {
	h.prices.quotes[ticker] = domain.Quote{Ticker: ticker, Price: price, Timestamp: asOf}
	h.exec.prices[ticker] = price
}

func day(t *testing.T, s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return d
}

func TestDryRunPlansWithoutTouchingState(t *testing.T) {
	asOf := day(t, "2024-06-01")
	h := newHarness(t, testConfig(t))
	h.seedLot(t, "VTI", 100, day(t, "2023-01-10"), 200)
	h.setQuote("VTI", 180, asOf)

	result, err := h.scanner.Scan(context.Background(), asOf, true)
	require.NoError(t, err)

	assert.Equal(t, "dry_run", result.CommitStatus)
	assert.Equal(t, 1, result.Harvested)
	assert.InDelta(t, 2000, result.TotalLoss, 1e-6)

	require.Len(t, result.Intents, 1)
	assert.Equal(t, domain.ActionSell, result.Intents[0].Action)
	assert.Equal(t, "VTI", result.Intents[0].Ticker)
	assert.Equal(t, asOf.Add(4*time.Hour), result.Intents[0].NotValidAfter)

	// Nothing submitted, nothing committed
	assert.Empty(t, h.exec.submitted)
	assert.InDelta(t, 100, h.scanner.Book().Quantity("VTI"), 1e-9)
	open, err := h.recordRepo.GetOpen()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestWaitPathHarvestCommits(t *testing.T) {
	asOf := day(t, "2024-06-01")
	h := newHarness(t, testConfig(t))
	h.seedLot(t, "VTI", 100, day(t, "2023-01-10"), 200)
	h.setQuote("VTI", 180, asOf)

	result, err := h.scanner.Scan(context.Background(), asOf, false)
	require.NoError(t, err)

	assert.Equal(t, "committed", result.CommitStatus)
	assert.Equal(t, 1, result.Harvested)
	assert.InDelta(t, 2000, result.TotalLoss, 1e-6)

	// Live book updated and persisted
	assert.InDelta(t, 0, h.scanner.Book().Quantity("VTI"), 1e-9)
	persisted, err := h.lotRepo.LoadBook(h.cfg.ShortTermCutoffDays)
	require.NoError(t, err)
	assert.InDelta(t, 0, persisted.Quantity("VTI"), 1e-9)

	// Harvest record opened on the wait path
	open, err := h.recordRepo.GetOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, rebuy.StateWaitPending, open[0].State)
	assert.Equal(t, day(t, "2024-07-02"), open[0].EarliestRebuy)
	assert.InDelta(t, 2000, open[0].RealizedLoss, 1e-6)
	assert.Equal(t, domain.TermLong, open[0].Term)

	// Tracker saw the sell and the planned repurchase
	tracker := h.scanner.Tracker()
	_, restricted := tracker.RestrictedUntilTicker("VTI", asOf)
	assert.True(t, restricted)
	assert.True(t, tracker.IsWashSaleForTicker("VTI", asOf))
}

func TestSwapPathBuysSubstituteAtNotional(t *testing.T) {
	asOf := day(t, "2024-06-01")
	cfg := testConfig(t)
	cfg.Rebuy.Strategy = config.StrategySwap
	h := newHarness(t, cfg)
	h.seedLot(t, "VTI", 100, day(t, "2023-01-10"), 200)
	h.setQuote("VTI", 180, asOf)
	h.setQuote("ITOT", 162, asOf)

	result, err := h.scanner.Scan(context.Background(), asOf, false)
	require.NoError(t, err)
	assert.Equal(t, "committed", result.CommitStatus)

	// Sell of 100 VTI at $180 funds ~111.11 ITOT at $162
	book := h.scanner.Book()
	assert.InDelta(t, 0, book.Quantity("VTI"), 1e-9)
	assert.InDelta(t, 18000.0/162.0, book.Quantity("ITOT"), 1e-6)

	open, err := h.recordRepo.GetOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, rebuy.StateSwappedIn, open[0].State)
	assert.Equal(t, "ITOT", open[0].SubstituteTicker)
	assert.InDelta(t, 18000.0/162.0, open[0].SubstituteQty, 1e-6)
	assert.Equal(t, day(t, "2024-07-16"), open[0].SwapBackAt)
}

func TestSwapInBlocksSameCycleHarvestOfSubstitute(t *testing.T) {
	asOf := day(t, "2024-06-01")
	cfg := testConfig(t)
	cfg.Rebuy.Strategy = config.StrategySwap
	cfg.SwapGroups = map[string][]string{"VTI": {"ITOT"}}
	h := newHarness(t, cfg)
	h.seedLot(t, "VTI", 100, day(t, "2023-01-10"), 200)
	h.seedLot(t, "ITOT", 50, day(t, "2023-01-10"), 180)
	h.setQuote("VTI", 180, asOf)
	h.setQuote("ITOT", 150, asOf)

	result, err := h.scanner.Scan(context.Background(), asOf, false)
	require.NoError(t, err)
	assert.Equal(t, "committed", result.CommitStatus)

	// VTI carries the larger benefit and harvests first, swapping into
	// ITOT. Selling ITOT in the same cycle would wash against that buy,
	// so its candidate is dropped.
	assert.Equal(t, 1, result.Harvested)
	var itot *domain.Candidate
	for i := range result.Candidates {
		if result.Candidates[i].Ticker == "ITOT" {
			itot = &result.Candidates[i]
		}
	}
	require.NotNil(t, itot)
	assert.Equal(t, DropForwardWash, itot.DropReason)

	for _, intent := range result.Intents {
		if intent.Action == domain.ActionSell {
			assert.Equal(t, "VTI", intent.Ticker)
		}
	}

	open, err := h.recordRepo.GetOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "VTI", open[0].Ticker)
	assert.Equal(t, "ITOT", open[0].SubstituteTicker)

	// The original ITOT shares are still held alongside the swap-in buy
	book := h.scanner.Book()
	assert.InDelta(t, 0, book.Quantity("VTI"), 1e-9)
	assert.InDelta(t, 50+18000.0/150.0, book.Quantity("ITOT"), 1e-6)
}

func TestFreshLotBlocksHarvestOnHoldingPeriod(t *testing.T) {
	asOf := day(t, "2024-06-01")
	h := newHarness(t, testConfig(t))
	h.seedLot(t, "VTI", 100, day(t, "2023-01-10"), 200)
	_, err := h.book.OpenLot("VTI", 10, day(t, "2024-05-30"), 190)
	require.NoError(t, err)
	h.broker.positions[0].Quantity = 110
	h.setQuote("VTI", 180, asOf)

	result, err := h.scanner.Scan(context.Background(), asOf, false)
	require.NoError(t, err)

	// The two-day-old lot makes the whole position too young, even though
	// the older lot cleared the minimum long ago.
	assert.Equal(t, 0, result.Harvested)
	assert.Empty(t, result.Intents)
	require.Len(t, result.Candidates, 1)
	assert.Contains(t, result.Candidates[0].DropReason, rules.DropHoldingDays)
}

func TestReconciliationMismatchAbortsScan(t *testing.T) {
	asOf := day(t, "2024-06-01")
	h := newHarness(t, testConfig(t))
	h.seedLot(t, "VTI", 100, day(t, "2023-01-10"), 200)
	h.broker.positions = []domain.BrokerPosition{{Ticker: "VTI", Quantity: 90}}
	h.setQuote("VTI", 180, asOf)

	_, err := h.scanner.Scan(context.Background(), asOf, false)
	require.ErrorIs(t, err, domain.ErrReconciliationMismatch)

	// Untouched
	assert.Empty(t, h.exec.submitted)
	assert.InDelta(t, 100, h.scanner.Book().Quantity("VTI"), 1e-9)
}

func TestRejectedSellCommitsNothing(t *testing.T) {
	asOf := day(t, "2024-06-01")
	h := newHarness(t, testConfig(t))
	h.seedLot(t, "VTI", 100, day(t, "2023-01-10"), 200)
	h.setQuote("VTI", 180, asOf)
	h.exec.fills["sell:VTI"] = domain.OrderResult{Status: domain.OrderRejected}

	result, err := h.scanner.Scan(context.Background(), asOf, false)
	require.NoError(t, err)

	assert.Equal(t, "nothing_to_do", result.CommitStatus)
	assert.Equal(t, 0, result.Harvested)
	// One initial attempt plus one retry
	assert.Len(t, h.exec.submitted, 2)

	assert.InDelta(t, 100, h.scanner.Book().Quantity("VTI"), 1e-9)
	open, err := h.recordRepo.GetOpen()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestQuoteFailureDropsOnlyThatCandidate(t *testing.T) {
	asOf := day(t, "2024-06-01")
	h := newHarness(t, testConfig(t))
	h.seedLot(t, "VTI", 100, day(t, "2023-01-10"), 200)
	h.seedLot(t, "VOO", 10, day(t, "2023-01-10"), 500)
	h.setQuote("VTI", 180, asOf)
	h.prices.errs["VOO"] = domain.ErrStaleQuote

	result, err := h.scanner.Scan(context.Background(), asOf, false)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Harvested)
	var dropped *domain.Candidate
	for i := range result.Candidates {
		if result.Candidates[i].Ticker == "VOO" {
			dropped = &result.Candidates[i]
		}
	}
	require.NotNil(t, dropped)
	assert.Contains(t, dropped.DropReason, DropNoQuote)
}

func TestScheduledRepurchaseBlocksHarvest(t *testing.T) {
	asOf := day(t, "2024-06-01")
	h := newHarness(t, testConfig(t))
	h.seedLot(t, "VTI", 100, day(t, "2023-01-10"), 200)
	h.setQuote("VTI", 180, asOf)
	h.tracker.Restore(washsale.Event{
		GroupID: "VTI", Ticker: "VTI", Kind: washsale.EventPlannedBuy,
		Date: day(t, "2024-06-11"), Quantity: 50,
	})

	result, err := h.scanner.Scan(context.Background(), asOf, false)
	require.NoError(t, err)

	assert.Equal(t, 0, result.Harvested)
	assert.Empty(t, result.Intents)
	var vti *domain.Candidate
	for i := range result.Candidates {
		if result.Candidates[i].Ticker == "VTI" {
			vti = &result.Candidates[i]
		}
	}
	require.NotNil(t, vti)
	assert.Equal(t, DropForwardWash, vti.DropReason)
}

func TestRecentGroupBuyDefersLossOntoReplacement(t *testing.T) {
	asOf := day(t, "2024-06-01")
	h := newHarness(t, testConfig(t))
	h.seedLot(t, "VTI", 100, day(t, "2023-01-10"), 200)
	h.seedLot(t, "ITOT", 50, day(t, "2024-05-22"), 160)
	h.setQuote("VTI", 180, asOf)
	h.setQuote("ITOT", 162, asOf)
	h.tracker.Restore(washsale.Event{
		GroupID: "VTI", Ticker: "ITOT", Kind: washsale.EventBuy,
		Date: day(t, "2024-05-22"), Quantity: 50,
	})

	result, err := h.scanner.Scan(context.Background(), asOf, false)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Harvested)
	assert.Equal(t, 1, result.Deferred)

	open, err := h.recordRepo.GetOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].Deferred)
	assert.NotEmpty(t, open[0].DeferredLotID)

	// The $2000 disallowed loss raises the 50-share replacement lot's basis
	// by $40 per share.
	book := h.scanner.Book()
	assert.InDelta(t, 50*200.0, book.CostBasis("ITOT"), 1e-6)
}

func TestAggregationFeedsClosedRecordsOnce(t *testing.T) {
	asOf := day(t, "2024-06-01")
	h := newHarness(t, testConfig(t))

	closed := day(t, "2024-03-02")
	rec := &rebuy.HarvestRecord{
		ID: "h-1", LotID: "lot-1", Ticker: "VTI", GroupID: "VTI",
		SaleDate: day(t, "2024-03-01"), Quantity: 100, SalePrice: 180,
		RealizedLoss: 5000, Term: domain.TermShort,
		Strategy: config.StrategyWait, State: rebuy.StateClosed,
		ClosedAt: &closed,
	}
	require.NoError(t, h.recordRepo.Create(rec))

	result, err := h.scanner.Scan(context.Background(), asOf, false)
	require.NoError(t, err)
	assert.Equal(t, "nothing_to_do", result.CommitStatus)

	entry, ok := h.scanner.Ledger().Entry(2024)
	require.True(t, ok)
	assert.Equal(t, "5000", entry.ShortLosses.String())
	assert.Equal(t, "3000", entry.Deducted.String())
	assert.Equal(t, "2000", entry.CarryShort.String())

	// Marked aggregated, so the next scan does not double-count
	remaining, err := h.recordRepo.GetUnaggregated()
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// And the year survived persistence
	loaded, err := h.carryRepo.LoadLedger(h.cfg.AnnualDeductibleCap)
	require.NoError(t, err)
	persisted, ok := loaded.Entry(2024)
	require.True(t, ok)
	assert.Equal(t, "2000", persisted.CarryShort.String())
}

func TestScanInProgressRejectsSecondScan(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.scanner.inFlight.Store(true)

	_, err := h.scanner.Scan(context.Background(), day(t, "2024-06-01"), true)
	require.ErrorIs(t, err, domain.ErrScanInProgress)
	assert.True(t, h.scanner.InProgress())
}

func TestWaitPathRebuyExecutesAfterWindow(t *testing.T) {
	asOf := day(t, "2024-06-01")
	h := newHarness(t, testConfig(t))
	h.seedLot(t, "VTI", 100, day(t, "2023-01-10"), 200)
	h.setQuote("VTI", 180, asOf)

	_, err := h.scanner.Scan(context.Background(), asOf, false)
	require.NoError(t, err)

	// Second scan after the wait window: position is empty, so the broker
	// reports nothing, and the due rebuy is the only trade.
	later := day(t, "2024-07-02")
	h.broker.positions = nil
	h.setQuote("VTI", 175, later)

	result, err := h.scanner.Scan(context.Background(), later, false)
	require.NoError(t, err)

	assert.Equal(t, "committed", result.CommitStatus)
	require.Len(t, result.Executions, 1)
	assert.Equal(t, domain.ActionBuy, result.Executions[0].Intent.Action)
	assert.Equal(t, "VTI", result.Executions[0].Intent.Ticker)
	assert.Equal(t, domain.ReasonRebuy, result.Executions[0].Intent.Reason)

	book := h.scanner.Book()
	assert.InDelta(t, 100, book.Quantity("VTI"), 1e-9)

	open, err := h.recordRepo.GetOpen()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestApprovedQueueItemSettlesOnLiveScan(t *testing.T) {
	asOf := day(t, "2024-06-01")
	h := newHarness(t, testConfig(t))
	h.seedLot(t, "VTI", 100, day(t, "2023-01-10"), 200)
	h.setQuote("VTI", 180, asOf)

	item, err := h.queue.EnqueueCandidate(domain.Candidate{Ticker: "VTI", Quantity: 100, CurrentPrice: 182}, "", asOf.Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, h.queue.Approve(item.ID))

	result, err := h.scanner.Scan(context.Background(), asOf, false)
	require.NoError(t, err)
	require.Equal(t, "committed", result.CommitStatus)

	got, err := h.queue.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusExecuted, got.Status)
	assert.InDelta(t, 180, got.FillPrice, 1e-9)
	require.NotNil(t, got.ExecutedAt)
}
