package rules

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harvester-engine/harvester/internal/config"
	"github.com/harvester-engine/harvester/internal/domain"
)

func defaultRules() config.RulesConfig {
	return config.RulesConfig{
		MinLossUSD:           100,
		MinLossPct:           3.0,
		MinTaxBenefitUSD:     50,
		AssumedTaxRate:       0.35,
		PreferShortTerm:      false,
		ShortTermWeight:      1.5,
		MinHoldingDays:       7,
		MaxHarvestPctPerScan: 10.0,
	}
}

func candidate(ticker string, value, pl float64, daysHeld int, term domain.Term) domain.Candidate {
	lossPct := 0.0
	if pl < 0 && value-pl != 0 {
		lossPct = -pl / (value - pl) * 100
	}
	return domain.Candidate{
		Ticker:       ticker,
		MarketValue:  value,
		CostBasis:    value - pl,
		UnrealizedPL: pl,
		LossPct:      lossPct,
		DaysHeld:     daysHeld,
		Term:         term,
	}
}

func TestSelectCandidatesSpecExample(t *testing.T) {
	// Single lot: 100 VTI bought at $200, priced at $180 -> $2000 loss (10%)
	e := NewEngine(defaultRules(), zerolog.Nop())

	c := candidate("VTI", 18000, -2000, 152, domain.TermShort)
	sel := e.SelectCandidates([]domain.Candidate{c}, 200000)

	require.Len(t, sel.Selected, 1)
	assert.Empty(t, sel.Dropped)
	assert.InDelta(t, 700, sel.Selected[0].TaxBenefit, 0.01) // 2000 * 0.35
}

func TestFilterOrderAndReasons(t *testing.T) {
	cfg := defaultRules()
	cfg.ExcludedTickers = []string{"BND"}
	e := NewEngine(cfg, zerolog.Nop())

	candidates := []domain.Candidate{
		candidate("AAPL", 10000, 500, 100, domain.TermShort),  // gain
		candidate("BND", 10000, -1000, 100, domain.TermShort), // excluded
		candidate("NEWB", 10000, -1000, 3, domain.TermShort),  // too recent
		candidate("TINY", 10000, -50, 100, domain.TermShort),  // below both loss thresholds
	}

	sel := e.SelectCandidates(candidates, 1000000)
	assert.Empty(t, sel.Selected)
	require.Len(t, sel.Dropped, 4)
	assert.Equal(t, DropNoLoss, sel.Dropped[0].DropReason)
	assert.Equal(t, DropExcluded, sel.Dropped[1].DropReason)
	assert.Contains(t, sel.Dropped[2].DropReason, DropHoldingDays)
	assert.Equal(t, DropLossTooSmall, sel.Dropped[3].DropReason)
}

func TestEitherLossThresholdSuffices(t *testing.T) {
	e := NewEngine(defaultRules(), zerolog.Nop())

	// $500 loss on a large position: below 3% but above $100
	bigPosition := candidate("VTI", 100000, -500, 100, domain.TermLong)
	// 5% loss on a tiny position: below $100 but above 3%... benefit too small though
	tinyPosition := candidate("VB", 1500, -80, 100, domain.TermLong)

	sel := e.SelectCandidates([]domain.Candidate{bigPosition, tinyPosition}, 10000000)

	require.Len(t, sel.Selected, 1)
	assert.Equal(t, "VTI", sel.Selected[0].Ticker)
	require.Len(t, sel.Dropped, 1)
	assert.Equal(t, DropLowBenefit, sel.Dropped[0].DropReason)
}

func TestRankingDeterministic(t *testing.T) {
	e := NewEngine(defaultRules(), zerolog.Nop())

	candidates := []domain.Candidate{
		candidate("CCC", 20000, -1000, 100, domain.TermLong),
		candidate("AAA", 20000, -1000, 100, domain.TermLong), // tie broken by ticker
		candidate("BBB", 30000, -2000, 100, domain.TermLong), // largest benefit first
	}

	first := e.SelectCandidates(candidates, 10000000)
	require.Len(t, first.Selected, 3)
	assert.Equal(t, "BBB", first.Selected[0].Ticker)
	assert.Equal(t, "AAA", first.Selected[1].Ticker)
	assert.Equal(t, "CCC", first.Selected[2].Ticker)

	// Idempotent: same inputs, same ordered output
	second := e.SelectCandidates(candidates, 10000000)
	assert.Equal(t, first.Selected, second.Selected)
}

func TestPreferShortTermAffectsRankingOnly(t *testing.T) {
	cfg := defaultRules()
	cfg.PreferShortTerm = true
	e := NewEngine(cfg, zerolog.Nop())

	longBig := candidate("LONG", 30000, -2000, 400, domain.TermLong)
	shortSmall := candidate("SHRT", 25000, -1500, 100, domain.TermShort)

	sel := e.SelectCandidates([]domain.Candidate{longBig, shortSmall}, 10000000)
	require.Len(t, sel.Selected, 2)

	// 1500*0.35*1.5 = 787.5 outranks 2000*0.35 = 700
	assert.Equal(t, "SHRT", sel.Selected[0].Ticker)
	// Stored benefit stays unweighted
	assert.InDelta(t, 525, sel.Selected[0].TaxBenefit, 0.01)
}

func TestHarvestCapStopsAtFirstExcess(t *testing.T) {
	e := NewEngine(defaultRules(), zerolog.Nop())

	// Cap is 10% of 100k = 10k harvested value
	candidates := []domain.Candidate{
		candidate("AAA", 6000, -900, 100, domain.TermLong),
		candidate("BBB", 5000, -700, 100, domain.TermLong), // 6k+5k > 10k: rejected
		candidate("CCC", 1000, -500, 100, domain.TermLong), // would fit, but selection stopped
	}

	sel := e.SelectCandidates(candidates, 100000)

	require.Len(t, sel.Selected, 1)
	assert.Equal(t, "AAA", sel.Selected[0].Ticker)

	require.Len(t, sel.Dropped, 2)
	for _, d := range sel.Dropped {
		assert.Equal(t, DropCapReached, d.DropReason)
	}
}
