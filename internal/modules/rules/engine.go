// Package rules implements harvest candidate selection: threshold filters,
// deterministic ranking, and the portfolio-wide harvest cap.
package rules

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/harvester-engine/harvester/internal/config"
	"github.com/harvester-engine/harvester/internal/domain"
)

// Drop reasons attached to filtered candidates. Dry runs surface these
// verbatim, so they are written for a human reader.
const (
	DropNoLoss       = "no unrealized loss"
	DropExcluded     = "ticker is excluded"
	DropHoldingDays  = "holding period below minimum"
	DropLossTooSmall = "loss below both USD and percent thresholds"
	DropLowBenefit   = "estimated tax benefit below minimum"
	DropCapReached   = "portfolio harvest cap reached"
)

// Selection is the ordered outcome of a candidate pass.
type Selection struct {
	// Selected candidates, ranked: weighted tax benefit descending, then
	// loss magnitude, then ticker for determinism.
	Selected []domain.Candidate
	// Dropped candidates with their drop reasons, in input order.
	Dropped []domain.Candidate
}

// TotalBenefit sums the estimated tax benefit of the selected candidates.
func (s Selection) TotalBenefit() float64 {
	total := 0.0
	for _, c := range s.Selected {
		total += c.TaxBenefit
	}
	return total
}

// Engine scores and selects harvest candidates.
type Engine struct {
	cfg config.RulesConfig
	log zerolog.Logger
}

// NewEngine creates a rules engine with validated configuration.
func NewEngine(cfg config.RulesConfig, log zerolog.Logger) *Engine {
	return &Engine{
		cfg: cfg,
		log: log.With().Str("service", "rules").Logger(),
	}
}

// SelectCandidates filters, ranks, and caps the scanned candidates.
// The pass is deterministic: identical inputs yield the identical ordered
// selection. The cap is greedy over the ranked order, full-or-nothing per
// candidate; it is deliberately not a knapsack so behavior stays auditable.
func (e *Engine) SelectCandidates(candidates []domain.Candidate, portfolioValue float64) Selection {
	excluded := make(map[string]bool, len(e.cfg.ExcludedTickers))
	for _, t := range e.cfg.ExcludedTickers {
		excluded[t] = true
	}

	var sel Selection
	var passed []domain.Candidate

	for _, c := range candidates {
		if reason := e.filter(c, excluded); reason != "" {
			c.DropReason = reason
			sel.Dropped = append(sel.Dropped, c)
			continue
		}
		c.TaxBenefit = round2(c.Loss() * e.cfg.AssumedTaxRate)
		passed = append(passed, c)
	}

	sort.SliceStable(passed, func(i, j int) bool {
		bi, bj := e.rankingBenefit(passed[i]), e.rankingBenefit(passed[j])
		if bi != bj {
			return bi > bj
		}
		if passed[i].Loss() != passed[j].Loss() {
			return passed[i].Loss() > passed[j].Loss()
		}
		return passed[i].Ticker < passed[j].Ticker
	})

	// Greedy cap over the ranked order. The first candidate that would
	// exceed the cap is rejected and nothing after it is considered.
	maxHarvestValue := portfolioValue * e.cfg.MaxHarvestPctPerScan / 100
	cumulative := 0.0
	capped := false
	for _, c := range passed {
		if capped || cumulative+c.MarketValue > maxHarvestValue+domain.Epsilon {
			capped = true
			c.DropReason = DropCapReached
			sel.Dropped = append(sel.Dropped, c)
			continue
		}
		cumulative += c.MarketValue
		sel.Selected = append(sel.Selected, c)
	}

	e.log.Info().
		Int("scanned", len(candidates)).
		Int("selected", len(sel.Selected)).
		Int("dropped", len(sel.Dropped)).
		Float64("harvested_value", cumulative).
		Msg("Candidate selection completed")

	return sel
}

// filter applies the threshold filters in order and returns the drop
// reason, or empty when the candidate passes.
func (e *Engine) filter(c domain.Candidate, excluded map[string]bool) string {
	if c.UnrealizedPL >= 0 {
		return DropNoLoss
	}
	if excluded[c.Ticker] {
		return DropExcluded
	}
	if c.DaysHeld < e.cfg.MinHoldingDays {
		return fmt.Sprintf("%s (%d < %d days)", DropHoldingDays, c.DaysHeld, e.cfg.MinHoldingDays)
	}

	// A candidate passes when either threshold is met; both must fail to
	// exclude it.
	loss := c.Loss()
	if loss < e.cfg.MinLossUSD && c.LossPct < e.cfg.MinLossPct {
		return DropLossTooSmall
	}

	if round2(loss*e.cfg.AssumedTaxRate) < e.cfg.MinTaxBenefitUSD {
		return DropLowBenefit
	}
	return ""
}

// rankingBenefit weights short-term losses when configured. Ranking only:
// the stored TaxBenefit and the benefit filter are unweighted.
func (e *Engine) rankingBenefit(c domain.Candidate) float64 {
	if e.cfg.PreferShortTerm && c.Term == domain.TermShort {
		return c.TaxBenefit * e.cfg.ShortTermWeight
	}
	return c.TaxBenefit
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
