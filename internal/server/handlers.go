package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/harvester-engine/harvester/internal/domain"
	"github.com/harvester-engine/harvester/internal/modules/queue"
	"github.com/harvester-engine/harvester/internal/modules/rebuy"
	"github.com/harvester-engine/harvester/internal/scan"
)

type scanRequest struct {
	DryRun bool   `json:"dry_run"`
	AsOf   string `json:"as_of"` // optional, YYYY-MM-DD; defaults to now
}

type candidateResponse struct {
	Ticker       string  `json:"ticker"`
	Quantity     float64 `json:"quantity"`
	CurrentPrice float64 `json:"current_price"`
	MarketValue  float64 `json:"market_value"`
	CostBasis    float64 `json:"cost_basis"`
	UnrealizedPL float64 `json:"unrealized_pl"`
	LossPct      float64 `json:"loss_pct"`
	TaxBenefit   float64 `json:"tax_benefit"`
	Term         string  `json:"term"`
	DaysHeld     int     `json:"days_held"`
	Selected     bool    `json:"selected"`
	DropReason   string  `json:"drop_reason,omitempty"`
}

type intentResponse struct {
	Action        string    `json:"action"`
	Ticker        string    `json:"ticker"`
	Quantity      float64   `json:"quantity"`
	Reason        string    `json:"reason"`
	NotValidAfter time.Time `json:"not_valid_after"`
}

type executionResponse struct {
	Action    string  `json:"action"`
	Ticker    string  `json:"ticker"`
	Reason    string  `json:"reason"`
	Status    string  `json:"status,omitempty"`
	FillPrice float64 `json:"fill_price,omitempty"`
	FilledQty float64 `json:"filled_qty,omitempty"`
	Confirmed bool    `json:"confirmed"`
	Skipped   string  `json:"skipped,omitempty"`
}

type scanResponse struct {
	StartedAt    time.Time           `json:"started_at"`
	FinishedAt   time.Time           `json:"finished_at"`
	DryRun       bool                `json:"dry_run"`
	CommitStatus string              `json:"commit_status"`
	Harvested    int                 `json:"harvested"`
	Deferred     int                 `json:"deferred"`
	TotalLoss    float64             `json:"total_loss"`
	TotalBenefit float64             `json:"total_benefit"`
	Candidates   []candidateResponse `json:"candidates"`
	Intents      []intentResponse    `json:"intents"`
	Executions   []executionResponse `json:"executions,omitempty"`
	Queued       int                 `json:"queued,omitempty"`
}

// handleScan runs a scan cycle. A dry run evaluates and plans without
// trading; its selected candidates land on the approval queue.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	asOf := time.Now().UTC()
	if req.AsOf != "" {
		parsed, err := time.Parse("2006-01-02", req.AsOf)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "as_of must be YYYY-MM-DD")
			return
		}
		asOf = parsed
	}

	result, err := s.d.Scanner.Scan(r.Context(), asOf, req.DryRun)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrScanInProgress):
			s.writeError(w, http.StatusConflict, "a scan is already in progress")
		case errors.Is(err, domain.ErrReconciliationMismatch):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.log.Error().Err(err).Msg("Scan failed")
			s.writeError(w, http.StatusInternalServerError, "scan failed")
		}
		return
	}

	resp := s.buildScanResponse(result)

	if req.DryRun && s.d.Queue != nil {
		resp.Queued = s.enqueueSelected(result, asOf)
	}

	s.writeJSON(w, resp)
}

func (s *Server) buildScanResponse(result *scan.Result) *scanResponse {
	resp := &scanResponse{
		StartedAt:    result.StartedAt,
		FinishedAt:   result.FinishedAt,
		DryRun:       result.DryRun,
		CommitStatus: result.CommitStatus,
		Harvested:    result.Harvested,
		Deferred:     result.Deferred,
		TotalLoss:    result.TotalLoss,
		TotalBenefit: result.TotalBenefit,
		Candidates:   make([]candidateResponse, 0, len(result.Candidates)),
		Intents:      make([]intentResponse, 0, len(result.Intents)),
	}
	for _, c := range result.Candidates {
		resp.Candidates = append(resp.Candidates, candidateResponse{
			Ticker:       c.Ticker,
			Quantity:     c.Quantity,
			CurrentPrice: c.CurrentPrice,
			MarketValue:  c.MarketValue,
			CostBasis:    c.CostBasis,
			UnrealizedPL: c.UnrealizedPL,
			LossPct:      c.LossPct,
			TaxBenefit:   c.TaxBenefit,
			Term:         string(c.Term),
			DaysHeld:     c.DaysHeld,
			Selected:     c.Selected(),
			DropReason:   c.DropReason,
		})
	}
	for _, i := range result.Intents {
		resp.Intents = append(resp.Intents, intentResponse{
			Action:        string(i.Action),
			Ticker:        i.Ticker,
			Quantity:      i.Quantity,
			Reason:        string(i.Reason),
			NotValidAfter: i.NotValidAfter,
		})
	}
	for _, e := range result.Executions {
		er := executionResponse{
			Action:    string(e.Intent.Action),
			Ticker:    e.Intent.Ticker,
			Reason:    string(e.Intent.Reason),
			Confirmed: e.Confirmed,
			Skipped:   e.Skipped,
		}
		if e.Skipped == "" {
			er.Status = string(e.Result.Status)
			er.FillPrice = e.Result.FillPrice
			er.FilledQty = e.Result.FilledQty
		}
		resp.Executions = append(resp.Executions, er)
	}
	return resp
}

// enqueueSelected places the dry run's selected candidates on the approval
// queue, paired with their planned substitute when the swap path applies.
func (s *Server) enqueueSelected(result *scan.Result, at time.Time) int {
	// Harvest sell intents share a HarvestID with their swap-in buy leg.
	harvestID := make(map[string]string)
	swapTarget := make(map[string]string)
	for _, i := range result.Intents {
		if i.Action == domain.ActionSell && i.Reason == domain.ReasonHarvest {
			harvestID[i.HarvestID] = i.Ticker
		}
	}
	for _, i := range result.Intents {
		if i.Action == domain.ActionBuy && i.Reason == domain.ReasonSwapIn {
			if seller, ok := harvestID[i.HarvestID]; ok {
				swapTarget[seller] = i.Ticker
			}
		}
	}

	queued := 0
	for _, c := range result.Candidates {
		if !c.Selected() {
			continue
		}
		if _, err := s.d.Queue.EnqueueCandidate(c, swapTarget[c.Ticker], at); err != nil {
			s.log.Error().Err(err).Str("ticker", c.Ticker).Msg("Failed to enqueue candidate")
			continue
		}
		queued++
	}
	return queued
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	type lotResponse struct {
		ID         string    `json:"id"`
		Quantity   float64   `json:"quantity"`
		AcquiredAt time.Time `json:"acquired_at"`
		UnitBasis  float64   `json:"unit_basis"`
	}
	type positionResponse struct {
		Ticker   string        `json:"ticker"`
		Method   string        `json:"method"`
		Quantity float64       `json:"quantity"`
		Lots     []lotResponse `json:"lots"`
	}

	positions := s.d.Scanner.Book().Positions()
	resp := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		pr := positionResponse{
			Ticker:   p.Ticker,
			Method:   string(p.Method),
			Quantity: p.Quantity,
			Lots:     make([]lotResponse, 0, len(p.Lots)),
		}
		for _, l := range p.Lots {
			pr.Lots = append(pr.Lots, lotResponse{
				ID:         l.ID,
				Quantity:   l.Quantity,
				AcquiredAt: l.AcquiredAt,
				UnitBasis:  l.UnitBasis,
			})
		}
		resp = append(resp, pr)
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if s.d.Records == nil {
		s.writeJSON(w, []struct{}{})
		return
	}
	records, err := s.d.Records.GetOpen()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load harvest records")
		s.writeError(w, http.StatusInternalServerError, "failed to load records")
		return
	}

	type recordResponse struct {
		ID               string    `json:"id"`
		Ticker           string    `json:"ticker"`
		SaleDate         time.Time `json:"sale_date"`
		Quantity         float64   `json:"quantity"`
		SalePrice        float64   `json:"sale_price"`
		RealizedLoss     float64   `json:"realized_loss"`
		Term             string    `json:"term"`
		Strategy         string    `json:"strategy"`
		State            string    `json:"state"`
		Deferred         bool      `json:"deferred"`
		SubstituteTicker string    `json:"substitute_ticker,omitempty"`
		SubstituteQty    float64   `json:"substitute_qty,omitempty"`
		EarliestRebuy    time.Time `json:"earliest_rebuy,omitempty"`
		SwapBackAt       time.Time `json:"swap_back_at,omitempty"`
	}

	resp := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, recordResponse{
			ID:               rec.ID,
			Ticker:           rec.Ticker,
			SaleDate:         rec.SaleDate,
			Quantity:         rec.Quantity,
			SalePrice:        rec.SalePrice,
			RealizedLoss:     rec.RealizedLoss,
			Term:             string(rec.Term),
			Strategy:         string(rec.Strategy),
			State:            string(rec.State),
			Deferred:         rec.Deferred,
			SubstituteTicker: rec.SubstituteTicker,
			SubstituteQty:    rec.SubstituteQty,
			EarliestRebuy:    rec.EarliestRebuy,
			SwapBackAt:       rec.SwapBackAt,
		})
	}
	s.writeJSON(w, resp)
}

// handleWashSaleStatus reports the repurchase restriction for one ticker.
func (s *Server) handleWashSaleStatus(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	if ticker == "" {
		s.writeError(w, http.StatusBadRequest, "ticker is required")
		return
	}

	tracker := s.d.Scanner.Tracker()
	now := time.Now().UTC()
	until, restricted := tracker.RestrictedUntilTicker(ticker, now)

	resp := map[string]interface{}{
		"ticker":             ticker,
		"group_id":           tracker.Groups().GroupID(ticker),
		"restricted":         restricted,
		"would_wash_if_sold": tracker.IsWashSaleForTicker(ticker, now),
	}
	if restricted {
		resp["restricted_until"] = until
	}
	s.writeJSON(w, resp)
}

// handleCarryforwardYear reports the netting outcome and available loss for
// one tax year.
func (s *Server) handleCarryforwardYear(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "year must be an integer")
		return
	}

	ledger := s.d.Scanner.Ledger()
	entry, ok := ledger.Entry(year)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no activity recorded for that year")
		return
	}
	avail := ledger.AvailableLoss(year)

	s.writeJSON(w, map[string]interface{}{
		"year":         entry.Year,
		"closed":       entry.Closed,
		"short_gains":  entry.ShortGains.String(),
		"short_losses": entry.ShortLosses.String(),
		"long_gains":   entry.LongGains.String(),
		"long_losses":  entry.LongLosses.String(),
		"net_short":    entry.NetShort.String(),
		"net_long":     entry.NetLong.String(),
		"deducted":     entry.Deducted.String(),
		"carry_short":  entry.CarryShort.String(),
		"carry_long":   entry.CarryLong.String(),
		"available": map[string]string{
			"short_term": avail.ShortTerm.String(),
			"long_term":  avail.LongTerm.String(),
		},
	})
}

// handleYearSummary totals one year's harvest activity from its records.
func (s *Server) handleYearSummary(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "year must be an integer")
		return
	}
	if s.d.Records == nil {
		s.writeError(w, http.StatusServiceUnavailable, "records not available")
		return
	}

	records, err := s.d.Records.GetByYear(year)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load harvest records")
		s.writeError(w, http.StatusInternalServerError, "failed to load records")
		return
	}

	var shortLoss, longLoss, deferredLoss float64
	var completed, pending, deferred int
	for _, rec := range records {
		if rec.Deferred {
			deferred++
			deferredLoss += rec.RealizedLoss
			continue
		}
		if rec.Term == domain.TermShort {
			shortLoss += rec.RealizedLoss
		} else {
			longLoss += rec.RealizedLoss
		}
		if rec.State == rebuy.StateClosed {
			completed++
		} else {
			pending++
		}
	}

	s.writeJSON(w, map[string]interface{}{
		"year":                   year,
		"harvests":               len(records),
		"harvested_short_losses": shortLoss,
		"harvested_long_losses":  longLoss,
		"completed_harvests":     completed,
		"pending_rebuys":         pending,
		"deferred_harvests":      deferred,
		"deferred_losses":        deferredLoss,
	})
}

func (s *Server) handleQueueAll(w http.ResponseWriter, r *http.Request) {
	s.listQueue(w, func() ([]*queue.Item, error) { return s.d.Queue.All() })
}

func (s *Server) handleQueuePending(w http.ResponseWriter, r *http.Request) {
	s.listQueue(w, func() ([]*queue.Item, error) { return s.d.Queue.Pending() })
}

func (s *Server) listQueue(w http.ResponseWriter, load func() ([]*queue.Item, error)) {
	if s.d.Queue == nil {
		s.writeJSON(w, []struct{}{})
		return
	}
	items, err := load()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load queue items")
		s.writeError(w, http.StatusInternalServerError, "failed to load queue")
		return
	}

	type itemResponse struct {
		ID           string     `json:"id"`
		Ticker       string     `json:"ticker"`
		Action       string     `json:"action"`
		Quantity     float64    `json:"quantity"`
		CurrentPrice float64    `json:"current_price"`
		Notional     float64    `json:"notional"`
		TaxBenefit   float64    `json:"tax_benefit"`
		SwapTarget   string     `json:"swap_target,omitempty"`
		Reason       string     `json:"reason"`
		Status       string     `json:"status"`
		CreatedAt    time.Time  `json:"created_at"`
		ExecutedAt   *time.Time `json:"executed_at,omitempty"`
		FillPrice    float64    `json:"fill_price,omitempty"`
	}

	resp := make([]itemResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, itemResponse{
			ID:           item.ID,
			Ticker:       item.Ticker,
			Action:       string(item.Action),
			Quantity:     item.Quantity,
			CurrentPrice: item.CurrentPrice,
			Notional:     item.Notional,
			TaxBenefit:   item.TaxBenefit,
			SwapTarget:   item.SwapTarget,
			Reason:       item.Reason,
			Status:       string(item.Status),
			CreatedAt:    item.CreatedAt,
			ExecutedAt:   item.ExecutedAt,
			FillPrice:    item.FillPrice,
		})
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleQueueApprove(w http.ResponseWriter, r *http.Request) {
	s.transitionQueue(w, r, s.d.Queue.Approve, "approved")
}

func (s *Server) handleQueueReject(w http.ResponseWriter, r *http.Request) {
	s.transitionQueue(w, r, s.d.Queue.Reject, "rejected")
}

func (s *Server) transitionQueue(w http.ResponseWriter, r *http.Request, fn func(string) error, status string) {
	if s.d.Queue == nil {
		s.writeError(w, http.StatusServiceUnavailable, "queue not available")
		return
	}
	id := chi.URLParam(r, "id")
	if err := fn(id); err != nil {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"id": id, "status": status})
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode error response")
	}
}
