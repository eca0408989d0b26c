// Package alpaca provides the broker collaborator: live quotes, broker
// positions for reconciliation, and market order submission against the
// Alpaca REST API.
package alpaca

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/harvester-engine/harvester/internal/domain"
)

// Config holds the client's connection settings.
type Config struct {
	BaseURL     string // trading API, e.g. https://paper-api.alpaca.markets
	DataURL     string // market data API, e.g. https://data.alpaca.markets
	APIKey      string
	APISecret   string
	QuoteMaxAge time.Duration // quotes older than this fail with ErrStaleQuote
}

// Client talks to the Alpaca trading and data APIs. It implements
// domain.PriceSource, domain.PositionSource, and domain.OrderExecutor.
type Client struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger
}

var (
	_ domain.PriceSource    = (*Client)(nil)
	_ domain.PositionSource = (*Client)(nil)
	_ domain.OrderExecutor  = (*Client)(nil)
)

// NewClient creates a new Alpaca client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.With().Str("client", "alpaca").Logger(),
	}
}

type latestTradeResponse struct {
	Symbol string `json:"symbol"`
	Trade  struct {
		Price     float64   `json:"p"`
		Timestamp time.Time `json:"t"`
	} `json:"trade"`
}

// Quote fetches the latest trade for a ticker. A quote whose timestamp is
// older than QuoteMaxAge relative to asOf fails with ErrStaleQuote: stale
// prices must drop the candidate, never feed a harvest decision.
func (c *Client) Quote(ticker string, asOf time.Time) (domain.Quote, error) {
	url := fmt.Sprintf("%s/v2/stocks/%s/trades/latest", c.cfg.DataURL, ticker)

	var resp latestTradeResponse
	if err := c.get(url, &resp); err != nil {
		return domain.Quote{}, fmt.Errorf("failed to fetch quote for %s: %w", ticker, err)
	}

	quote := domain.Quote{
		Ticker:    ticker,
		Price:     resp.Trade.Price,
		Timestamp: resp.Trade.Timestamp,
	}
	if quote.Price <= 0 {
		return domain.Quote{}, fmt.Errorf("quote for %s has no price", ticker)
	}
	if asOf.Sub(quote.Timestamp) > c.cfg.QuoteMaxAge {
		return domain.Quote{}, fmt.Errorf("quote for %s from %s: %w",
			ticker, quote.Timestamp.Format(time.RFC3339), domain.ErrStaleQuote)
	}
	return quote, nil
}

type positionResponse struct {
	Symbol string `json:"symbol"`
	Qty    string `json:"qty"`
}

// Positions returns the broker's open positions, used at scan start for
// reconciliation against the lot book.
func (c *Client) Positions() ([]domain.BrokerPosition, error) {
	url := c.cfg.BaseURL + "/v2/positions"

	var resp []positionResponse
	if err := c.get(url, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}

	positions := make([]domain.BrokerPosition, 0, len(resp))
	for _, p := range resp {
		qty, err := strconv.ParseFloat(p.Qty, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed position quantity %q for %s: %w", p.Qty, p.Symbol, err)
		}
		positions = append(positions, domain.BrokerPosition{Ticker: p.Symbol, Quantity: qty})
	}
	return positions, nil
}

type orderRequest struct {
	Symbol      string `json:"symbol"`
	Qty         string `json:"qty"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"time_in_force"`
}

type orderResponse struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
}

// Submit places a market day order for the intent and maps the broker's
// status onto the engine's order taxonomy. Asynchronous fills come back as
// pending; the caller polls or treats them per its retry policy.
func (c *Client) Submit(intent domain.TradeIntent) (domain.OrderResult, error) {
	body := orderRequest{
		Symbol:      intent.Ticker,
		Qty:         strconv.FormatFloat(intent.Quantity, 'f', -1, 64),
		Side:        string(intent.Action),
		Type:        "market",
		TimeInForce: "day",
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("failed to encode order: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.cfg.BaseURL+"/v2/orders", bytes.NewReader(payload))
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("failed to build order request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(req)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("order submission failed: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("failed to read order response: %w", err)
	}
	if httpResp.StatusCode == http.StatusForbidden || httpResp.StatusCode == http.StatusUnprocessableEntity {
		c.log.Warn().
			Str("ticker", intent.Ticker).
			Int("status", httpResp.StatusCode).
			Msg("Order rejected by broker")
		return domain.OrderResult{Status: domain.OrderRejected}, nil
	}
	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusCreated {
		return domain.OrderResult{}, fmt.Errorf("order submission returned status %d: %s", httpResp.StatusCode, raw)
	}

	var resp orderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.OrderResult{}, fmt.Errorf("failed to decode order response: %w", err)
	}

	result := domain.OrderResult{OrderID: resp.ID}
	switch resp.Status {
	case "filled":
		result.Status = domain.OrderFilled
		result.FilledQty, _ = strconv.ParseFloat(resp.FilledQty, 64)
		result.FillPrice, _ = strconv.ParseFloat(resp.FilledAvgPrice, 64)
	case "rejected", "canceled", "expired":
		result.Status = domain.OrderRejected
	default:
		result.Status = domain.OrderPending
	}

	c.log.Info().
		Str("ticker", intent.Ticker).
		Str("action", string(intent.Action)).
		Float64("quantity", intent.Quantity).
		Str("order_id", result.OrderID).
		Str("status", string(result.Status)).
		Msg("Order submitted")

	return result, nil
}

func (c *Client) get(url string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, raw)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("APCA-API-KEY-ID", c.cfg.APIKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.cfg.APISecret)
}
