package alpaca

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harvester-engine/harvester/internal/domain"
)

func newTestClient(ts *httptest.Server) *Client {
	return NewClient(Config{
		BaseURL:     ts.URL,
		DataURL:     ts.URL,
		APIKey:      "key",
		APISecret:   "secret",
		QuoteMaxAge: 15 * time.Minute,
	}, zerolog.Nop())
}

func TestQuoteFreshAndStale(t *testing.T) {
	asOf := time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)
	quoteTime := asOf.Add(-5 * time.Minute)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		fmt.Fprintf(w, `{"symbol":"VTI","trade":{"p":180.5,"t":%q}}`, quoteTime.Format(time.RFC3339))
	}))
	defer ts.Close()

	c := newTestClient(ts)

	q, err := c.Quote("VTI", asOf)
	require.NoError(t, err)
	assert.InDelta(t, 180.5, q.Price, 1e-9)
	assert.Equal(t, "VTI", q.Ticker)

	// Same quote, evaluated an hour later: stale
	_, err = c.Quote("VTI", asOf.Add(time.Hour))
	require.ErrorIs(t, err, domain.ErrStaleQuote)
}

func TestPositions(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/positions", r.URL.Path)
		fmt.Fprint(w, `[{"symbol":"VTI","qty":"100"},{"symbol":"VOO","qty":"10.5"}]`)
	}))
	defer ts.Close()

	positions, err := newTestClient(ts).Positions()
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "VTI", positions[0].Ticker)
	assert.InDelta(t, 100, positions[0].Quantity, 1e-9)
	assert.InDelta(t, 10.5, positions[1].Quantity, 1e-9)
}

func TestSubmitFilledOrder(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/orders", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "VTI", req["symbol"])
		assert.Equal(t, "sell", req["side"])
		assert.Equal(t, "market", req["type"])

		fmt.Fprint(w, `{"id":"ord-1","status":"filled","filled_qty":"100","filled_avg_price":"180.25"}`)
	}))
	defer ts.Close()

	result, err := newTestClient(ts).Submit(domain.TradeIntent{
		Action:   domain.ActionSell,
		Ticker:   "VTI",
		Quantity: 100,
		Reason:   domain.ReasonHarvest,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, result.Status)
	assert.Equal(t, "ord-1", result.OrderID)
	assert.InDelta(t, 180.25, result.FillPrice, 1e-9)
	assert.InDelta(t, 100, result.FilledQty, 1e-9)
}

func TestSubmitRejectedOrder(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"message":"insufficient qty"}`)
	}))
	defer ts.Close()

	result, err := newTestClient(ts).Submit(domain.TradeIntent{
		Action: domain.ActionSell, Ticker: "VTI", Quantity: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRejected, result.Status)
}

func TestSubmitPendingOrder(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"ord-2","status":"accepted","filled_qty":"0","filled_avg_price":""}`)
	}))
	defer ts.Close()

	result, err := newTestClient(ts).Submit(domain.TradeIntent{
		Action: domain.ActionBuy, Ticker: "ITOT", Quantity: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, result.Status)
}
