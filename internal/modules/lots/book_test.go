package lots

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harvester-engine/harvester/internal/domain"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func newTestBook(t *testing.T) *Book {
	t.Helper()
	return NewBook(365, zerolog.Nop())
}

func TestRealizeFIFOConsumesOldestFirst(t *testing.T) {
	book := newTestBook(t)

	oldLot, err := book.OpenLot("VTI", 100, day("2023-01-10"), 180)
	require.NoError(t, err)
	newLot, err := book.OpenLot("VTI", 50, day("2024-03-01"), 220)
	require.NoError(t, err)

	result, err := book.Realize(Selector{Ticker: "VTI"}, 120, day("2024-06-01"), 200)
	require.NoError(t, err)

	require.Len(t, result.Legs, 2)
	assert.Equal(t, oldLot.ID, result.Legs[0].LotID)
	assert.Equal(t, newLot.ID, result.Legs[1].LotID)
	assert.InDelta(t, 100, result.Legs[0].Quantity, domain.Epsilon)
	assert.InDelta(t, 20, result.Legs[1].Quantity, domain.Epsilon)

	// 100 @ +20 gain, 20 @ -20 loss
	assert.InDelta(t, 2000, result.Legs[0].Gain, 0.01)
	assert.InDelta(t, -400, result.Legs[1].Gain, 0.01)
	assert.InDelta(t, 1600, result.Gain, 0.01)

	// The old lot is destroyed, the new lot is split
	assert.InDelta(t, 30, book.Quantity("VTI"), domain.Epsilon)
}

func TestRealizeLIFOConsumesNewestFirst(t *testing.T) {
	book := newTestBook(t)
	book.SetMethod("VTI", domain.DisposalLIFO)

	_, err := book.OpenLot("VTI", 100, day("2023-01-10"), 180)
	require.NoError(t, err)
	newLot, err := book.OpenLot("VTI", 50, day("2024-03-01"), 220)
	require.NoError(t, err)

	result, err := book.Realize(Selector{Ticker: "VTI"}, 40, day("2024-06-01"), 200)
	require.NoError(t, err)

	require.Len(t, result.Legs, 1)
	assert.Equal(t, newLot.ID, result.Legs[0].LotID)
	assert.InDelta(t, 110, book.Quantity("VTI"), domain.Epsilon)
}

func TestRealizeSpecificIDRequiresLot(t *testing.T) {
	book := newTestBook(t)
	book.SetMethod("VTI", domain.DisposalSpecificID)

	lot, err := book.OpenLot("VTI", 100, day("2023-01-10"), 180)
	require.NoError(t, err)

	_, err = book.Realize(Selector{Ticker: "VTI"}, 10, day("2024-06-01"), 200)
	assert.Error(t, err)

	_, err = book.Realize(Selector{Ticker: "VTI", LotID: "missing"}, 10, day("2024-06-01"), 200)
	assert.ErrorIs(t, err, domain.ErrLotNotFound)

	result, err := book.Realize(Selector{Ticker: "VTI", LotID: lot.ID}, 10, day("2024-06-01"), 200)
	require.NoError(t, err)
	assert.Equal(t, lot.ID, result.Legs[0].LotID)
}

func TestRealizeInsufficientQuantity(t *testing.T) {
	book := newTestBook(t)
	_, err := book.OpenLot("VTI", 100, day("2024-01-01"), 200)
	require.NoError(t, err)

	_, err = book.Realize(Selector{Ticker: "VTI"}, 150, day("2024-06-01"), 180)
	assert.ErrorIs(t, err, domain.ErrInsufficientQuantity)

	// Nothing was consumed
	assert.InDelta(t, 100, book.Quantity("VTI"), domain.Epsilon)

	_, err = book.Realize(Selector{Ticker: "MISSING"}, 1, day("2024-06-01"), 180)
	assert.ErrorIs(t, err, domain.ErrInsufficientQuantity)
}

func TestTermClassification(t *testing.T) {
	book := newTestBook(t)

	_, err := book.OpenLot("AAPL", 10, day("2024-01-01"), 100)
	require.NoError(t, err)
	_, err = book.OpenLot("MSFT", 10, day("2022-01-01"), 100)
	require.NoError(t, err)

	short, err := book.Realize(Selector{Ticker: "AAPL"}, 10, day("2024-06-01"), 90)
	require.NoError(t, err)
	assert.Equal(t, domain.TermShort, short.Legs[0].Term)

	long, err := book.Realize(Selector{Ticker: "MSFT"}, 10, day("2024-06-01"), 90)
	require.NoError(t, err)
	assert.Equal(t, domain.TermLong, long.Legs[0].Term)
}

func TestRepeatedRealizeExhaustsToExactlyZero(t *testing.T) {
	book := newTestBook(t)
	_, err := book.OpenLot("VTI", 10, day("2024-01-01"), 200)
	require.NoError(t, err)
	_, err = book.OpenLot("VTI", 5.5, day("2024-02-01"), 210)
	require.NoError(t, err)

	// Fractional drains must not leave residual drift
	for i := 0; i < 31; i++ {
		_, err := book.Realize(Selector{Ticker: "VTI"}, 0.5, day("2024-06-01"), 190)
		require.NoError(t, err)
	}

	assert.InDelta(t, 0, book.Quantity("VTI"), domain.Epsilon)
	_, ok := book.Position("VTI")
	assert.False(t, ok)
}

func TestReconcile(t *testing.T) {
	book := newTestBook(t)
	_, err := book.OpenLot("VTI", 100, day("2024-01-01"), 200)
	require.NoError(t, err)

	assert.NoError(t, book.Reconcile("VTI", 100.0005, 0.001))
	assert.ErrorIs(t, book.Reconcile("VTI", 90, 0.001), domain.ErrReconciliationMismatch)
	assert.ErrorIs(t, book.Reconcile("GHOST", 10, 0.001), domain.ErrReconciliationMismatch)
}

func TestAdjustBasisSpreadsDeferredLoss(t *testing.T) {
	book := newTestBook(t)
	lot, err := book.OpenLot("ITOT", 100, day("2024-06-01"), 90)
	require.NoError(t, err)

	// Deferring a $500 disallowed loss raises the unit basis by $5
	require.NoError(t, book.AdjustBasis("ITOT", lot.ID, 500))

	pos, ok := book.Position("ITOT")
	require.True(t, ok)
	assert.InDelta(t, 95, pos.Lots[0].UnitBasis, 0.01)

	assert.ErrorIs(t, book.AdjustBasis("ITOT", "missing", 100), domain.ErrLotNotFound)
}

func TestCloneIsIndependent(t *testing.T) {
	book := newTestBook(t)
	_, err := book.OpenLot("VTI", 100, day("2024-01-01"), 200)
	require.NoError(t, err)

	clone := book.Clone()
	_, err = clone.Realize(Selector{Ticker: "VTI"}, 100, day("2024-06-01"), 180)
	require.NoError(t, err)

	assert.InDelta(t, 100, book.Quantity("VTI"), domain.Epsilon)
	assert.InDelta(t, 0, clone.Quantity("VTI"), domain.Epsilon)
}

func TestAcquisitionDateAccessors(t *testing.T) {
	book := newTestBook(t)
	_, err := book.OpenLot("VTI", 100, day("2023-01-10"), 200)
	require.NoError(t, err)
	_, err = book.OpenLot("VTI", 10, day("2024-05-30"), 190)
	require.NoError(t, err)

	oldest, ok := book.OldestAcquisition("VTI")
	require.True(t, ok)
	assert.Equal(t, day("2023-01-10"), oldest)

	newest, ok := book.NewestAcquisition("VTI")
	require.True(t, ok)
	assert.Equal(t, day("2024-05-30"), newest)

	_, ok = book.NewestAcquisition("GHOST")
	assert.False(t, ok)
}

func TestHoldingDaysInclusive(t *testing.T) {
	assert.Equal(t, 1, holdingDays(day("2024-01-01"), day("2024-01-01")))
	assert.Equal(t, 366, holdingDays(day("2024-01-01"), day("2024-12-31")))
}
