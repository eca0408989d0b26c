package scan

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harvester-engine/harvester/internal/domain"
	"github.com/harvester-engine/harvester/internal/modules/carryforward"
	"github.com/harvester-engine/harvester/internal/modules/lots"
	"github.com/harvester-engine/harvester/internal/modules/washsale"
)

func TestSnapshotRoundTrip(t *testing.T) {
	log := zerolog.Nop()
	groups := washsale.NewGroups(map[string][]string{"VTI": {"ITOT"}})

	book := lots.NewBook(365, log)
	book.SetMethod("VTI", domain.DisposalLIFO)
	_, err := book.OpenLot("VTI", 100, day(t, "2023-01-10"), 200)
	require.NoError(t, err)
	_, err = book.OpenLot("VOO", 10, day(t, "2024-02-01"), 450)
	require.NoError(t, err)

	tracker := washsale.NewTracker(groups, 30, log)
	tracker.RecordEventForTicker("VTI", washsale.EventSell, day(t, "2024-06-01"), 100)
	tracker.RecordEventForTicker("ITOT", washsale.EventBuy, day(t, "2024-06-01"), 111)

	ledger := carryforward.NewLedger(3000, log)
	_, err = ledger.ApplyYear(2023, []domain.RealizedEvent{
		{Ticker: "VTI", Date: day(t, "2023-08-01"), Amount: -8000, Term: domain.TermShort},
	})
	require.NoError(t, err)
	ledger.CloseYear(2023)
	_, err = ledger.ApplyYear(2024, nil)
	require.NoError(t, err)
	require.NoError(t, ledger.MarkUtilized(2024, decimal.NewFromInt(1000), decimal.Zero))

	snap := TakeSnapshot(book, tracker, ledger, day(t, "2024-06-02"))
	data, err := snap.Encode()
	require.NoError(t, err)

	decoded, err := DecodeSnapshot(data)
	require.NoError(t, err)

	rBook, rTracker, rLedger, err := decoded.Restore(RestoreParams{
		ShortTermCutoffDays: 365,
		Groups:              groups,
		WashWindowDays:      30,
		AnnualDeductibleCap: 3000,
		Log:                 log,
	})
	require.NoError(t, err)

	assert.InDelta(t, 100, rBook.Quantity("VTI"), 1e-9)
	assert.InDelta(t, 10, rBook.Quantity("VOO"), 1e-9)
	assert.Equal(t, domain.DisposalLIFO, rBook.Method("VTI"))

	_, restricted := rTracker.RestrictedUntilTicker("VTI", day(t, "2024-06-10"))
	assert.True(t, restricted)
	assert.True(t, rTracker.IsWashSaleForTicker("VTI", day(t, "2024-06-10")))

	entry, ok := rLedger.Entry(2023)
	require.True(t, ok)
	assert.True(t, entry.Closed)
	assert.Equal(t, "5000", entry.CarryShort.String())

	avail := rLedger.AvailableLoss(2024)
	assert.Equal(t, "4000", avail.ShortTerm.String())

	// Restored events do not re-enter the pending persistence buffer
	assert.Empty(t, rTracker.Appended())
}

func TestDecodeSnapshotRejectsGarbage(t *testing.T) {
	_, err := DecodeSnapshot([]byte("not msgpack"))
	require.Error(t, err)
}
