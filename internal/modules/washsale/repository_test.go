package washsale

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestEventRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	repo, err := NewRepository(db, zerolog.Nop())
	require.NoError(t, err)
	return repo
}

func TestAppendAndLoadTracker(t *testing.T) {
	repo := newTestEventRepo(t)
	log := zerolog.Nop()
	groups := NewGroups(map[string][]string{"VTI": {"ITOT"}})

	tracker := NewTracker(groups, 30, log)
	saleDate := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	tracker.RecordEventForTicker("VTI", EventSell, saleDate, 100)
	tracker.RecordEventForTicker("ITOT", EventBuy, saleDate, 110)

	require.NoError(t, repo.Append(tracker.Appended()))
	tracker.ResetAppended()

	loaded, err := repo.LoadTracker(groups, 30)
	require.NoError(t, err)

	// Restored events affect queries but are not pending persistence again
	assert.Empty(t, loaded.Appended())
	assert.True(t, loaded.IsWashSaleForTicker("VTI", saleDate.AddDate(0, 0, 10)))
	_, restricted := loaded.RestrictedUntilTicker("VTI", saleDate.AddDate(0, 0, 10))
	assert.True(t, restricted)
}

func TestAppendNothingIsNoop(t *testing.T) {
	repo := newTestEventRepo(t)
	require.NoError(t, repo.Append(nil))
}

func TestDeleteOlderThanSweepsOnlyOldEvents(t *testing.T) {
	repo := newTestEventRepo(t)
	groups := NewGroups(map[string][]string{"VTI": {"ITOT"}})

	old := Event{GroupID: "VTI", Ticker: "VTI", Kind: EventSell, Date: time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC), Quantity: 10}
	recent := Event{GroupID: "VTI", Ticker: "VTI", Kind: EventSell, Date: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), Quantity: 20}
	require.NoError(t, repo.Append([]Event{old, recent}))

	n, err := repo.DeleteOlderThan(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	loaded, err := repo.LoadTracker(groups, 30)
	require.NoError(t, err)
	events := loaded.Events("VTI")
	require.Len(t, events, 1)
	assert.InDelta(t, 20, events[0].Quantity, 1e-9)
}
