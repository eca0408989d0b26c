package carryforward

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/harvester-engine/harvester/internal/database"
	"github.com/harvester-engine/harvester/internal/domain"
)

// Repository persists realized events and per-year state. Entries are
// derived, not stored: the ledger recomputes them on load so the netting
// logic has a single home.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a carryforward repository and ensures its schema.
func NewRepository(db *sql.DB, log zerolog.Logger) (*Repository, error) {
	r := &Repository{
		db:  db,
		log: log.With().Str("repo", "carryforward").Logger(),
	}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS realized_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tax_year INTEGER NOT NULL,
			ticker TEXT NOT NULL,
			event_date INTEGER NOT NULL,
			amount TEXT NOT NULL,
			term TEXT NOT NULL CHECK (term IN ('short', 'long')),
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_realized_year ON realized_events(tax_year);

		CREATE TABLE IF NOT EXISTS tax_years (
			tax_year INTEGER PRIMARY KEY,
			closed INTEGER NOT NULL DEFAULT 0,
			utilized_short TEXT NOT NULL DEFAULT '0',
			utilized_long TEXT NOT NULL DEFAULT '0',
			updated_at INTEGER NOT NULL
		);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize carryforward schema: %w", err)
	}
	return nil
}

// LoadLedger reconstructs the ledger from persisted events and year state.
func (r *Repository) LoadLedger(deductibleCapUSD float64) (*Ledger, error) {
	ledger := NewLedger(deductibleCapUSD, r.log)

	eventsByYear := make(map[int][]domain.RealizedEvent)
	rows, err := r.db.Query("SELECT tax_year, ticker, event_date, amount, term FROM realized_events ORDER BY tax_year, event_date, id")
	if err != nil {
		return nil, fmt.Errorf("failed to load realized events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var year int
		var e domain.RealizedEvent
		var date int64
		var amount, term string
		if err := rows.Scan(&year, &e.Ticker, &date, &amount, &term); err != nil {
			return nil, fmt.Errorf("failed to scan realized event: %w", err)
		}
		dec, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("failed to parse realized amount %q: %w", amount, err)
		}
		e.Amount, _ = dec.Float64()
		e.Date = time.Unix(date, 0).UTC()
		e.Term = domain.Term(term)
		eventsByYear[year] = append(eventsByYear[year], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate realized events: %w", err)
	}

	yearRows, err := r.db.Query("SELECT tax_year, closed, utilized_short, utilized_long FROM tax_years")
	if err != nil {
		return nil, fmt.Errorf("failed to load tax years: %w", err)
	}
	defer yearRows.Close()

	seen := make(map[int]bool)
	for yearRows.Next() {
		var year, closed int
		var us, ul string
		if err := yearRows.Scan(&year, &closed, &us, &ul); err != nil {
			return nil, fmt.Errorf("failed to scan tax year: %w", err)
		}
		utilizedShort, err := decimal.NewFromString(us)
		if err != nil {
			return nil, fmt.Errorf("failed to parse utilized short %q: %w", us, err)
		}
		utilizedLong, err := decimal.NewFromString(ul)
		if err != nil {
			return nil, fmt.Errorf("failed to parse utilized long %q: %w", ul, err)
		}
		ledger.Restore(year, eventsByYear[year], closed != 0, utilizedShort, utilizedLong)
		seen[year] = true
	}
	if err := yearRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tax years: %w", err)
	}

	for year, events := range eventsByYear {
		if !seen[year] {
			ledger.Restore(year, events, false, decimal.Zero, decimal.Zero)
		}
	}

	ledger.Recompute()
	return ledger, nil
}

// SaveYear persists a year's events and state wholesale. Events for the
// year are replaced, matching the ledger's authoritative in-memory log.
func (r *Repository) SaveYear(ledger *Ledger, year int) error {
	events := ledger.Events(year)
	utilizedShort, utilizedLong := ledger.Utilization(year)
	entry, ok := ledger.Entry(year)
	if !ok {
		return fmt.Errorf("tax year %d has no entry", year)
	}
	now := time.Now().Unix()

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM realized_events WHERE tax_year = ?", year); err != nil {
			return fmt.Errorf("failed to clear realized events for %d: %w", year, err)
		}
		for _, e := range events {
			_, err := tx.Exec(
				"INSERT INTO realized_events (tax_year, ticker, event_date, amount, term, created_at) VALUES (?, ?, ?, ?, ?, ?)",
				year, e.Ticker, e.Date.Unix(), decimal.NewFromFloat(e.Amount).String(), string(e.Term), now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert realized event: %w", err)
			}
		}

		_, err := tx.Exec(
			`INSERT INTO tax_years (tax_year, closed, utilized_short, utilized_long, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(tax_year) DO UPDATE SET
				closed = excluded.closed,
				utilized_short = excluded.utilized_short,
				utilized_long = excluded.utilized_long,
				updated_at = excluded.updated_at`,
			year, boolToInt(entry.Closed), utilizedShort.String(), utilizedLong.String(), now,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert tax year %d: %w", year, err)
		}
		return nil
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
