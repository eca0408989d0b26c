package lots

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harvester-engine/harvester/internal/database"
	"github.com/harvester-engine/harvester/internal/domain"
)

// Repository persists the lot book between scans.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

const lotsColumns = `id, ticker, quantity, acquired_at, unit_basis`

// NewRepository creates a lot repository and ensures its schema exists.
func NewRepository(db *sql.DB, log zerolog.Logger) (*Repository, error) {
	r := &Repository{
		db:  db,
		log: log.With().Str("repo", "lots").Logger(),
	}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS lots (
			id TEXT PRIMARY KEY,
			ticker TEXT NOT NULL,
			quantity REAL NOT NULL CHECK (quantity > 0),
			acquired_at INTEGER NOT NULL,
			unit_basis REAL NOT NULL CHECK (unit_basis >= 0),
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_lots_ticker ON lots(ticker);

		CREATE TABLE IF NOT EXISTS disposal_methods (
			ticker TEXT PRIMARY KEY,
			method TEXT NOT NULL
		);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize lots schema: %w", err)
	}
	return nil
}

// LoadBook reconstructs the lot book from storage.
func (r *Repository) LoadBook(shortTermCutoffDays int) (*Book, error) {
	book := NewBook(shortTermCutoffDays, r.log)

	rows, err := r.db.Query("SELECT " + lotsColumns + " FROM lots ORDER BY acquired_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to load lots: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var lot domain.Lot
		var acquiredAt int64
		if err := rows.Scan(&lot.ID, &lot.Ticker, &lot.Quantity, &acquiredAt, &lot.UnitBasis); err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		lot.AcquiredAt = time.Unix(acquiredAt, 0).UTC()
		book.RestoreLot(lot)
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lots: %w", err)
	}

	methodRows, err := r.db.Query("SELECT ticker, method FROM disposal_methods")
	if err != nil {
		return nil, fmt.Errorf("failed to load disposal methods: %w", err)
	}
	defer methodRows.Close()

	for methodRows.Next() {
		var ticker, raw string
		if err := methodRows.Scan(&ticker, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan disposal method: %w", err)
		}
		method, err := domain.DisposalMethodFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("stored disposal method for %s: %w", ticker, err)
		}
		book.SetMethod(ticker, method)
	}
	if err := methodRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate disposal methods: %w", err)
	}

	r.log.Debug().Int("lots", count).Msg("Lot book loaded")
	return book, nil
}

// SaveBook writes the book's current state, replacing the stored one.
// Called only from the scan's single committing pass.
func (r *Repository) SaveBook(book *Book) error {
	now := time.Now().Unix()

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM lots"); err != nil {
			return fmt.Errorf("failed to clear lots: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM disposal_methods"); err != nil {
			return fmt.Errorf("failed to clear disposal methods: %w", err)
		}

		for _, pos := range book.Positions() {
			for _, lot := range pos.Lots {
				_, err := tx.Exec(
					"INSERT INTO lots ("+lotsColumns+", updated_at) VALUES (?, ?, ?, ?, ?, ?)",
					lot.ID, lot.Ticker, lot.Quantity, lot.AcquiredAt.Unix(), lot.UnitBasis, now,
				)
				if err != nil {
					return fmt.Errorf("failed to insert lot %s: %w", lot.ID, err)
				}
			}
			_, err := tx.Exec(
				"INSERT INTO disposal_methods (ticker, method) VALUES (?, ?)",
				pos.Ticker, string(pos.Method),
			)
			if err != nil {
				return fmt.Errorf("failed to insert disposal method for %s: %w", pos.Ticker, err)
			}
		}
		return nil
	})
}
