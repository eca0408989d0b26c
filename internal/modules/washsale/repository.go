package washsale

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harvester-engine/harvester/internal/database"
)

// Repository persists the append-only wash-sale event log.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

const eventsColumns = `group_id, ticker, kind, event_date, quantity`

// NewRepository creates a wash-sale event repository and ensures its schema.
func NewRepository(db *sql.DB, log zerolog.Logger) (*Repository, error) {
	r := &Repository{
		db:  db,
		log: log.With().Str("repo", "washsale").Logger(),
	}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS wash_sale_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id TEXT NOT NULL,
			ticker TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL CHECK (kind IN ('buy', 'sell', 'planned_buy')),
			event_date INTEGER NOT NULL,
			quantity REAL NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_wash_events_group ON wash_sale_events(group_id, event_date);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize wash sale schema: %w", err)
	}
	return nil
}

// LoadTracker reconstructs a tracker from the persisted event log.
func (r *Repository) LoadTracker(groups *Groups, windowDays int) (*Tracker, error) {
	tracker := NewTracker(groups, windowDays, r.log)

	rows, err := r.db.Query("SELECT " + eventsColumns + " FROM wash_sale_events ORDER BY event_date, id")
	if err != nil {
		return nil, fmt.Errorf("failed to load wash sale events: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var e Event
		var kind string
		var date int64
		if err := rows.Scan(&e.GroupID, &e.Ticker, &kind, &date, &e.Quantity); err != nil {
			return nil, fmt.Errorf("failed to scan wash sale event: %w", err)
		}
		e.Kind = EventKind(kind)
		e.Date = time.Unix(date, 0).UTC()
		tracker.Restore(e)
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate wash sale events: %w", err)
	}

	r.log.Debug().Int("events", count).Msg("Wash sale event log loaded")
	return tracker, nil
}

// DeleteOlderThan removes events dated before the cutoff. Events that far
// back can no longer affect any window query; the sweep only bounds table
// growth and takes effect on the next tracker load.
func (r *Repository) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec("DELETE FROM wash_sale_events WHERE event_date < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep wash sale events: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Old wash sale events swept")
	}
	return n, nil
}

// Append persists newly recorded events. The log is append-only: nothing is
// ever updated or deleted here.
func (r *Repository) Append(events []Event) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now().Unix()

	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		for _, e := range events {
			_, err := tx.Exec(
				"INSERT INTO wash_sale_events ("+eventsColumns+", created_at) VALUES (?, ?, ?, ?, ?, ?)",
				e.GroupID, e.Ticker, string(e.Kind), e.Date.Unix(), e.Quantity, now,
			)
			if err != nil {
				return fmt.Errorf("failed to append wash sale event: %w", err)
			}
		}
		return nil
	})
}
