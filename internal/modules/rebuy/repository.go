package rebuy

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harvester-engine/harvester/internal/config"
	"github.com/harvester-engine/harvester/internal/domain"
)

// Repository persists harvest records. Records are archived, never deleted:
// closed records feed the carryforward aggregation and the audit surface.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

const recordColumns = `id, lot_id, ticker, group_id, sale_date, quantity, sale_price,
	realized_loss, term, strategy, state, deferred, deferred_lot_id,
	substitute_ticker, substitute_qty, earliest_rebuy, swap_back_at, closed_at, aggregated`

// NewRepository creates a harvest record repository and ensures its schema.
func NewRepository(db *sql.DB, log zerolog.Logger) (*Repository, error) {
	r := &Repository{
		db:  db,
		log: log.With().Str("repo", "rebuy").Logger(),
	}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS harvest_records (
			id TEXT PRIMARY KEY,
			lot_id TEXT NOT NULL,
			ticker TEXT NOT NULL,
			group_id TEXT NOT NULL,
			sale_date INTEGER NOT NULL,
			quantity REAL NOT NULL,
			sale_price REAL NOT NULL,
			realized_loss REAL NOT NULL,
			term TEXT NOT NULL CHECK (term IN ('short', 'long')),
			strategy TEXT NOT NULL,
			state TEXT NOT NULL,
			deferred INTEGER NOT NULL DEFAULT 0,
			deferred_lot_id TEXT,
			substitute_ticker TEXT,
			substitute_qty REAL NOT NULL DEFAULT 0,
			earliest_rebuy INTEGER,
			swap_back_at INTEGER,
			closed_at INTEGER,
			aggregated INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_harvest_state ON harvest_records(state);
		CREATE INDEX IF NOT EXISTS idx_harvest_sale_date ON harvest_records(sale_date);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize harvest records schema: %w", err)
	}
	return nil
}

// Create inserts a new harvest record.
func (r *Repository) Create(rec *HarvestRecord) error {
	now := time.Now().Unix()
	_, err := r.db.Exec(
		`INSERT INTO harvest_records (`+recordColumns+`, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.LotID, rec.Ticker, rec.GroupID, rec.SaleDate.Unix(), rec.Quantity, rec.SalePrice,
		rec.RealizedLoss, string(rec.Term), string(rec.Strategy), string(rec.State),
		boolToInt(rec.Deferred), nullString(rec.DeferredLotID),
		nullString(rec.SubstituteTicker), rec.SubstituteQty,
		nullTime(rec.EarliestRebuy), nullTime(rec.SwapBackAt), nullTimePtr(rec.ClosedAt),
		boolToInt(rec.Aggregated), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create harvest record: %w", err)
	}

	r.log.Info().
		Str("harvest_id", rec.ID).
		Str("ticker", rec.Ticker).
		Str("state", string(rec.State)).
		Msg("Harvest record created")
	return nil
}

// Update rewrites a record's mutable lifecycle fields.
func (r *Repository) Update(rec *HarvestRecord) error {
	res, err := r.db.Exec(
		`UPDATE harvest_records SET state = ?, deferred = ?, deferred_lot_id = ?,
			substitute_ticker = ?, substitute_qty = ?, earliest_rebuy = ?,
			swap_back_at = ?, closed_at = ?, aggregated = ?, updated_at = ?
		 WHERE id = ?`,
		string(rec.State), boolToInt(rec.Deferred), nullString(rec.DeferredLotID),
		nullString(rec.SubstituteTicker), rec.SubstituteQty,
		nullTime(rec.EarliestRebuy), nullTime(rec.SwapBackAt), nullTimePtr(rec.ClosedAt),
		boolToInt(rec.Aggregated), time.Now().Unix(), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update harvest record %s: %w", rec.ID, err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("harvest record %s not found", rec.ID)
	}
	return nil
}

// GetOpen retrieves all records that still need state machine attention.
func (r *Repository) GetOpen() ([]*HarvestRecord, error) {
	return r.query("SELECT " + recordColumns + " FROM harvest_records WHERE state != 'closed' ORDER BY sale_date, id")
}

// GetUnaggregated retrieves closed, non-deferred records whose realized
// loss has not yet been fed to the carryforward ledger.
func (r *Repository) GetUnaggregated() ([]*HarvestRecord, error) {
	return r.query(`SELECT ` + recordColumns + ` FROM harvest_records
		WHERE state = 'closed' AND deferred = 0 AND aggregated = 0 ORDER BY sale_date, id`)
}

// GetByYear retrieves all records whose sale date falls in a tax year.
func (r *Repository) GetByYear(year int) ([]*HarvestRecord, error) {
	start := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	end := time.Date(year+1, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
	return r.query(
		"SELECT "+recordColumns+" FROM harvest_records WHERE sale_date >= ? AND sale_date < ? ORDER BY sale_date, id",
		start, end,
	)
}

func (r *Repository) query(q string, args ...interface{}) ([]*HarvestRecord, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query harvest records: %w", err)
	}
	defer rows.Close()

	var records []*HarvestRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate harvest records: %w", err)
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (*HarvestRecord, error) {
	var rec HarvestRecord
	var saleDate int64
	var term, strategy, state string
	var deferred, aggregated int
	var deferredLotID, substituteTicker sql.NullString
	var earliestRebuy, swapBackAt, closedAt sql.NullInt64

	err := rows.Scan(
		&rec.ID, &rec.LotID, &rec.Ticker, &rec.GroupID, &saleDate, &rec.Quantity, &rec.SalePrice,
		&rec.RealizedLoss, &term, &strategy, &state, &deferred, &deferredLotID,
		&substituteTicker, &rec.SubstituteQty, &earliestRebuy, &swapBackAt, &closedAt, &aggregated,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan harvest record: %w", err)
	}

	rec.SaleDate = time.Unix(saleDate, 0).UTC()
	rec.Term = domain.Term(term)
	rec.Strategy = config.RebuyStrategy(strategy)
	rec.State = State(state)
	rec.Deferred = deferred != 0
	rec.Aggregated = aggregated != 0
	rec.DeferredLotID = deferredLotID.String
	rec.SubstituteTicker = substituteTicker.String
	if earliestRebuy.Valid {
		rec.EarliestRebuy = time.Unix(earliestRebuy.Int64, 0).UTC()
	}
	if swapBackAt.Valid {
		rec.SwapBackAt = time.Unix(swapBackAt.Int64, 0).UTC()
	}
	if closedAt.Valid {
		t := time.Unix(closedAt.Int64, 0).UTC()
		rec.ClosedAt = &t
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func nullTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
