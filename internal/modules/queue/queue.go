// Package queue implements the harvest approval queue: scans enqueue
// selected candidates as pending items; a human approves or rejects them;
// approved items execute on the next live scan. Pending items expire after
// a TTL because their prices go stale.
package queue

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harvester-engine/harvester/internal/domain"
)

// Status of a queued item.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
	StatusExpired  Status = "expired"
)

// Item is one queued harvest awaiting approval.
type Item struct {
	ID           string
	Ticker       string
	Action       domain.TradeAction
	Quantity     float64
	CurrentPrice float64
	Notional     float64
	TaxBenefit   float64
	SwapTarget   string // substitute ticker for swap-strategy harvests
	Reason       string
	Status       Status
	CreatedAt    time.Time
	ExecutedAt   *time.Time
	FillPrice    float64
}

// Service manages the approval queue, backed by sqlite.
type Service struct {
	db  *sql.DB
	ttl time.Duration
	log zerolog.Logger
}

const itemColumns = `id, ticker, action, quantity, current_price, notional,
	tax_benefit, swap_target, reason, status, created_at, executed_at, fill_price`

// NewService creates the queue service and ensures its schema.
func NewService(db *sql.DB, ttl time.Duration, log zerolog.Logger) (*Service, error) {
	s := &Service{
		db:  db,
		ttl: ttl,
		log: log.With().Str("service", "queue").Logger(),
	}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS queue_items (
			id TEXT PRIMARY KEY,
			ticker TEXT NOT NULL,
			action TEXT NOT NULL CHECK (action IN ('buy', 'sell')),
			quantity REAL NOT NULL,
			current_price REAL NOT NULL,
			notional REAL NOT NULL,
			tax_benefit REAL NOT NULL DEFAULT 0,
			swap_target TEXT,
			reason TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			executed_at INTEGER,
			fill_price REAL NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_queue_status ON queue_items(status, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return nil
}

// EnqueueCandidate adds a selected harvest candidate as a pending sell.
func (s *Service) EnqueueCandidate(c domain.Candidate, swapTarget string, at time.Time) (*Item, error) {
	item := &Item{
		ID:           uuid.New().String(),
		Ticker:       c.Ticker,
		Action:       domain.ActionSell,
		Quantity:     c.Quantity,
		CurrentPrice: c.CurrentPrice,
		Notional:     c.MarketValue,
		TaxBenefit:   c.TaxBenefit,
		SwapTarget:   swapTarget,
		Reason:       fmt.Sprintf("harvest $%.2f loss", c.Loss()),
		Status:       StatusPending,
		CreatedAt:    at,
	}
	if err := s.insert(item); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("item_id", item.ID).
		Str("ticker", item.Ticker).
		Float64("tax_benefit", item.TaxBenefit).
		Msg("Harvest candidate enqueued")
	return item, nil
}

func (s *Service) insert(item *Item) error {
	_, err := s.db.Exec(
		`INSERT INTO queue_items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Ticker, string(item.Action), item.Quantity, item.CurrentPrice, item.Notional,
		item.TaxBenefit, item.SwapTarget, item.Reason, string(item.Status),
		item.CreatedAt.Unix(), nil, item.FillPrice,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue item: %w", err)
	}
	return nil
}

// Approve moves a pending item to approved.
func (s *Service) Approve(id string) error {
	return s.transition(id, StatusPending, StatusApproved)
}

// Reject moves a pending item to rejected.
func (s *Service) Reject(id string) error {
	return s.transition(id, StatusPending, StatusRejected)
}

func (s *Service) transition(id string, from, to Status) error {
	res, err := s.db.Exec(
		"UPDATE queue_items SET status = ? WHERE id = ? AND status = ?",
		string(to), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update queue item %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("queue item %s not found or not %s", id, from)
	}

	s.log.Info().Str("item_id", id).Str("status", string(to)).Msg("Queue item updated")
	return nil
}

// MarkExecuted records a fill for an approved item.
func (s *Service) MarkExecuted(id string, fillPrice float64, at time.Time) error {
	res, err := s.db.Exec(
		"UPDATE queue_items SET status = ?, executed_at = ?, fill_price = ? WHERE id = ? AND status = ?",
		string(StatusExecuted), at.Unix(), fillPrice, id, string(StatusApproved),
	)
	if err != nil {
		return fmt.Errorf("failed to mark queue item %s executed: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("queue item %s not found or not approved", id)
	}
	return nil
}

// MarkFailed records an execution failure for an approved item.
func (s *Service) MarkFailed(id string) error {
	return s.transition(id, StatusApproved, StatusFailed)
}

// Pending returns pending items, oldest first.
func (s *Service) Pending() ([]*Item, error) {
	return s.byStatus(StatusPending)
}

// Approved returns approved items awaiting execution, oldest first.
func (s *Service) Approved() ([]*Item, error) {
	return s.byStatus(StatusApproved)
}

func (s *Service) byStatus(status Status) ([]*Item, error) {
	return s.query(
		"SELECT "+itemColumns+" FROM queue_items WHERE status = ? ORDER BY created_at, id",
		string(status),
	)
}

// All returns every item, newest first.
func (s *Service) All() ([]*Item, error) {
	return s.query("SELECT " + itemColumns + " FROM queue_items ORDER BY created_at DESC, id")
}

// Get returns one item by id.
func (s *Service) Get(id string) (*Item, error) {
	items, err := s.query("SELECT "+itemColumns+" FROM queue_items WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("queue item %s not found", id)
	}
	return items[0], nil
}

// ExpireStale marks pending items older than the TTL as expired and
// returns how many were swept. Quotes behind an expired item are too old
// to act on; a later scan re-enqueues the candidate if it still qualifies.
func (s *Service) ExpireStale(now time.Time) (int, error) {
	cutoff := now.Add(-s.ttl).Unix()
	res, err := s.db.Exec(
		"UPDATE queue_items SET status = ? WHERE status = ? AND created_at < ?",
		string(StatusExpired), string(StatusPending), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale queue items: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	if affected > 0 {
		s.log.Info().Int64("expired", affected).Msg("Stale queue items swept")
	}
	return int(affected), nil
}

func (s *Service) query(q string, args ...interface{}) ([]*Item, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		var item Item
		var action, status string
		var swapTarget sql.NullString
		var createdAt int64
		var executedAt sql.NullInt64
		err := rows.Scan(
			&item.ID, &item.Ticker, &action, &item.Quantity, &item.CurrentPrice, &item.Notional,
			&item.TaxBenefit, &swapTarget, &item.Reason, &status, &createdAt, &executedAt, &item.FillPrice,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		item.Action = domain.TradeAction(action)
		item.Status = Status(status)
		item.SwapTarget = swapTarget.String
		item.CreatedAt = time.Unix(createdAt, 0).UTC()
		if executedAt.Valid {
			t := time.Unix(executedAt.Int64, 0).UTC()
			item.ExecutedAt = &t
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue items: %w", err)
	}
	return items, nil
}
