package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

// PositionStore implements domain.PositionRepository. The full record,
// ladder and stop included, lives in the doc column; the scalar columns
// exist for filtering and ad-hoc queries.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Save upserts the position.
func (s *PositionStore) Save(ctx context.Context, p domain.Position) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("postgres: marshal position %s: %w", p.ID, err)
	}

	const query = `
		INSERT INTO positions (
			id, symbol, side, status, entry_price, initial_quantity,
			remaining_quantity, close_reason, signal_id, doc,
			opened_at, updated_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, NOW(), $12
		)
		ON CONFLICT (id) DO UPDATE SET
			status             = EXCLUDED.status,
			entry_price        = EXCLUDED.entry_price,
			initial_quantity   = EXCLUDED.initial_quantity,
			remaining_quantity = EXCLUDED.remaining_quantity,
			close_reason       = EXCLUDED.close_reason,
			doc                = EXCLUDED.doc,
			updated_at         = NOW(),
			closed_at          = EXCLUDED.closed_at`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.Symbol, string(p.Side), string(p.Status),
		p.EntryPrice.String(), p.InitialQuantity.String(), p.RemainingQuantity.String(),
		string(p.CloseReason), p.SignalID, doc,
		p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID returns a single position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM positions WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return decodePosition(doc)
}

// ListOpen returns every position that is not CLOSED, oldest first.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc FROM positions WHERE status <> $1 ORDER BY opened_at`,
		string(domain.PositionStatusClosed),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	return scanDocs(rows)
}

// ListClosedUnarchived returns up to limit closed positions that have not
// been uploaded to the journal yet.
func (s *PositionStore) ListClosedUnarchived(ctx context.Context, limit int) ([]domain.Position, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM positions
		WHERE status = $1 AND archived_at IS NULL
		ORDER BY closed_at
		LIMIT $2`,
		string(domain.PositionStatusClosed), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unarchived positions: %w", err)
	}
	return scanDocs(rows)
}

// MarkArchived stamps archived_at on the given positions.
func (s *PositionStore) MarkArchived(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE positions SET archived_at = NOW() WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("postgres: mark %d positions archived: %w", len(ids), err)
	}
	return nil
}

func scanDocs(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		p, err := decodePosition(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: position rows: %w", err)
	}
	return out, nil
}

func decodePosition(doc []byte) (domain.Position, error) {
	var p domain.Position
	if err := json.Unmarshal(doc, &p); err != nil {
		return domain.Position{}, fmt.Errorf("postgres: decode position: %w", err)
	}
	return p, nil
}
