package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

// SignalStore implements domain.SignalStore using PostgreSQL.
type SignalStore struct {
	pool *pgxpool.Pool
}

// NewSignalStore creates a new SignalStore backed by the given connection pool.
func NewSignalStore(pool *pgxpool.Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

// Insert writes a signal record. Re-inserting the same id updates the
// outcome, which is how a pending signal is resolved.
func (s *SignalStore) Insert(ctx context.Context, rec domain.SignalRecord) error {
	var meta []byte
	if len(rec.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(rec.Metadata); err != nil {
			return fmt.Errorf("postgres: marshal signal metadata: %w", err)
		}
	}

	const query = `
		INSERT INTO signals (
			id, symbol, direction, price, outcome, reason, error,
			position_id, metadata, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			outcome     = EXCLUDED.outcome,
			reason      = EXCLUDED.reason,
			error       = EXCLUDED.error,
			position_id = EXCLUDED.position_id`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.Symbol, string(rec.Direction), rec.Price,
		string(rec.Outcome), rec.Reason, rec.Error,
		rec.PositionID, meta, rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert signal %s: %w", rec.ID, err)
	}
	return nil
}

// ListRecent returns the newest signals first.
func (s *SignalStore) ListRecent(ctx context.Context, limit int) ([]domain.SignalRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, symbol, direction, price, outcome, reason, error,
		       position_id, metadata, received_at
		FROM signals
		ORDER BY received_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list signals: %w", err)
	}
	defer rows.Close()

	var out []domain.SignalRecord
	for rows.Next() {
		var (
			rec                domain.SignalRecord
			direction, outcome string
			meta               []byte
		)
		if err := rows.Scan(
			&rec.ID, &rec.Symbol, &direction, &rec.Price, &outcome,
			&rec.Reason, &rec.Error, &rec.PositionID, &meta, &rec.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan signal: %w", err)
		}
		rec.Direction = domain.Direction(direction)
		rec.Outcome = domain.SignalOutcome(outcome)
		if meta != nil {
			if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal signal metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list signals rows: %w", err)
	}
	return out, nil
}
