package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionRepository persists positions behind the in-memory store.
type PositionRepository interface {
	Save(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	ListClosedUnarchived(ctx context.Context, limit int) ([]Position, error)
	MarkArchived(ctx context.Context, ids []string) error
}

// SignalStore persists the signal history.
type SignalStore interface {
	Insert(ctx context.Context, rec SignalRecord) error
	ListRecent(ctx context.Context, limit int) ([]SignalRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// BlobWriter uploads archive objects.
type BlobWriter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}
