package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

const (
	journalContentType = "application/x-ndjson"
	defaultBatchSize   = 500
)

// JournalSource lists closed positions that have not been archived yet and
// marks them once they are uploaded.
type JournalSource interface {
	ListClosedUnarchived(ctx context.Context, limit int) ([]domain.Position, error)
	MarkArchived(ctx context.Context, ids []string) error
}

// JournalArchiver uploads closed positions as JSONL objects under
// journal/YYYY/MM/DD/positions-<unix>.jsonl.
type JournalArchiver struct {
	writer    domain.BlobWriter
	source    JournalSource
	audit     domain.AuditStore
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
}

// NewJournalArchiver creates a JournalArchiver. audit may be nil.
func NewJournalArchiver(writer domain.BlobWriter, source JournalSource, audit domain.AuditStore, logger *slog.Logger) *JournalArchiver {
	return &JournalArchiver{
		writer:    writer,
		source:    source,
		audit:     audit,
		batchSize: defaultBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "journal_archiver")),
	}
}

// Archive uploads every unarchived closed position, one object per batch,
// and returns how many were archived. A batch is marked archived only after
// its upload succeeded.
func (a *JournalArchiver) Archive(ctx context.Context) (int, error) {
	total := 0
	now := a.now()
	for n := 0; ; n++ {
		batch, err := a.source.ListClosedUnarchived(ctx, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: list closed positions: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		buf, err := marshalJSONL(batch)
		if err != nil {
			return total, fmt.Errorf("s3blob: journal marshal: %w", err)
		}

		key := journalKey(now, n)
		if err := a.writer.Put(ctx, key, buf, journalContentType); err != nil {
			return total, fmt.Errorf("s3blob: journal upload: %w", err)
		}

		ids := make([]string, len(batch))
		for i, p := range batch {
			ids[i] = p.ID
		}
		if err := a.source.MarkArchived(ctx, ids); err != nil {
			return total, fmt.Errorf("s3blob: mark archived: %w", err)
		}
		total += len(batch)

		a.logger.InfoContext(ctx, "journal uploaded",
			slog.String("key", key),
			slog.Int("positions", len(batch)),
		)
		if a.audit != nil {
			if err := a.audit.Log(ctx, "archive.journal", map[string]any{
				"key":   key,
				"count": len(batch),
			}); err != nil {
				a.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
			}
		}

		if len(batch) < a.batchSize {
			return total, nil
		}
	}
}

// journalKey partitions objects by UTC day. Later batches of the same run
// get a numeric suffix.
//
//	journal/2026/01/02/positions-1767312000.jsonl
//	journal/2026/01/02/positions-1767312000-1.jsonl
func journalKey(at time.Time, batch int) string {
	at = at.UTC()
	if batch == 0 {
		return fmt.Sprintf("journal/%s/positions-%d.jsonl", at.Format("2006/01/02"), at.Unix())
	}
	return fmt.Sprintf("journal/%s/positions-%d-%d.jsonl", at.Format("2006/01/02"), at.Unix(), batch)
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
