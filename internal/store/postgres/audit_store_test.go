package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

func TestAuditQuery(t *testing.T) {
	t.Parallel()

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(time.Hour)

	tests := []struct {
		name  string
		opts  domain.ListOpts
		query string
		nargs int
	}{
		{
			name:  "no filters",
			query: "SELECT id, event, detail, created_at FROM audit_log ORDER BY created_at DESC",
		},
		{
			name:  "window and paging",
			opts:  domain.ListOpts{Since: &since, Until: &until, Limit: 20, Offset: 40},
			query: "SELECT id, event, detail, created_at FROM audit_log WHERE created_at >= $1 AND created_at <= $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4",
			nargs: 4,
		},
		{
			name:  "limit only",
			opts:  domain.ListOpts{Limit: 5},
			query: "SELECT id, event, detail, created_at FROM audit_log ORDER BY created_at DESC LIMIT $1",
			nargs: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q, args := auditQuery(tt.opts)
			assert.Equal(t, tt.query, q)
			assert.Len(t, args, tt.nargs)
		})
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	t.Parallel()
	names, err := migrationNames()
	assert.NoError(t, err)
	assert.Equal(t, []string{"001_init.sql"}, names)
}
