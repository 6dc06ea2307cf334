package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

type fakeRepo struct {
	mu    sync.Mutex
	saved map[string]domain.Position
	saves int
	open  []domain.Position
}

func newFakeRepo() *fakeRepo { return &fakeRepo{saved: map[string]domain.Position{}} }

func (r *fakeRepo) Save(_ context.Context, p domain.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved[p.ID] = p
	r.saves++
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.saved[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (r *fakeRepo) ListOpen(context.Context) ([]domain.Position, error) { return r.open, nil }

func (r *fakeRepo) ListClosedUnarchived(context.Context, int) ([]domain.Position, error) {
	return nil, nil
}

func (r *fakeRepo) MarkArchived(context.Context, []string) error { return nil }

type flakyLocks struct {
	mu       sync.Mutex
	busyLeft int
	acquired []string
}

func (l *flakyLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busyLeft > 0 {
		l.busyLeft--
		return nil, domain.ErrLockHeld
	}
	l.acquired = append(l.acquired, key)
	return func() {}, nil
}

func newPosition(id string) *domain.Position {
	return &domain.Position{
		ID:                id,
		Symbol:            "BTCUSDT",
		Side:              domain.SideLong,
		Status:            domain.PositionStatusActive,
		EntryPrice:        decimal.NewFromInt(50000),
		InitialQuantity:   decimal.NewFromInt(100),
		RemainingQuantity: decimal.NewFromInt(100),
		StopLoss: domain.StopLoss{
			Price:  decimal.NewFromInt(47500),
			Status: domain.StopStatusMonitored,
		},
		OpenedAt: time.Now(),
	}
}

func TestCreateAndGetReturnCopies(t *testing.T) {
	t.Parallel()

	s := NewPositionStore()
	p := newPosition("p1")
	require.NoError(t, s.Create(context.Background(), p))

	// mutating the caller's value does not leak into the store
	p.Symbol = "ETHUSDT"
	got, err := s.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", got.Symbol)

	got.RemainingQuantity = decimal.Zero
	again, _ := s.Get("p1")
	assert.True(t, again.RemainingQuantity.Equal(decimal.NewFromInt(100)))

	err = s.Create(context.Background(), newPosition("p1"))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestWithLockUnknownPosition(t *testing.T) {
	t.Parallel()

	s := NewPositionStore()
	err := s.WithLock(context.Background(), "missing", func(*domain.Position) error { return nil })
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWithLockSerialisesWriters(t *testing.T) {
	t.Parallel()

	s := NewPositionStore()
	require.NoError(t, s.Create(context.Background(), newPosition("p1")))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithLock(context.Background(), "p1", func(p *domain.Position) error {
				p.Reduce(decimal.NewFromInt(1))
				return nil
			})
		}()
	}
	wg.Wait()

	got, err := s.Get("p1")
	require.NoError(t, err)
	assert.True(t, got.RemainingQuantity.Equal(decimal.NewFromInt(50)), got.RemainingQuantity.String())
}

func TestReadersNeverSeeIntermediateStop(t *testing.T) {
	t.Parallel()

	s := NewPositionStore()
	require.NoError(t, s.Create(context.Background(), newPosition("p1")))

	midway := make(chan struct{})
	resume := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithLock(context.Background(), "p1", func(p *domain.Position) error {
			p.StopLoss.Status = domain.StopStatusCancelled
			close(midway)
			<-resume
			p.StopLoss = domain.StopLoss{Price: p.EntryPrice, Status: domain.StopStatusMonitored}
			return nil
		})
	}()

	<-midway
	during, err := s.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StopStatusMonitored, during.StopLoss.Status)
	assert.True(t, during.StopLoss.Price.Equal(decimal.NewFromInt(47500)))
	close(resume)
	require.NoError(t, <-done)

	after, _ := s.Get("p1")
	assert.True(t, after.StopLoss.Price.Equal(decimal.NewFromInt(50000)))
	assert.True(t, after.StopLoss.Armed())
}

func TestWithLockHonoursContext(t *testing.T) {
	t.Parallel()

	s := NewPositionStore()
	require.NoError(t, s.Create(context.Background(), newPosition("p1")))

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithLock(context.Background(), "p1", func(*domain.Position) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.WithLock(ctx, "p1", func(*domain.Position) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestWithLockPersistsEvenOnError(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	s := NewPositionStore(WithRepository(repo))
	require.NoError(t, s.Create(context.Background(), newPosition("p1")))

	boom := errors.New("boom")
	err := s.WithLock(context.Background(), "p1", func(p *domain.Position) error {
		p.Status = domain.PositionStatusClosingFailed
		return boom
	})
	assert.ErrorIs(t, err, boom)

	saved, err := repo.GetByID(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosingFailed, saved.Status)
	assert.Equal(t, 2, repo.saves)
}

func TestDistributedLockRetriesWhileHeld(t *testing.T) {
	t.Parallel()

	locks := &flakyLocks{busyLeft: 2}
	s := NewPositionStore(WithLockManager(locks, time.Second))
	require.NoError(t, s.Create(context.Background(), newPosition("p1")))

	require.NoError(t, s.WithLock(context.Background(), "p1", func(*domain.Position) error { return nil }))
	assert.Equal(t, []string{"position:p1"}, locks.acquired)
}

func TestRestoreAndPrune(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.open = []domain.Position{*newPosition("a"), *newPosition("b")}
	s := NewPositionStore(WithRepository(repo))

	n, stranded, err := s.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, stranded)
	assert.Len(t, s.ListActive(), 2)
	assert.Len(t, s.OpenBySymbol("BTCUSDT"), 2)

	require.NoError(t, s.WithLock(context.Background(), "a", func(p *domain.Position) error {
		p.MarkClosed(domain.CloseReasonRunner, time.Now().Add(-time.Hour))
		return nil
	}))
	assert.Equal(t, 1, s.Prune(time.Now()))
	_, err = s.Get("a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Len(t, s.List(nil), 1)
}

func TestRestoreFlagsPositionsLeftOpening(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	opening := newPosition("mid-entry")
	opening.Status = domain.PositionStatusOpening
	repo.open = []domain.Position{*newPosition("ok"), *opening}
	s := NewPositionStore(WithRepository(repo))

	n, stranded, err := s.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, stranded, 1)
	assert.Equal(t, "mid-entry", stranded[0].ID)

	got, err := s.Get("mid-entry")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosingFailed, got.Status)
	assert.Equal(t, domain.CloseReasonCritical, got.CloseReason)
	assert.NotEmpty(t, got.LastError)

	// only the healthy position is monitored
	active := s.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, "ok", active[0].ID)

	// the flag is durable
	saved, err := repo.GetByID(context.Background(), "mid-entry")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosingFailed, saved.Status)
}
