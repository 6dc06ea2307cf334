// Package memory holds the live position table. Every read-modify-write of a
// position goes through WithLock, which serialises access per position id
// (and, when a distributed LockManager is configured, across processes).
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/tvrelay/internal/domain"
)

// lockRetry is how often a held distributed lock is re-attempted.
const lockRetry = 50 * time.Millisecond

// PositionStore is the concurrency-safe position table.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]*domain.Position

	idLocks     *keyedMutex
	symbolLocks *keyedMutex

	repo    domain.PositionRepository
	dlock   domain.LockManager
	lockTTL time.Duration
	logger  *slog.Logger
}

// Option configures a PositionStore.
type Option func(*PositionStore)

// WithRepository enables write-through persistence.
func WithRepository(repo domain.PositionRepository) Option {
	return func(s *PositionStore) { s.repo = repo }
}

// WithLockManager adds a cross-process lock around every mutation.
func WithLockManager(lm domain.LockManager, ttl time.Duration) Option {
	return func(s *PositionStore) {
		s.dlock = lm
		s.lockTTL = ttl
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *PositionStore) { s.logger = l }
}

// NewPositionStore creates an empty store.
func NewPositionStore(opts ...Option) *PositionStore {
	s := &PositionStore{
		positions:   make(map[string]*domain.Position),
		idLocks:     newKeyedMutex(),
		symbolLocks: newKeyedMutex(),
		lockTTL:     30 * time.Second,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With(slog.String("component", "position_store"))
	return s
}

// Create inserts a new position. The caller keeps no reference to pos; all
// later changes go through WithLock.
func (s *PositionStore) Create(ctx context.Context, pos *domain.Position) error {
	if pos == nil || pos.ID == "" {
		return fmt.Errorf("memory: create: %w", domain.ErrNotFound)
	}
	s.mu.Lock()
	if _, exists := s.positions[pos.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("memory: create %s: %w", pos.ID, domain.ErrAlreadyExists)
	}
	live := pos.Clone()
	s.positions[pos.ID] = live
	s.mu.Unlock()

	s.persist(ctx, live)
	return nil
}

// WithLock runs fn on a working copy of position id while holding that
// position's exclusive lock, then publishes the copy in one swap. Readers see
// either the previous record or the new one, never a partial update. The
// copy is published and persisted even when fn returns an error, since
// exchange side effects may already have happened.
func (s *PositionStore) WithLock(ctx context.Context, id string, fn func(p *domain.Position) error) error {
	unlock, err := s.lock(ctx, "position:"+id, s.idLocks)
	if err != nil {
		return fmt.Errorf("memory: lock %s: %w", id, err)
	}
	defer unlock()

	s.mu.RLock()
	cur, ok := s.positions[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("memory: position %s: %w", id, domain.ErrNotFound)
	}

	work := cur.Clone()
	fnErr := fn(work)

	// Published records are never mutated again; the next writer clones.
	s.mu.Lock()
	s.positions[id] = work
	s.mu.Unlock()

	s.persist(ctx, work)
	return fnErr
}

// LockSymbol serialises position opening for one symbol.
func (s *PositionStore) LockSymbol(ctx context.Context, symbol string) (func(), error) {
	unlock, err := s.lock(ctx, "symbol:"+symbol, s.symbolLocks)
	if err != nil {
		return nil, fmt.Errorf("memory: lock symbol %s: %w", symbol, err)
	}
	return unlock, nil
}

// Get returns a copy of the position.
func (s *PositionStore) Get(id string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("memory: position %s: %w", id, domain.ErrNotFound)
	}
	return p.Clone(), nil
}

// List returns copies of every position matching keep (all when nil),
// oldest first.
func (s *PositionStore) List(keep func(*domain.Position) bool) []*domain.Position {
	s.mu.RLock()
	out := make([]*domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		if keep == nil || keep(p) {
			out = append(out, p.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// ListActive returns copies of every ACTIVE position.
func (s *PositionStore) ListActive() []*domain.Position {
	return s.List(func(p *domain.Position) bool { return p.Status == domain.PositionStatusActive })
}

// OpenBySymbol returns copies of every not-yet-closed position on symbol.
func (s *PositionStore) OpenBySymbol(symbol string) []*domain.Position {
	return s.List(func(p *domain.Position) bool { return p.Symbol == symbol && p.Status.Open() })
}

// Restore loads open positions from the repository, replacing nothing that
// is already in memory. A position still OPENING was left behind by a
// process that stopped mid-entry; no monitor owns it, so it is restored as
// CLOSING_FAILED and returned in stranded for an operator to resolve.
func (s *PositionStore) Restore(ctx context.Context) (restored int, stranded []*domain.Position, err error) {
	if s.repo == nil {
		return 0, nil, nil
	}
	open, err := s.repo.ListOpen(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("memory: restore: %w", err)
	}
	now := time.Now().UTC()
	s.mu.Lock()
	for i := range open {
		p := open[i].Clone()
		if _, exists := s.positions[p.ID]; exists {
			continue
		}
		if p.Status == domain.PositionStatusOpening {
			p.Status = domain.PositionStatusClosingFailed
			p.CloseReason = domain.CloseReasonCritical
			p.LastError = "restored while opening: entry outcome unknown, check the exchange"
			p.UpdatedAt = now
			stranded = append(stranded, p.Clone())
		}
		s.positions[p.ID] = p
		restored++
	}
	s.mu.Unlock()

	for _, p := range stranded {
		s.logger.Error("position stranded mid-entry",
			slog.String("severity", "critical"),
			slog.String("position_id", p.ID),
			slog.String("symbol", p.Symbol),
		)
		s.persist(ctx, p)
	}
	return restored, stranded, nil
}

// Prune drops closed positions that closed before cutoff from memory. They
// remain in the repository.
func (s *PositionStore) Prune(cutoff time.Time) int {
	s.mu.Lock()
	var removed []string
	for id, p := range s.positions {
		if p.Status == domain.PositionStatusClosed && p.ClosedAt != nil && p.ClosedAt.Before(cutoff) {
			delete(s.positions, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()
	for _, id := range removed {
		s.idLocks.Forget("position:" + id)
	}
	return len(removed)
}

func (s *PositionStore) lock(ctx context.Context, key string, local *keyedMutex) (func(), error) {
	unlockLocal, err := local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	if s.dlock == nil {
		return unlockLocal, nil
	}

	for {
		unlockRemote, err := s.dlock.Acquire(ctx, key, s.lockTTL)
		if err == nil {
			return func() {
				unlockRemote()
				unlockLocal()
			}, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			unlockLocal()
			return nil, err
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-time.After(lockRetry):
		}
	}
}

func (s *PositionStore) persist(ctx context.Context, p *domain.Position) {
	if s.repo == nil {
		return
	}
	// Persist even if the caller's context is already cancelled so the
	// durable copy never lags behind an exchange-side change.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.repo.Save(saveCtx, *p); err != nil {
		s.logger.Error("persist position failed",
			slog.String("position_id", p.ID),
			slog.String("status", string(p.Status)),
			slog.String("error", err.Error()),
		)
	}
}
