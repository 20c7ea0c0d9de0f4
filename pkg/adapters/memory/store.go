package memory

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/aretw0/tessera/internal/logging"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/ports"
)

// Store implements ports.ConditionalStore in memory.
// Safe for concurrent use. Expired items are invisible immediately and are
// physically removed by Sweep, which Run calls periodically.
type Store struct {
	mu    sync.RWMutex
	items map[string]ports.Item

	schema        ports.Schema
	now           func() time.Time
	sweepInterval time.Duration
	logger        *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithSchema sets the attribute names used to locate the TTL attribute.
func WithSchema(schema ports.Schema) Option {
	return func(s *Store) {
		s.schema = schema.WithDefaults()
	}
}

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithSweepInterval sets how often Run purges expired items.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		s.sweepInterval = d
	}
}

// WithLogger configures a logger for sweeper events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a new in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		items:         make(map[string]ports.Item),
		schema:        ports.DefaultSchema(),
		now:           time.Now,
		sweepInterval: time.Minute,
		logger:        logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a copy of the live item under key.
func (s *Store) Get(ctx context.Context, key string) (ports.Item, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.live(key)
	if !ok {
		return nil, false, nil
	}
	return maps.Clone(item), true, nil
}

// PutIfAbsent stores a copy of item unless a live one exists.
func (s *Store) PutIfAbsent(ctx context.Context, key string, item ports.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return domain.ErrConditionFailed
	}
	s.items[key] = maps.Clone(item)
	return nil
}

// PutIfPresent replaces the live item under key.
func (s *Store) PutIfPresent(ctx context.Context, key string, item ports.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); !ok {
		return domain.ErrConditionFailed
	}
	s.items[key] = maps.Clone(item)
	return nil
}

// SetAttribute updates one attribute of the live item under key.
func (s *Store) SetAttribute(ctx context.Context, key, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.live(key)
	if !ok {
		return domain.ErrConditionFailed
	}
	item[name] = value
	return nil
}

// Delete removes the item.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Len returns the number of stored items, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Sweep removes every expired item and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, item := range s.items {
		if !s.schema.Live(item, now) {
			delete(s.items, key)
			removed++
		}
	}
	return removed
}

// Run sweeps expired items until ctx is cancelled.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("Swept expired sessions", "count", n)
			}
		}
	}
}

// live must be called with s.mu held.
func (s *Store) live(key string) (ports.Item, bool) {
	item, ok := s.items[key]
	if !ok || !s.schema.Live(item, s.now()) {
		return nil, false
	}
	return item, true
}
