package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/erp/fleetsync/internal/domain/record"
)

// DefaultQuotaBytes is the per-entry size limit when none is configured.
const DefaultQuotaBytes = 5 << 20

// Stats holds cache operation counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Writes    int64 `json:"writes"`
	Conflicts int64 `json:"conflicts"`
	Rejected  int64 `json:"rejected"`
}

type counters struct {
	hits, misses, writes, conflicts, rejected int64
}

func (c *counters) stats() Stats {
	return Stats{
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Writes:    atomic.LoadInt64(&c.writes),
		Conflicts: atomic.LoadInt64(&c.conflicts),
		Rejected:  atomic.LoadInt64(&c.rejected),
	}
}

// InMemoryStore implements record.LocalCache in process memory. It does not
// survive restarts and is meant for tests and single-instance demo mode.
type InMemoryStore struct {
	mu      sync.Mutex
	entries map[string]record.CacheEntry
	quota   int
	logger  *zap.Logger
	now     func() time.Time
	counters
}

// InMemoryStoreOption is a functional option for configuring the store
type InMemoryStoreOption func(*InMemoryStore)

// WithInMemoryQuota sets the per-entry byte quota. Zero or less disables it.
func WithInMemoryQuota(bytes int) InMemoryStoreOption {
	return func(s *InMemoryStore) {
		s.quota = bytes
	}
}

// WithInMemoryLogger sets the logger for the store
func WithInMemoryLogger(logger *zap.Logger) InMemoryStoreOption {
	return func(s *InMemoryStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewInMemoryStore creates an in-memory local cache.
func NewInMemoryStore(opts ...InMemoryStoreOption) *InMemoryStore {
	s := &InMemoryStore{
		entries: make(map[string]record.CacheEntry),
		quota:   DefaultQuotaBytes,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a copy of the entry for key, or nil when absent.
func (s *InMemoryStore) Get(ctx context.Context, key string) (*record.CacheEntry, error) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	s.mu.Unlock()

	if !ok {
		atomic.AddInt64(&s.misses, 1)
		return nil, nil
	}
	atomic.AddInt64(&s.hits, 1)
	entry.Data = append([]byte(nil), entry.Data...)
	return &entry, nil
}

// Set stores data under key when expectedVersion matches.
func (s *InMemoryStore) Set(ctx context.Context, key string, data []byte, expectedVersion int64) (int64, error) {
	if s.quota > 0 && len(data) > s.quota {
		atomic.AddInt64(&s.rejected, 1)
		return 0, record.ErrQuotaExceeded
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.entries[key].Version
	if expectedVersion != record.AnyVersion && expectedVersion != current {
		atomic.AddInt64(&s.conflicts, 1)
		s.logger.Debug("Cache version mismatch",
			zap.String("key", key),
			zap.Int64("expected", expectedVersion),
			zap.Int64("current", current))
		return current, record.ErrWriteConflict
	}

	next := current + 1
	s.entries[key] = record.CacheEntry{
		Key:       key,
		Data:      append([]byte(nil), data...),
		Version:   next,
		UpdatedAt: s.now(),
	}
	atomic.AddInt64(&s.writes, 1)
	return next, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored entries.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats returns the operation counters.
func (s *InMemoryStore) Stats() Stats {
	return s.counters.stats()
}

var _ record.LocalCache = (*InMemoryStore)(nil)
