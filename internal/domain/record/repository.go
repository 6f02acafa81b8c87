package record

import (
	"context"
	"time"
)

// Filter narrows a remote query to records whose field equals Value.
type Filter struct {
	Field string
	Value string
}

// Unsubscribe tears down a live-update registration. Calling it more than once
// is a no-op.
type Unsubscribe func()

// SnapshotFunc receives the full current state of a tenant-scoped collection.
type SnapshotFunc func(records []Record)

// RemoteStore is the authoritative per-tenant document store.
type RemoteStore interface {
	// Query returns the records of collection owned by tenantID.
	Query(ctx context.Context, collection, tenantID string, filters ...Filter) ([]Record, error)
	// Put creates or replaces r in collection.
	Put(ctx context.Context, collection string, r Record) error
	// Delete removes the record with id from collection.
	Delete(ctx context.Context, collection, tenantID, id string) error
	// Subscribe delivers the current snapshot immediately and again after every change.
	Subscribe(ctx context.Context, collection, tenantID string, fn SnapshotFunc) (Unsubscribe, error)
}

// ReadinessSource reports the async initialization state of a remote client.
type ReadinessSource interface {
	HasConnection() bool
	TenantID() string
	// Init starts or retries initialization. It must be idempotent.
	Init(ctx context.Context) error
}

// ReadyNotifier is implemented by sources that signal readiness once.
type ReadyNotifier interface {
	// Ready is closed when the source has a connection and a resolved tenant.
	Ready() <-chan struct{}
}

// AnyVersion disables the version check on LocalCache.Set.
const AnyVersion int64 = -1

// CacheEntry is one blob in the local cache.
type CacheEntry struct {
	Key       string
	Data      []byte
	Version   int64
	UpdatedAt time.Time
}

// LocalCache is a durable key-value store with a version per key.
type LocalCache interface {
	// Get returns nil, nil when key is absent.
	Get(ctx context.Context, key string) (*CacheEntry, error)
	// Set stores data when the stored version equals expectedVersion (0 for an
	// absent key) or expectedVersion is AnyVersion. It returns the new version,
	// ErrWriteConflict on a mismatch and ErrQuotaExceeded when data is too large.
	Set(ctx context.Context, key string, data []byte, expectedVersion int64) (int64, error)
	Delete(ctx context.Context, key string) error
}
