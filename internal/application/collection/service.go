// Package collection runs the read, merge and write paths of tenant-scoped
// collections against the remote store and the local cache.
package collection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/erp/fleetsync/internal/domain/reconcile"
	"github.com/erp/fleetsync/internal/domain/record"
	"github.com/erp/fleetsync/internal/infrastructure/telemetry"
)

// maxMutateAttempts bounds the read-modify-write retries of Save and Delete.
const maxMutateAttempts = 3

// RefreshHook is invoked with every reconciled result.
type RefreshHook func(ctx context.Context, key record.CollectionKey, res *reconcile.Result)

// Config holds the service tunables.
type Config struct {
	ReadyAttempts int
	ReadyInterval time.Duration
	// StrictConsistency serializes read-merge-write per cache key.
	StrictConsistency bool
}

// Service reconciles collections and keeps the local cache in step.
type Service struct {
	remote    record.RemoteStore
	cache     record.LocalCache
	readiness record.ReadinessSource
	engine    *reconcile.Engine
	waiter    *Waiter
	metrics   MetricsRecorder
	logger    *zap.Logger
	now       func() time.Time
	cfg       Config

	locks *keyedLocks
	diag  diagnostics

	hooksMu sync.RWMutex
	hooks   []RefreshHook
}

// Option configures a Service.
type Option func(*Service)

// WithReadiness sets the source awaited before remote calls. Without one the
// remote store is assumed ready.
func WithReadiness(src record.ReadinessSource) Option {
	return func(s *Service) {
		s.readiness = src
	}
}

// WithEngine sets the reconciliation engine.
func WithEngine(e *reconcile.Engine) Option {
	return func(s *Service) {
		if e != nil {
			s.engine = e
		}
	}
}

// WithWaiter sets the readiness waiter.
func WithWaiter(w *Waiter) Option {
	return func(s *Service) {
		if w != nil {
			s.waiter = w
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithConfig sets the service tunables.
func WithConfig(cfg Config) Option {
	return func(s *Service) {
		s.cfg = cfg
	}
}

// NewService creates a collection sync service.
func NewService(remote record.RemoteStore, cache record.LocalCache, opts ...Option) *Service {
	s := &Service{
		remote:  remote,
		cache:   cache,
		engine:  reconcile.NewEngine(),
		metrics: noopMetrics{},
		logger:  zap.NewNop(),
		now:     time.Now,
		cfg: Config{
			ReadyAttempts: DefaultReadyAttempts,
			ReadyInterval: DefaultReadyInterval,
		},
		locks: newKeyedLocks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.waiter == nil {
		s.waiter = NewWaiter(WithWaiterLogger(s.logger))
	}
	return s
}

// OnRefresh registers a hook run after every reconciliation.
func (s *Service) OnRefresh(hook RefreshHook) {
	if hook == nil {
		return
	}
	s.hooksMu.Lock()
	s.hooks = append(s.hooks, hook)
	s.hooksMu.Unlock()
}

// Diagnostics returns the current counters.
func (s *Service) Diagnostics() Diagnostics {
	return s.diag.snapshot()
}

// AwaitReady waits for the readiness source using the configured bound.
func (s *Service) AwaitReady(ctx context.Context) ReadyState {
	if s.readiness == nil {
		return Ready
	}
	return s.waiter.Wait(ctx, s.readiness, s.cfg.ReadyAttempts, s.cfg.ReadyInterval)
}

// ResolveCaller fills an absent caller tenant from the remote client. It waits
// for readiness only when the tenant is missing.
func (s *Service) ResolveCaller(ctx context.Context, caller record.Caller) record.Caller {
	if caller.TenantID != "" || s.readiness == nil {
		return caller
	}
	if s.readiness.TenantID() == "" {
		s.AwaitReady(ctx)
	}
	return caller.WithDefaultTenant(s.readiness.TenantID())
}

// Fetch returns the reconciled collection for caller. A readiness timeout or a
// failed remote query yields a degraded result served from the cache; an error
// is returned only when the cache cannot produce a result either.
func (s *Service) Fetch(ctx context.Context, key record.CollectionKey, caller record.Caller) (*reconcile.Result, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	start := s.now()
	ctx, span := telemetry.StartServiceSpan(ctx, "collection", "fetch",
		telemetry.WithAttribute(telemetry.SpanAttrCollection, key.Collection),
		telemetry.WithAttribute(telemetry.SpanAttrRecordType, key.Type),
	)
	defer span.End()

	state := s.AwaitReady(ctx)
	caller = s.ResolveCaller(ctx, caller)
	telemetry.SetAttribute(span, telemetry.SpanAttrTenantID, caller.TenantID)

	res, err := s.fetch(ctx, key, caller, state)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetAttributes(span,
		telemetry.SpanAttrMerged, len(res.Merged),
		telemetry.SpanAttrEvicted, res.EvictedCount,
		telemetry.SpanAttrDegraded, res.Degraded,
	)
	s.finish(ctx, key, caller, res, start)
	return res, nil
}

func (s *Service) fetch(ctx context.Context, key record.CollectionKey, caller record.Caller, state ReadyState) (*reconcile.Result, error) {
	cacheKey := key.CacheKey(caller.TenantID)
	if s.cfg.StrictConsistency {
		unlock := s.locks.Lock(cacheKey)
		defer unlock()
	}

	version, local, cacheErr := s.load(ctx, cacheKey)
	if cacheErr != nil {
		s.logger.Warn("Local cache unreadable",
			zap.String("key", cacheKey),
			zap.Error(cacheErr))
	}

	if state != Ready {
		return s.degrade(ctx, key, caller, local, cacheErr, DegradedReadinessTimeout, record.ErrNotReady)
	}

	remote, err := s.remote.Query(ctx, key.Collection, caller.TenantID)
	if err != nil {
		s.logger.Warn("Remote query failed, serving local cache",
			zap.String("collection", key.Collection),
			zap.String("type", key.Type),
			zap.String("tenant_id", caller.TenantID),
			zap.Error(err))
		return s.degrade(ctx, key, caller, local, cacheErr, DegradedRemoteError, err)
	}

	res := s.engine.Reconcile(key, caller, remote, local, s.now())
	s.persist(ctx, cacheKey, version, res)
	return res, nil
}

// ApplySnapshot merges a pushed remote snapshot into the cache. It never
// queries the remote store.
func (s *Service) ApplySnapshot(ctx context.Context, key record.CollectionKey, caller record.Caller, snapshot []record.Record) (*reconcile.Result, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	start := s.now()

	res := s.applySnapshot(ctx, key, caller, snapshot)
	s.finish(ctx, key, caller, res, start)
	return res, nil
}

func (s *Service) applySnapshot(ctx context.Context, key record.CollectionKey, caller record.Caller, snapshot []record.Record) *reconcile.Result {
	cacheKey := key.CacheKey(caller.TenantID)
	if s.cfg.StrictConsistency {
		unlock := s.locks.Lock(cacheKey)
		defer unlock()
	}

	version, local, err := s.load(ctx, cacheKey)
	if err != nil {
		s.logger.Warn("Local cache unreadable, merging snapshot alone",
			zap.String("key", cacheKey),
			zap.Error(err))
	}

	res := s.engine.Reconcile(key, caller, snapshot, local, s.now())
	s.persist(ctx, cacheKey, version, res)
	return res
}

// Save writes r to the local cache as pending and then to the remote store.
// When the remote write fails the local copy survives and REMOTE_UNAVAILABLE is
// returned along with it.
func (s *Service) Save(ctx context.Context, key record.CollectionKey, caller record.Caller, r record.Record) (record.CachedRecord, error) {
	if err := key.Validate(); err != nil {
		return record.CachedRecord{}, err
	}
	ctx, span := telemetry.StartServiceSpan(ctx, "collection", "save",
		telemetry.WithAttribute(telemetry.SpanAttrCollection, key.Collection),
		telemetry.WithAttribute(telemetry.SpanAttrRecordType, key.Type),
	)
	defer span.End()

	saved, err := s.save(ctx, key, caller, r)
	telemetry.SetAttribute(span, telemetry.SpanAttrRecordID, saved.Record.ID)
	telemetry.RecordError(span, err)
	return saved, err
}

func (s *Service) save(ctx context.Context, key record.CollectionKey, caller record.Caller, r record.Record) (record.CachedRecord, error) {
	caller = s.ResolveCaller(ctx, caller)
	if caller.TenantID == "" {
		return record.CachedRecord{}, record.Wrap(record.ErrNotReady, errors.New("tenant unresolved"))
	}

	n, err := s.stamp(key, caller, r)
	if err != nil {
		return record.CachedRecord{}, err
	}
	saved := record.CachedRecord{Record: n, Provenance: record.LocalPendingSync}
	cacheKey := key.CacheKey(caller.TenantID)

	err = s.mutate(ctx, key, caller, func(list []record.CachedRecord) []record.CachedRecord {
		saved = record.CachedRecord{Record: n, Provenance: record.LocalPendingSync}
		for i, c := range list {
			if c.Record.ID != n.ID {
				continue
			}
			if c.Provenance == record.FromRemote {
				saved.Provenance = record.FromRemote
				saved.ConfirmedAt = c.ConfirmedAt
			}
			list[i] = saved
			return list
		}
		return append(list, saved)
	})
	if err != nil {
		s.logger.Warn("Optimistic local write failed",
			zap.String("key", cacheKey),
			zap.String("id", n.ID),
			zap.String("code", record.CodeOf(err)),
			zap.Error(err))
	}

	if s.AwaitReady(ctx) != Ready {
		return saved, record.Wrap(record.ErrRemoteUnavailable, record.ErrNotReady)
	}
	if err := s.remote.Put(ctx, key.Collection, n); err != nil {
		s.logger.Warn("Remote write failed, record kept as pending",
			zap.String("collection", key.Collection),
			zap.String("id", n.ID),
			zap.Error(err))
		return saved, record.Wrap(record.ErrRemoteUnavailable, err)
	}

	s.logger.Debug("Record saved",
		zap.String("collection", key.Collection),
		zap.String("type", key.Type),
		zap.String("id", n.ID))
	return saved, nil
}

// Delete removes the record from the remote store and then from the cache.
func (s *Service) Delete(ctx context.Context, key record.CollectionKey, caller record.Caller, id string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if id == "" {
		return record.Wrap(record.ErrMalformedRecord, errors.New("id is required"))
	}
	ctx, span := telemetry.StartServiceSpan(ctx, "collection", "delete",
		telemetry.WithAttribute(telemetry.SpanAttrCollection, key.Collection),
		telemetry.WithAttribute(telemetry.SpanAttrRecordID, id),
	)
	defer span.End()

	err := s.delete(ctx, key, caller, id)
	telemetry.RecordError(span, err)
	return err
}

func (s *Service) delete(ctx context.Context, key record.CollectionKey, caller record.Caller, id string) error {
	caller = s.ResolveCaller(ctx, caller)
	if caller.TenantID == "" {
		return record.Wrap(record.ErrNotReady, errors.New("tenant unresolved"))
	}

	if s.AwaitReady(ctx) != Ready {
		return record.Wrap(record.ErrRemoteUnavailable, record.ErrNotReady)
	}
	if err := s.remote.Delete(ctx, key.Collection, caller.TenantID, id); err != nil {
		return record.Wrap(record.ErrRemoteUnavailable, err)
	}

	err := s.mutate(ctx, key, caller, func(list []record.CachedRecord) []record.CachedRecord {
		out := list[:0]
		for _, c := range list {
			if c.Record.ID != id {
				out = append(out, c)
			}
		}
		return out
	})
	if err != nil {
		// the next reconciliation evicts the stale copy
		s.logger.Warn("Failed to remove deleted record from local cache",
			zap.String("key", key.CacheKey(caller.TenantID)),
			zap.String("id", id),
			zap.Error(err))
	}
	return nil
}

// stamp normalizes r, fills tenant, type, createdAt and ID, then validates
// it against its canonical view.
func (s *Service) stamp(key record.CollectionKey, caller record.Caller, r record.Record) (record.Record, error) {
	n := s.engine.Normalize(key, r)
	if n.Type != key.Type {
		return record.Record{}, record.Wrap(record.ErrMalformedRecord,
			fmt.Errorf("record type %q does not match collection type %q", n.Type, key.Type))
	}
	if n.TenantID == "" {
		n.TenantID = caller.TenantID
	}
	if n.TenantID != caller.TenantID {
		return record.Record{}, record.Wrap(record.ErrMalformedRecord,
			fmt.Errorf("record tenant %q does not match caller tenant", n.TenantID))
	}
	if n.UserID == "" {
		n.UserID = caller.UserID
	}
	if n.CreatedAt == nil {
		t := s.now().UTC()
		n.CreatedAt = &t
	}
	if n.ID == "" {
		n.ID = record.NewLocalID(key.Type, *n.CreatedAt)
	}
	if err := record.Validate(n); err != nil {
		return record.Record{}, err
	}
	return n, nil
}

// load reads and decodes the cache entry for cacheKey.
func (s *Service) load(ctx context.Context, cacheKey string) (int64, []record.CachedRecord, error) {
	entry, err := s.cache.Get(ctx, cacheKey)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if entry == nil {
		return 0, nil, nil
	}
	local, err := record.DecodeCollection(entry.Data)
	if err != nil {
		return entry.Version, nil, err
	}
	return entry.Version, local, nil
}

// mutate applies fn to the cached collection with optimistic retries.
func (s *Service) mutate(ctx context.Context, key record.CollectionKey, caller record.Caller, fn func([]record.CachedRecord) []record.CachedRecord) error {
	cacheKey := key.CacheKey(caller.TenantID)
	if s.cfg.StrictConsistency {
		unlock := s.locks.Lock(cacheKey)
		defer unlock()
	}

	var lastErr error
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		version, local, err := s.load(ctx, cacheKey)
		if err != nil {
			s.logger.Warn("Discarding unreadable cache entry",
				zap.String("key", cacheKey),
				zap.Error(err))
			version, local = record.AnyVersion, nil
		}

		data, err := record.EncodeCollection(key, caller.TenantID, fn(local), s.now())
		if err != nil {
			return err
		}
		_, err = s.cache.Set(ctx, cacheKey, data, version)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, record.ErrWriteConflict):
			s.conflict(ctx, key, caller.TenantID, cacheKey)
			lastErr = err
			continue
		case errors.Is(err, record.ErrQuotaExceeded):
			s.quota(ctx, key, caller.TenantID, cacheKey, len(data))
			return err
		default:
			return err
		}
	}
	return lastErr
}

// persist writes the reconciled set back to the cache. Failures only mark the
// result partial.
func (s *Service) persist(ctx context.Context, cacheKey string, version int64, res *reconcile.Result) {
	if res.ClearCache {
		if err := s.cache.Delete(ctx, cacheKey); err != nil {
			s.logger.Error("Failed to clear local cache", zap.String("key", cacheKey), zap.Error(err))
			res.Partial = true
		}
		return
	}

	data, err := record.EncodeCollection(res.Key, res.TenantID, res.Merged, res.ReconciledAt)
	if err != nil {
		s.logger.Error("Failed to encode reconciled collection", zap.String("key", cacheKey), zap.Error(err))
		res.Partial = true
		return
	}

	_, err = s.cache.Set(ctx, cacheKey, data, version)
	if errors.Is(err, record.ErrWriteConflict) {
		s.conflict(ctx, res.Key, res.TenantID, cacheKey)
		_, err = s.cache.Set(ctx, cacheKey, data, record.AnyVersion)
	}
	switch {
	case err == nil:
	case errors.Is(err, record.ErrQuotaExceeded):
		s.quota(ctx, res.Key, res.TenantID, cacheKey, len(data))
		res.Partial = true
	default:
		s.logger.Error("Failed to persist reconciled collection", zap.String("key", cacheKey), zap.Error(err))
		res.Partial = true
	}
}

func (s *Service) conflict(ctx context.Context, key record.CollectionKey, tenantID, cacheKey string) {
	s.diag.writeConflicts.Add(1)
	s.metrics.RecordWriteConflict(ctx, key, tenantID)
	s.logger.Warn("Cache entry version changed during write",
		zap.String("key", cacheKey),
		zap.Bool("strict", s.cfg.StrictConsistency))
}

func (s *Service) quota(ctx context.Context, key record.CollectionKey, tenantID, cacheKey string, size int) {
	s.diag.quotaExceeded.Add(1)
	s.metrics.RecordQuotaExceeded(ctx, key, tenantID)
	s.logger.Warn("Local cache quota exceeded, write skipped",
		zap.String("key", cacheKey),
		zap.Int("bytes", size))
}

func (s *Service) degrade(ctx context.Context, key record.CollectionKey, caller record.Caller, local []record.CachedRecord, cacheErr error, reason string, cause error) (*reconcile.Result, error) {
	if cacheErr != nil {
		s.diag.noResult.Add(1)
		s.metrics.RecordNoResult(ctx, key, caller.TenantID)
		s.logger.Error("No result producible from remote or local cache",
			zap.String("collection", key.Collection),
			zap.String("type", key.Type),
			zap.String("tenant_id", caller.TenantID),
			zap.String("reason", reason),
			zap.Error(cacheErr))
		return nil, record.Wrap(record.ErrNoResult, errors.Join(cause, cacheErr))
	}

	res := s.engine.Degraded(key, caller, local, s.now())
	res.DegradedReason = reason
	return res, nil
}

// finish records diagnostics, logs notable conditions and runs the hooks.
func (s *Service) finish(ctx context.Context, key record.CollectionKey, caller record.Caller, res *reconcile.Result, start time.Time) {
	s.diag.observe(res)
	s.metrics.RecordReconcile(ctx, key, caller.TenantID, res, s.now().Sub(start))

	fields := []zap.Field{
		zap.String("collection", key.Collection),
		zap.String("type", key.Type),
		zap.String("tenant_id", caller.TenantID),
	}
	if res.DuplicatesDropped > 0 {
		s.logger.Info("Dropped duplicate records",
			append(fields, zap.Int("count", res.DuplicatesDropped), zap.Strings("ids", res.DuplicateIDs))...)
	}
	if res.LegacyTenantless > 0 {
		s.logger.Warn("Tenant-less legacy records visible",
			append(fields, zap.Int("count", res.LegacyTenantless))...)
	}
	if res.EvictedCount > 0 {
		s.logger.Info("Evicted obsolete local records",
			append(fields, zap.Int("count", res.EvictedCount), zap.Bool("cleared", res.ClearCache))...)
	}
	if res.Degraded {
		s.logger.Warn("Serving degraded result",
			append(fields, zap.String("reason", res.DegradedReason), zap.Int("records", len(res.Merged)))...)
	}

	s.hooksMu.RLock()
	hooks := append([]RefreshHook(nil), s.hooks...)
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		s.runHook(ctx, key, res, hook)
	}
}

func (s *Service) runHook(ctx context.Context, key record.CollectionKey, res *reconcile.Result, hook RefreshHook) {
	defer func() {
		if r := recover(); r != nil {
			s.diag.hookPanics.Add(1)
			s.logger.Error("Refresh hook panicked",
				zap.String("collection", key.Collection),
				zap.Any("panic", r))
		}
	}()
	hook(ctx, key, res)
}
