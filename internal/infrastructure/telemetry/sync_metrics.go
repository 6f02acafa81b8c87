package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/erp/fleetsync/internal/domain/reconcile"
	"github.com/erp/fleetsync/internal/domain/record"
)

// SyncMetrics exports reconciliation diagnostics as OpenTelemetry instruments.
// It satisfies collection.MetricsRecorder.
type SyncMetrics struct {
	logger *zap.Logger

	reconcileTotal    *Counter
	duplicatesDropped *Counter
	recordsEvicted    *Counter
	degradedTotal     *Counter
	malformedRepaired *Counter
	legacyTenantless  *Counter
	quotaExceeded     *Counter
	writeConflicts    *Counter
	noResult          *Counter
	reconcileDuration *Histogram

	// tenant_id is attached only when enabled; large fleets have many tenants
	tenantLabel bool
}

// SyncMetricsConfig holds configuration for sync metrics.
type SyncMetricsConfig struct {
	Meter  metric.Meter
	Logger *zap.Logger
	// TenantLabel attaches tenant_id to every series.
	TenantLabel bool
}

// NewSyncMetrics creates the sync instruments on cfg.Meter.
func NewSyncMetrics(cfg SyncMetricsConfig) (*SyncMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &SyncMetrics{logger: logger, tenantLabel: cfg.TenantLabel}

	counters := []struct {
		dst         **Counter
		name        string
		description string
		unit        string
	}{
		{&m.reconcileTotal, "fleetsync_reconcile_total", "Total number of reconciliations", "{reconciles}"},
		{&m.duplicatesDropped, "fleetsync_duplicates_dropped_total", "Records dropped because their ID was already seen", "{records}"},
		{&m.recordsEvicted, "fleetsync_records_evicted_total", "Local-only records classified obsolete", "{records}"},
		{&m.degradedTotal, "fleetsync_degraded_total", "Reconciliations served without a successful remote fetch", "{reconciles}"},
		{&m.malformedRepaired, "fleetsync_malformed_repaired_total", "Records given a synthesized ID", "{records}"},
		{&m.legacyTenantless, "fleetsync_legacy_tenantless_total", "Tenant-less records admitted under legacy mode", "{records}"},
		{&m.quotaExceeded, "fleetsync_quota_exceeded_total", "Local cache writes rejected by the storage quota", "{writes}"},
		{&m.writeConflicts, "fleetsync_write_conflicts_total", "Local cache writes that lost a version check", "{writes}"},
		{&m.noResult, "fleetsync_no_result_total", "Fetches that had neither remote nor cache data", "{fetches}"},
	}
	for _, c := range counters {
		counter, err := NewCounter(cfg.Meter, c.name, c.description, c.unit)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	var err error
	m.reconcileDuration, err = NewHistogram(cfg.Meter, HistogramOpts{
		Name:        "fleetsync_reconcile_duration_seconds",
		Description: "Time from fetch start to merged result",
		Unit:        "s",
		Boundaries:  ReconcileDurationBuckets,
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *SyncMetrics) attrs(key record.CollectionKey, tenantID string, extra ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, 3+len(extra))
	out = append(out, AttrCollection.String(key.Collection), AttrRecordType.String(key.Type))
	if m.tenantLabel {
		if tenantID == "" {
			tenantID = "none"
		}
		out = append(out, AttrTenantID.String(tenantID))
	}
	return append(out, extra...)
}

// RecordReconcile records one reconciliation outcome.
func (m *SyncMetrics) RecordReconcile(ctx context.Context, key record.CollectionKey, tenantID string, res *reconcile.Result, elapsed time.Duration) {
	if res == nil {
		return
	}
	attrs := m.attrs(key, tenantID)

	m.reconcileTotal.Inc(ctx, m.attrs(key, tenantID,
		AttrDegraded.Bool(res.Degraded),
		AttrPartial.Bool(res.Partial),
	)...)
	m.reconcileDuration.RecordDuration(ctx, elapsed, attrs...)

	if res.DuplicatesDropped > 0 {
		m.duplicatesDropped.Add(ctx, int64(res.DuplicatesDropped), attrs...)
	}
	if res.MalformedRepaired > 0 {
		m.malformedRepaired.Add(ctx, int64(res.MalformedRepaired), attrs...)
	}
	if res.LegacyTenantless > 0 {
		m.legacyTenantless.Add(ctx, int64(res.LegacyTenantless), attrs...)
	}
	if res.Degraded {
		reason := res.DegradedReason
		if reason == "" {
			reason = "unknown"
		}
		m.degradedTotal.Inc(ctx, m.attrs(key, tenantID, AttrReason.String(reason))...)
	}

	byReason := make(map[reconcile.EvictReason]int64)
	for _, e := range res.Evicted {
		byReason[e.Reason]++
	}
	for reason, n := range byReason {
		m.recordsEvicted.Add(ctx, n, m.attrs(key, tenantID, AttrReason.String(string(reason)))...)
	}
}

// RecordQuotaExceeded records a cache write rejected by the quota.
func (m *SyncMetrics) RecordQuotaExceeded(ctx context.Context, key record.CollectionKey, tenantID string) {
	m.quotaExceeded.Inc(ctx, m.attrs(key, tenantID)...)
}

// RecordWriteConflict records a cache write that lost a version check.
func (m *SyncMetrics) RecordWriteConflict(ctx context.Context, key record.CollectionKey, tenantID string) {
	m.writeConflicts.Inc(ctx, m.attrs(key, tenantID)...)
}

// RecordNoResult records a fetch that returned nothing usable.
func (m *SyncMetrics) RecordNoResult(ctx context.Context, key record.CollectionKey, tenantID string) {
	m.noResult.Inc(ctx, m.attrs(key, tenantID)...)
}

// ErrMeterNil is returned when meter is nil.
var ErrMeterNil = &MetricsError{Op: "NewSyncMetrics", Err: "meter cannot be nil"}

// MetricsError represents a metrics-related error.
type MetricsError struct {
	Op  string
	Err string
}

func (e *MetricsError) Error() string {
	return e.Op + ": " + e.Err
}
