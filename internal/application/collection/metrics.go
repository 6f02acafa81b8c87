package collection

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/erp/fleetsync/internal/domain/reconcile"
	"github.com/erp/fleetsync/internal/domain/record"
)

// Degraded reasons.
const (
	DegradedReadinessTimeout = "readiness_timeout"
	DegradedRemoteError      = "remote_error"
)

// MetricsRecorder receives sync events for export. Implementations must be
// safe for concurrent use.
type MetricsRecorder interface {
	RecordReconcile(ctx context.Context, key record.CollectionKey, tenantID string, res *reconcile.Result, elapsed time.Duration)
	RecordQuotaExceeded(ctx context.Context, key record.CollectionKey, tenantID string)
	RecordWriteConflict(ctx context.Context, key record.CollectionKey, tenantID string)
	RecordNoResult(ctx context.Context, key record.CollectionKey, tenantID string)
}

type noopMetrics struct{}

func (noopMetrics) RecordReconcile(context.Context, record.CollectionKey, string, *reconcile.Result, time.Duration) {
}
func (noopMetrics) RecordQuotaExceeded(context.Context, record.CollectionKey, string) {}
func (noopMetrics) RecordWriteConflict(context.Context, record.CollectionKey, string) {}
func (noopMetrics) RecordNoResult(context.Context, record.CollectionKey, string)      {}

// Diagnostics is a point-in-time copy of the service counters.
type Diagnostics struct {
	Reconciles        int64 `json:"reconciles"`
	DuplicatesDropped int64 `json:"duplicatesDropped"`
	RecordsEvicted    int64 `json:"recordsEvicted"`
	Degraded          int64 `json:"degraded"`
	MalformedRepaired int64 `json:"malformedRepaired"`
	LegacyTenantless  int64 `json:"legacyTenantless"`
	QuotaExceeded     int64 `json:"quotaExceeded"`
	WriteConflicts    int64 `json:"writeConflicts"`
	NoResult          int64 `json:"noResult"`
	HookPanics        int64 `json:"hookPanics"`
}

type diagnostics struct {
	reconciles        atomic.Int64
	duplicatesDropped atomic.Int64
	recordsEvicted    atomic.Int64
	degraded          atomic.Int64
	malformedRepaired atomic.Int64
	legacyTenantless  atomic.Int64
	quotaExceeded     atomic.Int64
	writeConflicts    atomic.Int64
	noResult          atomic.Int64
	hookPanics        atomic.Int64
}

func (d *diagnostics) observe(res *reconcile.Result) {
	d.reconciles.Add(1)
	d.duplicatesDropped.Add(int64(res.DuplicatesDropped))
	d.recordsEvicted.Add(int64(res.EvictedCount))
	d.malformedRepaired.Add(int64(res.MalformedRepaired))
	d.legacyTenantless.Add(int64(res.LegacyTenantless))
	if res.Degraded {
		d.degraded.Add(1)
	}
}

func (d *diagnostics) snapshot() Diagnostics {
	return Diagnostics{
		Reconciles:        d.reconciles.Load(),
		DuplicatesDropped: d.duplicatesDropped.Load(),
		RecordsEvicted:    d.recordsEvicted.Load(),
		Degraded:          d.degraded.Load(),
		MalformedRepaired: d.malformedRepaired.Load(),
		LegacyTenantless:  d.legacyTenantless.Load(),
		QuotaExceeded:     d.quotaExceeded.Load(),
		WriteConflicts:    d.writeConflicts.Load(),
		NoResult:          d.noResult.Load(),
		HookPanics:        d.hookPanics.Load(),
	}
}
