package reconcile

import (
	"time"

	"github.com/erp/fleetsync/internal/domain/record"
)

// Engine reconciles collections. It performs no I/O and is safe for concurrent use.
type Engine struct {
	policy     Policy
	normalizer *record.Normalizer
	filter     *record.TenantFilter
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the eviction policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithNormalizer sets the record normalizer.
func WithNormalizer(n *record.Normalizer) Option {
	return func(e *Engine) {
		if n != nil {
			e.normalizer = n
		}
	}
}

// NewEngine creates an engine with DefaultPolicy and the built-in aliases.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		policy:     DefaultPolicy(),
		normalizer: record.NewNormalizer(nil),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.filter = record.NewTenantFilter(e.policy.Legacy)
	return e
}

// Policy returns the engine's eviction policy.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Normalize maps r onto the canonical shape for key.
func (e *Engine) Normalize(key record.CollectionKey, r record.Record) record.Record {
	return e.normalizer.Normalize(r, key.Type)
}

// Reconcile merges a successful remote fetch with the cached records of key.
// Remote records are authoritative and always kept. An empty visible remote set
// means the collection was emptied remotely, so every local record is evicted
// and ClearCache is set.
func (e *Engine) Reconcile(key record.CollectionKey, caller record.Caller, remote []record.Record, local []record.CachedRecord, now time.Time) *Result {
	res := &Result{
		Key:          key,
		TenantID:     caller.TenantID,
		Merged:       make([]record.CachedRecord, 0, len(remote)+len(local)),
		ReconciledAt: now,
	}

	base := make(map[string]struct{}, len(remote))
	for _, raw := range remote {
		r, ok := e.admit(key, caller, raw, now, res)
		if !ok {
			continue
		}
		if r.ID == "" {
			r.ID = record.DeterministicID(key.Type, r)
			res.MalformedRepaired++
		}
		if _, dup := base[r.ID]; dup {
			res.duplicate(r.ID)
			continue
		}
		base[r.ID] = struct{}{}
		confirmed := now
		res.Merged = append(res.Merged, record.CachedRecord{
			Record:      r,
			Provenance:  record.FromRemote,
			ConfirmedAt: &confirmed,
		})
	}

	if len(base) == 0 {
		e.evictAll(key, caller, local, now, res)
		return res
	}

	pending := make(map[string]struct{}, len(local))
	for _, c := range local {
		r, ok := e.admit(key, caller, c.Record, now, res)
		if !ok {
			continue
		}
		if r.ID != "" {
			if _, confirmed := base[r.ID]; confirmed {
				continue
			}
			if _, dup := pending[r.ID]; dup {
				res.duplicate(r.ID)
				continue
			}
		}

		if reason, obsolete := e.policy.classify(r, c.Provenance, now); obsolete {
			res.Evicted = append(res.Evicted, Eviction{
				Record: record.CachedRecord{Record: r, Provenance: record.ObsoleteEvicted},
				Reason: reason,
			})
			res.EvictedCount++
			continue
		}

		if r.ID == "" {
			r.ID = record.DeterministicID(key.Type, r)
			res.MalformedRepaired++
			_, confirmed := base[r.ID]
			_, dup := pending[r.ID]
			if confirmed || dup {
				res.duplicate(r.ID)
				continue
			}
		}
		pending[r.ID] = struct{}{}
		res.Merged = append(res.Merged, record.CachedRecord{
			Record:     r,
			Provenance: record.LocalPendingSync,
		})
	}
	return res
}

// Degraded builds a result from the cache alone, as when the remote fetch failed
// or readiness timed out. Records are normalized, tenant-filtered and
// deduplicated but never evicted for freshness.
func (e *Engine) Degraded(key record.CollectionKey, caller record.Caller, local []record.CachedRecord, now time.Time) *Result {
	res := &Result{
		Key:          key,
		TenantID:     caller.TenantID,
		Merged:       make([]record.CachedRecord, 0, len(local)),
		Degraded:     true,
		ReconciledAt: now,
	}

	seen := make(map[string]struct{}, len(local))
	for _, c := range local {
		if c.Provenance == record.ObsoleteEvicted {
			continue
		}
		r, ok := e.admit(key, caller, c.Record, now, res)
		if !ok {
			continue
		}
		if r.ID == "" {
			r.ID = record.DeterministicID(key.Type, r)
			res.MalformedRepaired++
		}
		if _, dup := seen[r.ID]; dup {
			res.duplicate(r.ID)
			continue
		}
		seen[r.ID] = struct{}{}

		out := c
		out.Record = r
		if out.Provenance == record.ProvenanceUnknown {
			out.Provenance = record.LocalPendingSync
		}
		res.Merged = append(res.Merged, out)
	}
	return res
}

// admit normalizes raw and applies the type and tenant checks, updating the
// filter counters on res.
func (e *Engine) admit(key record.CollectionKey, caller record.Caller, raw record.Record, now time.Time, res *Result) (record.Record, bool) {
	r := e.normalizer.Normalize(raw, key.Type)
	if r.Type != key.Type {
		res.FilteredOut++
		return record.Record{}, false
	}
	visible, legacy := e.filter.Visible(r, caller, now)
	if !visible {
		res.FilteredOut++
		return record.Record{}, false
	}
	if legacy {
		res.LegacyTenantless++
	}
	return r, true
}

func (e *Engine) evictAll(key record.CollectionKey, caller record.Caller, local []record.CachedRecord, now time.Time, res *Result) {
	res.ClearCache = true
	for _, c := range local {
		r, ok := e.admit(key, caller, c.Record, now, res)
		if !ok {
			continue
		}
		res.Evicted = append(res.Evicted, Eviction{
			Record: record.CachedRecord{Record: r, Provenance: record.ObsoleteEvicted},
			Reason: ReasonRemoteEmpty,
		})
		res.EvictedCount++
	}
}
