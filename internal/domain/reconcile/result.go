package reconcile

import (
	"time"

	"github.com/erp/fleetsync/internal/domain/record"
)

// EvictReason explains why a local record was dropped.
type EvictReason string

const (
	ReasonDerived       EvictReason = "derived"
	ReasonStale         EvictReason = "stale"
	ReasonUnknownAge    EvictReason = "unknownAge"
	ReasonRemoteDeleted EvictReason = "remoteDeleted"
	ReasonRemoteEmpty   EvictReason = "remoteEmpty"
)

// Eviction is one local record classified obsolete.
type Eviction struct {
	Record record.CachedRecord `json:"record"`
	Reason EvictReason         `json:"reason"`
}

// Result is the outcome of one reconciliation.
type Result struct {
	Key      record.CollectionKey `json:"key"`
	TenantID string               `json:"tenantId"`

	// Merged is the authoritative base followed by the pending local records.
	Merged  []record.CachedRecord `json:"merged"`
	Evicted []Eviction            `json:"evicted,omitempty"`

	DuplicatesDropped int `json:"duplicatesDropped"`
	EvictedCount      int `json:"evictedCount"`
	MalformedRepaired int `json:"malformedRepaired"`
	LegacyTenantless  int `json:"legacyTenantless"`
	FilteredOut       int `json:"filteredOut"`

	// DuplicateIDs lists the IDs seen more than once.
	DuplicateIDs []string `json:"duplicateIds,omitempty"`

	// Degraded is set when no successful remote fetch backs the result.
	Degraded bool `json:"degraded"`
	// DegradedReason is set by the caller that produced a degraded result.
	DegradedReason string `json:"degradedReason,omitempty"`
	// Partial is set when the result could not be persisted to the local cache.
	Partial bool `json:"partial"`
	// ClearCache is set when the remote confirmed the collection empty.
	ClearCache bool `json:"clearCache"`

	ReconciledAt time.Time `json:"reconciledAt"`
}

// Records returns the merged records without provenance.
func (r *Result) Records() []record.Record {
	return record.Records(r.Merged)
}

// Count returns the number of records with provenance p.
func (r *Result) Count(p record.Provenance) int {
	n := 0
	for _, c := range r.Merged {
		if c.Provenance == p {
			n++
		}
	}
	return n
}

// Find returns the merged record with id.
func (r *Result) Find(id string) (record.CachedRecord, bool) {
	for _, c := range r.Merged {
		if c.Record.ID == id {
			return c, true
		}
	}
	return record.CachedRecord{}, false
}

func (r *Result) duplicate(id string) {
	r.DuplicatesDropped++
	r.DuplicateIDs = append(r.DuplicateIDs, id)
}
