package dto

import (
	"time"

	"github.com/erp/fleetsync/internal/application/collection"
	"github.com/erp/fleetsync/internal/domain/reconcile"
	"github.com/erp/fleetsync/internal/domain/record"
)

// CollectionPath addresses one logical collection.
type CollectionPath struct {
	Collection string `uri:"collection" binding:"required,max=64,printascii"`
	Type       string `uri:"type" binding:"required,max=64,printascii"`
}

// Key returns the collection key of the path.
func (p CollectionPath) Key() record.CollectionKey {
	return record.NewCollectionKey(p.Collection, p.Type)
}

// RecordPath addresses one record of a collection.
type RecordPath struct {
	Collection string `uri:"collection" binding:"required,max=64,printascii"`
	Type       string `uri:"type" binding:"required,max=64,printascii"`
	ID         string `uri:"id" binding:"required,max=128,printascii"`
}

// Key returns the collection key of the path.
func (p RecordPath) Key() record.CollectionKey {
	return record.NewCollectionKey(p.Collection, p.Type)
}

// FetchQuery holds the optional fetch parameters.
type FetchQuery struct {
	// Evicted includes the records dropped by this reconciliation.
	Evicted bool `form:"evicted"`
}

// EvictionResponse names one evicted record and why it was dropped.
type EvictionResponse struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// CollectionStats summarizes one reconciliation.
type CollectionStats struct {
	Remote            int `json:"remote"`
	Pending           int `json:"pending"`
	DuplicatesDropped int `json:"duplicates_dropped"`
	Evicted           int `json:"evicted"`
	MalformedRepaired int `json:"malformed_repaired"`
	LegacyTenantless  int `json:"legacy_tenantless"`
	FilteredOut       int `json:"filtered_out"`
}

// CollectionResponse is the reconciled view of a collection.
type CollectionResponse struct {
	Collection     string                `json:"collection"`
	Type           string                `json:"type"`
	TenantID       string                `json:"tenant_id"`
	Records        []record.CachedRecord `json:"records"`
	Evicted        []EvictionResponse    `json:"evicted,omitempty"`
	Stats          CollectionStats       `json:"stats"`
	Degraded       bool                  `json:"degraded"`
	DegradedReason string                `json:"degraded_reason,omitempty"`
	Partial        bool                  `json:"partial"`
	ReconciledAt   time.Time             `json:"reconciled_at"`
}

// NewCollectionResponse converts a reconciliation result.
func NewCollectionResponse(res *reconcile.Result, includeEvicted bool) CollectionResponse {
	resp := CollectionResponse{
		Collection:     res.Key.Collection,
		Type:           res.Key.Type,
		TenantID:       res.TenantID,
		Records:        res.Merged,
		Degraded:       res.Degraded,
		DegradedReason: res.DegradedReason,
		Partial:        res.Partial,
		ReconciledAt:   res.ReconciledAt,
		Stats: CollectionStats{
			Remote:            res.Count(record.FromRemote),
			Pending:           res.Count(record.LocalPendingSync),
			DuplicatesDropped: res.DuplicatesDropped,
			Evicted:           res.EvictedCount,
			MalformedRepaired: res.MalformedRepaired,
			LegacyTenantless:  res.LegacyTenantless,
			FilteredOut:       res.FilteredOut,
		},
	}
	if resp.Records == nil {
		resp.Records = []record.CachedRecord{}
	}
	if includeEvicted {
		resp.Evicted = make([]EvictionResponse, 0, len(res.Evicted))
		for _, e := range res.Evicted {
			resp.Evicted = append(resp.Evicted, EvictionResponse{ID: e.Record.Record.ID, Reason: string(e.Reason)})
		}
	}
	return resp
}

// RemoteStatus reports the remote client state.
type RemoteStatus struct {
	Connected bool   `json:"connected"`
	TenantID  string `json:"tenant_id,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// DiagnosticsResponse is the body of the diagnostics endpoint.
type DiagnosticsResponse struct {
	Counters      collection.Diagnostics    `json:"counters"`
	Subscriptions []collection.Subscription `json:"subscriptions"`
	StreamClients int                       `json:"stream_clients"`
	Remote        RemoteStatus              `json:"remote"`
	Cache         any                       `json:"cache,omitempty"`
}
