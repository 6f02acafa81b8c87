package record

import (
	"fmt"
	"strings"
	"time"
)

// Provenance tells where a reconciled record came from.
type Provenance string

const (
	// ProvenanceUnknown is carried by records decoded from legacy cache blobs.
	ProvenanceUnknown Provenance = ""
	// FromRemote marks records confirmed by a remote fetch.
	FromRemote Provenance = "fromRemote"
	// LocalPendingSync marks local-only records not yet observed remotely.
	LocalPendingSync Provenance = "localPendingSync"
	// ObsoleteEvicted marks local-only records dropped by reconciliation.
	ObsoleteEvicted Provenance = "obsoleteEvicted"
)

// IsValid reports whether p is one of the known provenance values.
func (p Provenance) IsValid() bool {
	switch p {
	case FromRemote, LocalPendingSync, ObsoleteEvicted:
		return true
	}
	return false
}

// CachedRecord is a record annotated with its provenance.
type CachedRecord struct {
	Record      Record     `json:"record"`
	Provenance  Provenance `json:"provenance,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

// CollectionKey identifies one logical collection: a remote collection name plus
// the record type discriminator stored in it.
type CollectionKey struct {
	Collection string `json:"collection"`
	Type       string `json:"type"`
}

// NewCollectionKey builds a key with trimmed, lower-cased parts.
func NewCollectionKey(collection, recordType string) CollectionKey {
	return CollectionKey{
		Collection: strings.TrimSpace(collection),
		Type:       strings.ToLower(strings.TrimSpace(recordType)),
	}
}

// Validate checks that both parts are present.
func (k CollectionKey) Validate() error {
	if k.Collection == "" {
		return Wrap(ErrMalformedRecord, fmt.Errorf("collection name is required"))
	}
	if k.Type == "" {
		return Wrap(ErrMalformedRecord, fmt.Errorf("record type is required"))
	}
	return nil
}

// CacheKey returns the local cache key for tenantID.
func (k CollectionKey) CacheKey(tenantID string) string {
	if tenantID == "" {
		tenantID = "_"
	}
	return "sync:" + tenantID + ":" + k.Collection + ":" + k.Type
}

func (k CollectionKey) String() string {
	return k.Collection + "/" + k.Type
}

// Caller is the identity a read or write path runs for.
type Caller struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
}

// WithDefaultTenant returns a copy of c using tenantID when c has none.
func (c Caller) WithDefaultTenant(tenantID string) Caller {
	if c.TenantID == "" {
		c.TenantID = tenantID
	}
	return c
}
