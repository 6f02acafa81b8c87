// Package reconcile merges an authoritative remote record set with the local
// cache mirror of a collection.
package reconcile

import (
	"strings"
	"time"

	"github.com/erp/fleetsync/internal/domain/record"
)

// Default staleness thresholds.
const (
	DefaultSyntheticIDMaxAge = 24 * time.Hour
	DefaultCreatedAtMaxAge   = 7 * 24 * time.Hour
)

// DefaultDerivedOrigins are the origin prefixes of records that are never
// trusted unless confirmed remotely.
var DefaultDerivedOrigins = []string{"derived", "temp"}

// Policy holds the eviction rules for local-only records.
type Policy struct {
	// SyntheticIDMaxAge bounds records whose age comes from a synthetic ID.
	SyntheticIDMaxAge time.Duration
	// CreatedAtMaxAge bounds records bearing a genuine createdAt.
	CreatedAtMaxAge time.Duration
	// DerivedOrigins are case-insensitive origin prefixes.
	DerivedOrigins []string
	// EvictRemoteDeleted drops cached records that were previously confirmed
	// remotely but are missing from the latest remote set.
	EvictRemoteDeleted bool
	Legacy             record.LegacyPolicy
}

// DefaultPolicy returns the production eviction rules.
func DefaultPolicy() Policy {
	return Policy{
		SyntheticIDMaxAge:  DefaultSyntheticIDMaxAge,
		CreatedAtMaxAge:    DefaultCreatedAtMaxAge,
		DerivedOrigins:     append([]string(nil), DefaultDerivedOrigins...),
		EvictRemoteDeleted: true,
		Legacy:             record.LegacyPolicy{Enabled: true},
	}
}

// IsDerived reports whether origin marks a derived or temporary record.
func (p Policy) IsDerived(origin string) bool {
	origin = strings.ToLower(strings.TrimSpace(origin))
	if origin == "" {
		return false
	}
	for _, tag := range p.DerivedOrigins {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" && strings.HasPrefix(origin, tag) {
			return true
		}
	}
	return false
}

// classify decides whether a local-only record must be evicted.
func (p Policy) classify(r record.Record, prev record.Provenance, now time.Time) (EvictReason, bool) {
	if p.IsDerived(r.Origin) {
		return ReasonDerived, true
	}
	if p.EvictRemoteDeleted && prev == record.FromRemote {
		return ReasonRemoteDeleted, true
	}

	var (
		born      time.Time
		threshold time.Duration
	)
	switch {
	case r.CreatedAt != nil:
		born, threshold = *r.CreatedAt, p.CreatedAtMaxAge
	default:
		t, ok := record.ParseSyntheticID(r.ID)
		if !ok {
			return ReasonUnknownAge, true
		}
		born, threshold = t, p.SyntheticIDMaxAge
	}

	age := now.Sub(born)
	if age < 0 {
		age = 0
	}
	if age > threshold {
		return ReasonStale, true
	}
	return "", false
}
