package record

import "time"

// LegacyPolicy controls visibility of records written before tenant IDs existed.
// While active, tenant-less records are visible to every caller. Until bounds the
// migration window; a zero Until means no cutoff.
type LegacyPolicy struct {
	Enabled bool
	Until   time.Time
}

// Active reports whether tenant-less records are visible at now.
func (p LegacyPolicy) Active(now time.Time) bool {
	if !p.Enabled {
		return false
	}
	return p.Until.IsZero() || now.Before(p.Until)
}

// TenantFilter keeps the records a caller may see.
type TenantFilter struct {
	Legacy LegacyPolicy
}

// NewTenantFilter creates a tenant filter.
func NewTenantFilter(legacy LegacyPolicy) *TenantFilter {
	return &TenantFilter{Legacy: legacy}
}

// Visible reports whether r may be surfaced to caller at now. The second return
// value is true when r is a tenant-less legacy record.
func (f *TenantFilter) Visible(r Record, caller Caller, now time.Time) (bool, bool) {
	if r.HasTenant() {
		return caller.TenantID != "" && r.TenantID == caller.TenantID, false
	}
	if caller.TenantID != "" && f.Legacy.Active(now) {
		return true, true
	}
	if caller.UserID != "" && r.UserID == caller.UserID {
		return true, true
	}
	return false, true
}
