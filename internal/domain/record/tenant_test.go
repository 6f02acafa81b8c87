package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegacyPolicy_Active(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.False(t, LegacyPolicy{}.Active(now))
	assert.True(t, LegacyPolicy{Enabled: true}.Active(now))
	assert.True(t, LegacyPolicy{Enabled: true, Until: now.Add(time.Hour)}.Active(now))
	assert.False(t, LegacyPolicy{Enabled: true, Until: now}.Active(now))
	assert.False(t, LegacyPolicy{Enabled: true, Until: now.Add(-time.Hour)}.Active(now))
}

func TestTenantFilter_Visible(t *testing.T) {
	now := time.Now()
	records := []Record{
		{ID: "own", TenantID: "t1"},
		{ID: "foreign", TenantID: "t2"},
		{ID: "legacy"},
		{ID: "legacy-mine", UserID: "u1"},
	}
	visible := func(f *TenantFilter, caller Caller) (kept []Record, legacy []string) {
		for _, r := range records {
			ok, tenantless := f.Visible(r, caller, now)
			if !ok {
				continue
			}
			if tenantless {
				legacy = append(legacy, r.ID)
			}
			kept = append(kept, r)
		}
		return kept, legacy
	}

	t.Run("legacy flag active", func(t *testing.T) {
		kept, legacy := visible(NewTenantFilter(LegacyPolicy{Enabled: true}), Caller{TenantID: "t1", UserID: "u1"})

		assert.Equal(t, []string{"own", "legacy", "legacy-mine"}, ids(kept))
		assert.Equal(t, []string{"legacy", "legacy-mine"}, legacy)
	})

	t.Run("legacy flag expired keeps user match only", func(t *testing.T) {
		kept, legacy := visible(NewTenantFilter(LegacyPolicy{Enabled: true, Until: now.Add(-time.Minute)}), Caller{TenantID: "t1", UserID: "u1"})

		assert.Equal(t, []string{"own", "legacy-mine"}, ids(kept))
		assert.Equal(t, []string{"legacy-mine"}, legacy)
	})

	t.Run("caller without tenant gets user match only", func(t *testing.T) {
		kept, _ := visible(NewTenantFilter(LegacyPolicy{Enabled: true}), Caller{UserID: "u1"})

		assert.Equal(t, []string{"legacy-mine"}, ids(kept))
	})

	t.Run("anonymous caller sees nothing", func(t *testing.T) {
		kept, _ := visible(NewTenantFilter(LegacyPolicy{Enabled: true}), Caller{})

		assert.Empty(t, kept)
	})

	t.Run("foreign tenant never visible", func(t *testing.T) {
		f := NewTenantFilter(LegacyPolicy{Enabled: true})
		for _, caller := range []Caller{{TenantID: "t1"}, {TenantID: "t1", UserID: "u1"}, {UserID: "u1"}} {
			ok, _ := f.Visible(Record{ID: "x", TenantID: "t2", UserID: "u1"}, caller, now)
			require.False(t, ok, "caller %+v", caller)
		}
	})
}

func ids(rs []Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
