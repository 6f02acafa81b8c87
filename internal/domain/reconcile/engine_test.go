package reconcile

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/fleetsync/internal/domain/record"
)

var (
	testKey = record.NewCollectionKey("gastos", record.TypeExpense)
	t1      = record.Caller{TenantID: "t1", UserID: "u1"}
	now     = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
)

func ago(d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func rec(id, tenant string) record.Record {
	return record.Record{ID: id, TenantID: tenant, Type: record.TypeExpense}
}

func cached(r record.Record, p record.Provenance) record.CachedRecord {
	return record.CachedRecord{Record: r, Provenance: p}
}

func mergedIDs(res *Result) []string {
	out := make([]string, len(res.Merged))
	for i, c := range res.Merged {
		out[i] = c.Record.ID
	}
	return out
}

func TestEngine_ScenarioStaleDerivedAndForeignTenant(t *testing.T) {
	e := NewEngine()

	b := rec("B", "t1")
	b.Origin = "derived"
	b.CreatedAt = ago(10 * 24 * time.Hour)

	remote := []record.Record{rec("A", "t1")}
	local := []record.CachedRecord{
		cached(rec("A", "t1"), record.ProvenanceUnknown),
		cached(b, record.ProvenanceUnknown),
		cached(rec("C", "t2"), record.ProvenanceUnknown),
	}

	res := e.Reconcile(testKey, t1, remote, local, now)

	assert.Equal(t, []string{"A"}, mergedIDs(res))
	assert.Equal(t, record.FromRemote, res.Merged[0].Provenance)
	require.Len(t, res.Evicted, 1)
	assert.Equal(t, "B", res.Evicted[0].Record.Record.ID)
	assert.Equal(t, ReasonDerived, res.Evicted[0].Reason)
	assert.Equal(t, record.ObsoleteEvicted, res.Evicted[0].Record.Provenance)
	assert.Equal(t, 1, res.EvictedCount)
	assert.Equal(t, 1, res.FilteredOut)
	assert.False(t, res.Degraded)
	assert.False(t, res.ClearCache)
}

func TestEngine_AuthoritativePreservation(t *testing.T) {
	e := NewEngine()
	remote := []record.Record{rec("A", "t1"), rec("B", "t1")}

	locals := [][]record.CachedRecord{
		nil,
		{cached(rec("A", "t1"), record.LocalPendingSync)},
		{cached(record.Record{ID: "B", TenantID: "t1", Origin: "temp-import", CreatedAt: ago(30 * 24 * time.Hour)}, record.FromRemote)},
		{cached(rec("Z", "t1"), record.FromRemote)},
	}
	for i, local := range locals {
		for _, at := range []time.Time{now, now.Add(365 * 24 * time.Hour)} {
			res := e.Reconcile(testKey, t1, remote, local, at)
			for _, id := range []string{"A", "B"} {
				c, ok := res.Find(id)
				require.True(t, ok, "local set %d: %s missing", i, id)
				assert.Equal(t, record.FromRemote, c.Provenance)
			}
		}
	}
}

func TestEngine_RemoteWinsOverLocalCopy(t *testing.T) {
	e := NewEngine()
	remote := rec("A", "t1")
	remote.Set("amount", "100")
	local := rec("A", "t1")
	local.Set("amount", "999")

	res := e.Reconcile(testKey, t1, []record.Record{remote}, []record.CachedRecord{cached(local, record.LocalPendingSync)}, now)

	require.Len(t, res.Merged, 1)
	assert.Equal(t, "100", res.Merged[0].Record.Fields["amount"])
	assert.Equal(t, 0, res.DuplicatesDropped)
}

func TestEngine_TenantIsolation(t *testing.T) {
	e := NewEngine()
	remote := []record.Record{rec("A", "t1"), rec("X", "t2"), rec("Y", "t3")}
	local := []record.CachedRecord{
		cached(record.Record{ID: "L1", TenantID: "t2", CreatedAt: ago(time.Hour)}, record.LocalPendingSync),
		cached(record.Record{ID: "L2", TenantID: "t1", CreatedAt: ago(time.Hour)}, record.LocalPendingSync),
	}

	res := e.Reconcile(testKey, t1, remote, local, now)
	assert.ElementsMatch(t, []string{"A", "L2"}, mergedIDs(res))
	assert.Equal(t, 3, res.FilteredOut)
	for _, ev := range res.Evicted {
		assert.Equal(t, "t1", ev.Record.Record.TenantID)
	}

	degraded := e.Degraded(testKey, t1, local, now)
	assert.Equal(t, []string{"L2"}, mergedIDs(degraded))
}

func TestEngine_EmptyRemoteClearsLocal(t *testing.T) {
	e := NewEngine()
	local := []record.CachedRecord{
		cached(record.Record{ID: "A", TenantID: "t1", CreatedAt: ago(time.Minute)}, record.LocalPendingSync),
		cached(rec("B", "t1"), record.FromRemote),
		cached(rec("C", "t2"), record.FromRemote),
	}

	res := e.Reconcile(testKey, t1, nil, local, now)

	assert.Empty(t, res.Merged)
	assert.True(t, res.ClearCache)
	assert.False(t, res.Degraded)
	assert.Equal(t, 2, res.EvictedCount)
	for _, ev := range res.Evicted {
		assert.Equal(t, ReasonRemoteEmpty, ev.Reason)
	}
}

func TestEngine_RemoteWithOnlyOtherTypesCountsAsEmpty(t *testing.T) {
	e := NewEngine()
	incident := record.Record{ID: "I", TenantID: "t1", Type: record.TypeIncident}
	local := []record.CachedRecord{cached(record.Record{ID: "A", TenantID: "t1", CreatedAt: ago(time.Minute)}, record.LocalPendingSync)}

	res := e.Reconcile(testKey, t1, []record.Record{incident}, local, now)
	assert.Empty(t, res.Merged)
	assert.True(t, res.ClearCache)
}

func TestEngine_StalenessEviction(t *testing.T) {
	e := NewEngine()
	remote := []record.Record{rec("R", "t1")}

	tests := []struct {
		name   string
		local  record.Record
		prev   record.Provenance
		kept   bool
		reason EvictReason
	}{
		{
			name:   "derived and old",
			local:  record.Record{ID: "d", TenantID: "t1", Origin: "derived", CreatedAt: ago(8 * 24 * time.Hour)},
			reason: ReasonDerived,
		},
		{
			name:   "derived and fresh",
			local:  record.Record{ID: "d2", TenantID: "t1", Origin: "derived-from-traffic", CreatedAt: ago(time.Minute)},
			reason: ReasonDerived,
		},
		{
			name:   "temporary origin",
			local:  record.Record{ID: "tmp", TenantID: "t1", Origin: "TEMP", CreatedAt: ago(time.Minute)},
			reason: ReasonDerived,
		},
		{
			name:  "genuine createdAt within seven days",
			local: record.Record{ID: "g", TenantID: "t1", Origin: "manual", CreatedAt: ago(6 * 24 * time.Hour)},
			kept:  true,
		},
		{
			name:  "genuine createdAt exactly at threshold",
			local: record.Record{ID: "g-edge", TenantID: "t1", CreatedAt: ago(7 * 24 * time.Hour)},
			kept:  true,
		},
		{
			name:   "genuine createdAt older than seven days",
			local:  record.Record{ID: "g-old", TenantID: "t1", CreatedAt: ago(8 * 24 * time.Hour)},
			reason: ReasonStale,
		},
		{
			name:  "synthetic id within a day",
			local: record.Record{ID: record.SynthesizeID("expense", now.Add(-23*time.Hour), "abc"), TenantID: "t1"},
			kept:  true,
		},
		{
			name:   "synthetic id older than a day",
			local:  record.Record{ID: record.SynthesizeID("expense", now.Add(-25*time.Hour), "abc"), TenantID: "t1"},
			reason: ReasonStale,
		},
		{
			name:   "bare millis id older than a day",
			local:  record.Record{ID: fmt.Sprint(now.Add(-48 * time.Hour).UnixMilli()), TenantID: "t1"},
			reason: ReasonStale,
		},
		{
			name:  "future createdAt clamps to zero age",
			local: record.Record{ID: "f", TenantID: "t1", CreatedAt: ago(-time.Hour)},
			kept:  true,
		},
		{
			name:   "no derivable age",
			local:  record.Record{ID: "remote-looking-id", TenantID: "t1"},
			reason: ReasonUnknownAge,
		},
		{
			name:   "previously confirmed then gone remotely",
			local:  record.Record{ID: "gone", TenantID: "t1", CreatedAt: ago(time.Minute)},
			prev:   record.FromRemote,
			reason: ReasonRemoteDeleted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.local.Type = record.TypeExpense
			res := e.Reconcile(testKey, t1, remote, []record.CachedRecord{cached(tt.local, tt.prev)}, now)

			c, ok := res.Find(tt.local.ID)
			if tt.kept {
				require.True(t, ok)
				assert.Equal(t, record.LocalPendingSync, c.Provenance)
				assert.Empty(t, res.Evicted)
				return
			}
			assert.False(t, ok)
			require.Len(t, res.Evicted, 1)
			assert.Equal(t, tt.reason, res.Evicted[0].Reason)
		})
	}
}

func TestEngine_KeepsRemoteDeletedWhenDisabled(t *testing.T) {
	p := DefaultPolicy()
	p.EvictRemoteDeleted = false
	e := NewEngine(WithPolicy(p))

	local := record.Record{ID: "gone", TenantID: "t1", CreatedAt: ago(time.Minute)}
	res := e.Reconcile(testKey, t1, []record.Record{rec("R", "t1")}, []record.CachedRecord{cached(local, record.FromRemote)}, now)

	c, ok := res.Find("gone")
	require.True(t, ok)
	assert.Equal(t, record.LocalPendingSync, c.Provenance)
}

func TestEngine_Dedup(t *testing.T) {
	e := NewEngine()

	first := rec("A", "t1")
	first.Set("amount", "1")
	second := rec("A", "t1")
	second.Set("amount", "2")
	remote := []record.Record{first, second, rec("B", "t1"), rec("A", "t1")}

	res := e.Reconcile(testKey, t1, remote, nil, now)

	assert.Equal(t, []string{"A", "B"}, mergedIDs(res))
	assert.Equal(t, "1", res.Merged[0].Record.Fields["amount"])
	assert.Equal(t, 2, res.DuplicatesDropped)
	assert.Equal(t, []string{"A", "A"}, res.DuplicateIDs)
}

func TestEngine_LocalDuplicatesDropped(t *testing.T) {
	e := NewEngine()
	l := record.Record{ID: "L", TenantID: "t1", CreatedAt: ago(time.Hour)}

	res := e.Reconcile(testKey, t1, []record.Record{rec("R", "t1")},
		[]record.CachedRecord{cached(l, record.LocalPendingSync), cached(l, record.LocalPendingSync)}, now)

	assert.Equal(t, []string{"R", "L"}, mergedIDs(res))
	assert.Equal(t, 1, res.DuplicatesDropped)
}

func TestEngine_SynthesizesMissingIDs(t *testing.T) {
	e := NewEngine()
	created := ago(2 * time.Hour)
	remote := []record.Record{
		rec("A", "t1"),
		{TenantID: "t1", CreatedAt: created, Fields: map[string]any{"amount": "5"}},
	}
	local := []record.CachedRecord{
		cached(record.Record{TenantID: "t1", CreatedAt: ago(time.Hour), Fields: map[string]any{"amount": "7"}}, record.ProvenanceUnknown),
		cached(record.Record{TenantID: "t1", Fields: map[string]any{"amount": "9"}}, record.ProvenanceUnknown),
	}

	res := e.Reconcile(testKey, t1, remote, local, now)

	require.Len(t, res.Merged, 3)
	for _, c := range res.Merged {
		assert.NotEmpty(t, c.Record.ID)
	}
	_, synthetic := record.ParseSyntheticID(res.Merged[1].Record.ID)
	assert.True(t, synthetic)
	assert.Equal(t, record.FromRemote, res.Merged[1].Provenance)
	assert.Equal(t, record.LocalPendingSync, res.Merged[2].Provenance)
	assert.Equal(t, 2, res.MalformedRepaired)
	require.Len(t, res.Evicted, 1)
	assert.Equal(t, ReasonUnknownAge, res.Evicted[0].Reason)

	again := e.Reconcile(testKey, t1, remote, res.Merged, now)
	assert.Equal(t, mergedIDs(res), mergedIDs(again))
}

func TestEngine_LegacyTenantless(t *testing.T) {
	legacy := record.Record{ID: "old", Type: record.TypeExpense}

	t.Run("visible while flag active", func(t *testing.T) {
		res := NewEngine().Reconcile(testKey, t1, []record.Record{rec("A", "t1"), legacy}, nil, now)
		assert.Equal(t, []string{"A", "old"}, mergedIDs(res))
		assert.Equal(t, 1, res.LegacyTenantless)
	})

	t.Run("hidden after cutoff", func(t *testing.T) {
		p := DefaultPolicy()
		p.Legacy = record.LegacyPolicy{Enabled: true, Until: now.Add(-time.Hour)}
		res := NewEngine(WithPolicy(p)).Reconcile(testKey, t1, []record.Record{rec("A", "t1"), legacy}, nil, now)
		assert.Equal(t, []string{"A"}, mergedIDs(res))
		assert.Equal(t, 1, res.FilteredOut)
	})
}

func TestEngine_NormalizesBeforeMerging(t *testing.T) {
	e := NewEngine()
	remote := []record.Record{{Fields: map[string]any{"_id": "A", "empresaId": "t1", "importe": "10"}}}

	res := e.Reconcile(testKey, t1, remote, nil, now)

	require.Len(t, res.Merged, 1)
	got := res.Merged[0].Record
	assert.Equal(t, "A", got.ID)
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, record.TypeExpense, got.Type)
	assert.Equal(t, "10", got.Fields["amount"])
}

func TestEngine_Degraded(t *testing.T) {
	e := NewEngine()
	local := []record.CachedRecord{
		cached(record.Record{ID: "A", TenantID: "t1", Type: record.TypeExpense, CreatedAt: ago(90 * 24 * time.Hour)}, record.FromRemote),
		cached(record.Record{ID: "B", TenantID: "t1", Type: record.TypeExpense, Origin: "derived"}, record.LocalPendingSync),
		cached(record.Record{ID: "C", TenantID: "t1", Type: record.TypeExpense}, record.ProvenanceUnknown),
		cached(record.Record{ID: "A", TenantID: "t1", Type: record.TypeExpense}, record.FromRemote),
	}

	res := e.Degraded(testKey, t1, local, now)

	assert.True(t, res.Degraded)
	assert.False(t, res.ClearCache)
	assert.Equal(t, []string{"A", "B", "C"}, mergedIDs(res))
	assert.Equal(t, record.FromRemote, res.Merged[0].Provenance)
	assert.Equal(t, record.LocalPendingSync, res.Merged[2].Provenance)
	assert.Equal(t, 1, res.DuplicatesDropped)
	assert.Empty(t, res.Evicted)
}

// TestEngine_Idempotence runs reconciliation on its own output for generated inputs.
func TestEngine_Idempotence(t *testing.T) {
	e := NewEngine()
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		remote, local := randomInput(rng)

		first := e.Reconcile(testKey, t1, remote, local, now)
		second := e.Reconcile(testKey, t1, remote, first.Merged, now)

		require.Equal(t, first.Merged, second.Merged, "iteration %d", i)
		if len(first.Merged) > 0 {
			assert.Empty(t, second.Evicted, "iteration %d", i)
		}
		assertUniqueIDs(t, first)
	}
}

func TestEngine_PropertiesOnGeneratedInputs(t *testing.T) {
	e := NewEngine()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		remote, local := randomInput(rng)
		res := e.Reconcile(testKey, t1, remote, local, now)

		assertUniqueIDs(t, res)
		for _, c := range res.Merged {
			if c.Record.TenantID != "" {
				require.Equal(t, "t1", c.Record.TenantID, "iteration %d", i)
			}
			require.NotEqual(t, record.ObsoleteEvicted, c.Provenance)
		}
		for _, r := range remote {
			if r.TenantID != "t1" || r.ID == "" {
				continue
			}
			c, ok := res.Find(r.ID)
			require.True(t, ok, "iteration %d: remote %s dropped", i, r.ID)
			require.Equal(t, record.FromRemote, c.Provenance)
		}
	}
}

func assertUniqueIDs(t *testing.T, res *Result) {
	t.Helper()
	seen := map[string]bool{}
	for _, c := range res.Merged {
		require.False(t, seen[c.Record.ID], "duplicate id %s", c.Record.ID)
		seen[c.Record.ID] = true
	}
}

func randomInput(rng *rand.Rand) ([]record.Record, []record.CachedRecord) {
	tenants := []string{"t1", "t1", "t1", "t2", ""}
	origins := []string{"", "", "manual", "derived", "temp"}
	provenances := []record.Provenance{record.ProvenanceUnknown, record.FromRemote, record.LocalPendingSync}

	randomRecord := func() record.Record {
		r := record.Record{TenantID: tenants[rng.Intn(len(tenants))], Origin: origins[rng.Intn(len(origins))]}
		switch rng.Intn(4) {
		case 0:
			r.ID = fmt.Sprintf("id-%d", rng.Intn(8))
		case 1:
			r.ID = record.SynthesizeID("expense", now.Add(-time.Duration(rng.Intn(48))*time.Hour), fmt.Sprint(rng.Intn(5)))
		case 2:
			r.ID = fmt.Sprintf("id-%d", rng.Intn(8))
			r.CreatedAt = ago(time.Duration(rng.Intn(10*24)) * time.Hour)
		default:
			r.CreatedAt = ago(time.Duration(rng.Intn(10*24)) * time.Hour)
			r.Set("amount", fmt.Sprint(rng.Intn(3)))
		}
		return r
	}

	remote := make([]record.Record, rng.Intn(5))
	for i := range remote {
		remote[i] = randomRecord()
	}
	local := make([]record.CachedRecord, rng.Intn(8))
	for i := range local {
		local[i] = record.CachedRecord{Record: randomRecord(), Provenance: provenances[rng.Intn(len(provenances))]}
	}
	return remote, local
}
