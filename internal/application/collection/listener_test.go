package collection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erp/fleetsync/internal/domain/reconcile"
	"github.com/erp/fleetsync/internal/domain/record"
	"github.com/erp/fleetsync/internal/infrastructure/cache"
	"github.com/erp/fleetsync/internal/infrastructure/remote"
)

func resultChan() (chan *reconcile.Result, RefreshHook) {
	ch := make(chan *reconcile.Result, 16)
	return ch, func(_ context.Context, _ record.CollectionKey, res *reconcile.Result) {
		ch <- res
	}
}

func waitResult(t *testing.T, ch <-chan *reconcile.Result) *reconcile.Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func assertQuiet(t *testing.T, ch <-chan *reconcile.Result) {
	t.Helper()
	select {
	case res := <-ch:
		t.Fatalf("unexpected snapshot with %d records", len(res.Merged))
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestListener(t *testing.T) (*Listener, *Service, *remote.MemoryStore, *cache.InMemoryStore) {
	t.Helper()
	store := remote.NewMemoryStore(remote.WithReadyTenant("t1"))
	local := cache.NewInMemoryStore()
	svc := newTestService(t, store, local)
	l := NewListener(store, svc)
	t.Cleanup(l.Close)
	return l, svc, store, local
}

func TestListener_DeliversSnapshots(t *testing.T) {
	l, _, store, local := newTestListener(t)
	store.Seed("gastos", rec("A", "t1"))

	ch, hook := resultChan()
	unsub, err := l.Subscribe(context.Background(), testKey, t1, hook)
	require.NoError(t, err)
	defer unsub()

	first := waitResult(t, ch)
	assert.Equal(t, []string{"A"}, mergedIDs(first))
	assert.Equal(t, []string{"A"}, cachedIDs(readCache(t, local, "t1")))

	require.NoError(t, store.Put(context.Background(), "gastos", rec("B", "t1")))
	second := waitResult(t, ch)
	assert.Equal(t, []string{"A", "B"}, mergedIDs(second))
}

func TestListener_EmptySnapshotClearsCache(t *testing.T) {
	l, _, _, local := newTestListener(t)
	seedCache(t, local, "t1", record.CachedRecord{Record: rec("A", "t1"), Provenance: record.FromRemote})

	ch, hook := resultChan()
	_, err := l.Subscribe(context.Background(), testKey, t1, hook)
	require.NoError(t, err)

	res := waitResult(t, ch)
	assert.True(t, res.ClearCache)
	assert.Equal(t, 0, local.Len())
}

func TestListener_ReplacesRegistration(t *testing.T) {
	l, _, store, _ := newTestListener(t)

	firstCh, firstHook := resultChan()
	_, err := l.Subscribe(context.Background(), testKey, t1, firstHook)
	require.NoError(t, err)
	waitResult(t, firstCh)

	secondCh, secondHook := resultChan()
	_, err = l.Subscribe(context.Background(), testKey, t1, secondHook)
	require.NoError(t, err)
	waitResult(t, secondCh)

	require.Len(t, l.Active(), 1)

	require.NoError(t, store.Put(context.Background(), "gastos", rec("A", "t1")))
	assert.Equal(t, []string{"A"}, mergedIDs(waitResult(t, secondCh)))
	assertQuiet(t, firstCh)
}

func TestListener_Unsubscribe(t *testing.T) {
	l, _, store, _ := newTestListener(t)

	ch, hook := resultChan()
	unsub, err := l.Subscribe(context.Background(), testKey, t1, hook)
	require.NoError(t, err)
	waitResult(t, ch)

	unsub()
	unsub()
	assert.Empty(t, l.Active())

	require.NoError(t, store.Put(context.Background(), "gastos", rec("A", "t1")))
	assertQuiet(t, ch)
}

func TestListener_ActiveIsOrdered(t *testing.T) {
	l, _, _, _ := newTestListener(t)
	incidents := record.NewCollectionKey("incidencias", record.TypeIncident)

	_, err := l.Subscribe(context.Background(), testKey, record.Caller{TenantID: "t2"}, nil)
	require.NoError(t, err)
	_, err = l.Subscribe(context.Background(), incidents, t1, nil)
	require.NoError(t, err)
	_, err = l.Subscribe(context.Background(), testKey, t1, nil)
	require.NoError(t, err)

	active := l.Active()
	require.Len(t, active, 3)
	assert.Equal(t, "t1", active[0].TenantID)
	assert.Equal(t, "t1", active[1].TenantID)
	assert.Equal(t, "t2", active[2].TenantID)
	assert.Less(t, active[0].Key.String(), active[1].Key.String())
}

func TestListener_Close(t *testing.T) {
	l, _, store, _ := newTestListener(t)

	ch, hook := resultChan()
	_, err := l.Subscribe(context.Background(), testKey, t1, hook)
	require.NoError(t, err)
	waitResult(t, ch)

	l.Close()
	assert.Empty(t, l.Active())

	_, err = l.Subscribe(context.Background(), testKey, t1, hook)
	assert.Error(t, err)

	require.NoError(t, store.Put(context.Background(), "gastos", rec("A", "t1")))
	assertQuiet(t, ch)
}

func TestListener_SubscribeFailures(t *testing.T) {
	t.Run("remote refuses", func(t *testing.T) {
		l, _, store, _ := newTestListener(t)
		store.FailSubscribes(errors.New("too many channels"))

		_, err := l.Subscribe(context.Background(), testKey, t1, nil)
		assert.ErrorIs(t, err, record.ErrRemoteUnavailable)
		assert.Empty(t, l.Active())
	})

	t.Run("tenant unresolved", func(t *testing.T) {
		store := remote.NewMemoryStore()
		svc := newTestService(t, store, cache.NewInMemoryStore())
		l := NewListener(store, svc)
		defer l.Close()

		_, err := l.Subscribe(context.Background(), testKey, record.Caller{UserID: "u1"}, nil)
		assert.ErrorIs(t, err, record.ErrNotReady)
	})

	t.Run("invalid key", func(t *testing.T) {
		l, _, _, _ := newTestListener(t)
		_, err := l.Subscribe(context.Background(), record.CollectionKey{}, t1, nil)
		assert.Error(t, err)
	})
}

func TestListener_HookPanicIsCounted(t *testing.T) {
	l, svc, store, _ := newTestListener(t)

	ch, hook := resultChan()
	_, err := l.Subscribe(context.Background(), testKey, t1, func(ctx context.Context, key record.CollectionKey, res *reconcile.Result) {
		hook(ctx, key, res)
		panic("render failed")
	})
	require.NoError(t, err)
	waitResult(t, ch)

	// the panicking hook keeps receiving later snapshots
	require.NoError(t, store.Put(context.Background(), "gastos", rec("A", "t1")))
	waitResult(t, ch)

	assert.Eventually(t, func() bool {
		return svc.Diagnostics().HookPanics == 2
	}, time.Second, 5*time.Millisecond)
}
