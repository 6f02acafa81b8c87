//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/erp/fleetsync/internal/domain/record"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "Failed to start Redis container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisStore_Contract(t *testing.T) {
	ctx := context.Background()
	store := NewRedisStoreWithClient(newTestRedisClient(t), "test:cache:", 16)

	entry, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, entry)

	v1, err := store.Set(ctx, "k", []byte("one"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)

	_, err = store.Set(ctx, "k", []byte("stale"), 0)
	assert.ErrorIs(t, err, record.ErrWriteConflict)

	v2, err := store.Set(ctx, "k", []byte("two"), record.AnyVersion)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)

	entry, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "two", string(entry.Data))
	assert.Equal(t, int64(2), entry.Version)

	_, err = store.Set(ctx, "k", []byte("this value is far too long"), v2)
	assert.ErrorIs(t, err, record.ErrQuotaExceeded)

	require.NoError(t, store.Delete(ctx, "k"))
	entry, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, entry)

	stats := store.Stats()
	assert.Equal(t, int64(1), stats.Conflicts)
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, int64(2), stats.Writes)
}
