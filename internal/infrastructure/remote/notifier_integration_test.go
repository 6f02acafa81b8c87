//go:build integration

package remote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisNotifier_PublishListen(t *testing.T) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	n := NewRedisNotifierWithClient(client)

	var (
		mu  sync.Mutex
		got []ChangeNotice
	)
	stop, err := n.Listen(ctx, "gastos", "t1", func(c ChangeNotice) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, n.Publish(ctx, ChangeNotice{Collection: "gastos", TenantID: "t2", ID: "skip"}))
	require.NoError(t, n.Publish(ctx, ChangeNotice{Collection: "gastos", TenantID: "t1", Action: ChangePut, ID: "a"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, ChangePut, got[0].Action)
	mu.Unlock()
}
