package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/digkill/motiongif/internal/cache"
)

// setupRedis spins up a Redis container and returns a connected locker.
func setupRedis(t *testing.T) *cache.RedisLocker {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	locker, err := cache.NewRedisLocker("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	t.Cleanup(func() { _ = locker.Close() })
	return locker
}

func TestRedisLocker_Exclusive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	locker := setupRedis(t)
	ctx := context.Background()
	key := cache.SweepLockKey("test")

	token, ok, err := locker.TryLock(ctx, key, 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// A stale token must not release someone else's lease.
	require.NoError(t, locker.Unlock(ctx, key, "stale"))
	_, ok, err = locker.TryLock(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Unlock(ctx, key, token))
	_, ok, err = locker.TryLock(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_Expires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	locker := setupRedis(t)
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "lease", 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok, err := locker.TryLock(ctx, "lease", time.Second)
		return err == nil && ok
	}, 3*time.Second, 50*time.Millisecond)
}

func TestNewRedisLocker_BadURL(t *testing.T) {
	_, err := cache.NewRedisLocker("not a url")
	require.Error(t, err)
}
