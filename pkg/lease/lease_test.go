package lease

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	return NewRedis(client, "test:", logger), server
}

func TestRedis_AcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	locker, server := newRedis(t)

	release, err := locker.Acquire(ctx, "scheduler", time.Minute)
	require.NoError(t, err)
	assert.True(t, server.Exists("test:scheduler"))

	_, err = locker.Acquire(ctx, "scheduler", time.Minute)
	require.ErrorIs(t, err, ErrHeld)

	other, err := locker.Acquire(ctx, "delivery", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	assert.False(t, server.Exists("test:scheduler"))

	again, err := locker.Acquire(ctx, "scheduler", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestRedis_ExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	ctx := context.Background()
	locker, server := newRedis(t)

	stale, err := locker.Acquire(ctx, "scheduler", time.Second)
	require.NoError(t, err)

	server.FastForward(2 * time.Second)

	current, err := locker.Acquire(ctx, "scheduler", time.Minute)
	require.NoError(t, err)

	require.NoError(t, stale(ctx))
	assert.True(t, server.Exists("test:scheduler"))

	require.NoError(t, current(ctx))
	assert.False(t, server.Exists("test:scheduler"))
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	locker := NewLocal()

	calls := 0
	err := Run(ctx, locker, "tick", time.Minute, func(ctx context.Context) {
		calls++

		nested := Run(ctx, locker, "tick", time.Minute, func(context.Context) { calls++ })
		assert.ErrorIs(t, nested, ErrHeld)
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	require.NoError(t, Run(ctx, locker, "tick", time.Minute, func(context.Context) { calls++ }))
	assert.Equal(t, 2, calls)
}
