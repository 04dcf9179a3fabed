package redisclient

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient connects to TEST_REDIS_ADDR and skips when it is unset.
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client, err := NewRedisClient(context.Background(), Options{Addr: addr, PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSlotLockExcludesConcurrentHolders(t *testing.T) {
	client := testClient(t)
	locker := NewRedisLocker(client, 2*time.Second)
	slotID := time.Now().UnixNano()

	var (
		wg       sync.WaitGroup
		entered  atomic.Int32
		rejected atomic.Int32
		release  = make(chan struct{})
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithSlotLock(context.Background(), slotID, func(ctx context.Context) error {
				entered.Add(1)
				<-release
				return nil
			})
			if errors.Is(err, ErrLockNotAcquired) {
				rejected.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool { return entered.Load()+rejected.Load() == 8 }, time.Second, 10*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), entered.Load())
	assert.Equal(t, int32(7), rejected.Load())

	// Released: the next caller gets in.
	err := locker.WithSlotLock(context.Background(), slotID, func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestLeaderLockOutlivesItsTTL(t *testing.T) {
	client := testClient(t)
	locker := NewRedisLocker(client, time.Second)
	name := "test-" + time.Now().Format("150405.000000")

	err := locker.WithLeaderLock(context.Background(), name, 300*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(700 * time.Millisecond)
		return locker.WithLeaderLock(ctx, name, time.Second, func(context.Context) error { return nil })
	})
	assert.ErrorIs(t, err, ErrLockNotAcquired, "refresh keeps the key alive past its ttl")

	exists, err := client.Exists(context.Background(), "lock:leader:"+name).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestRateCacheRoundTrip(t *testing.T) {
	client := testClient(t)
	cache := NewRateCache(client, "TST"+time.Now().Format("150405"))

	_, ok, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	rates := map[string]decimal.Decimal{
		"USD": decimal.RequireFromString("0.0205"),
		"SAR": decimal.RequireFromString("0.0769"),
	}
	require.NoError(t, cache.Set(context.Background(), rates, time.Minute))

	got, ok, err := cache.Get(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rates["USD"].Equal(got["USD"]))
	assert.True(t, rates["SAR"].Equal(got["SAR"]))
}
