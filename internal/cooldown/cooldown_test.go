package cooldown

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantpulse/sentinel/pkg/config"
)

func TestMemoryStore_AcquireAndBlock(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ok, err := store.Acquire(ctx, "alert:grants.gov", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second acquisition inside the window is rejected
	ok, err = store.Acquire(ctx, "alert:grants.gov", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Different keys are independent cooldowns
	ok, err = store.Acquire(ctx, "alert:other.org", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_ExpiryIsLazy(t *testing.T) {
	store := NewMemoryStore()
	current := time.Now()
	store.now = func() time.Time { return current }
	ctx := context.Background()

	ok, _ := store.Acquire(ctx, "k", time.Minute)
	require.True(t, ok)

	// Still cooling down just before expiry
	current = current.Add(59 * time.Second)
	ok, _ = store.Acquire(ctx, "k", time.Minute)
	assert.False(t, ok)

	// Free again once the window has passed
	current = current.Add(2 * time.Second)
	ok, _ = store.Acquire(ctx, "k", time.Minute)
	assert.True(t, ok)
}

func TestMemoryStore_Remaining(t *testing.T) {
	store := NewMemoryStore()
	current := time.Now()
	store.now = func() time.Time { return current }
	ctx := context.Background()

	remaining, err := store.Remaining(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), remaining)

	store.Acquire(ctx, "k", time.Minute)
	remaining, _ = store.Remaining(ctx, "k")
	assert.Equal(t, time.Minute, remaining)

	current = current.Add(40 * time.Second)
	remaining, _ = store.Remaining(ctx, "k")
	assert.Equal(t, 20*time.Second, remaining)

	current = current.Add(30 * time.Second)
	remaining, _ = store.Remaining(ctx, "k")
	assert.Equal(t, time.Duration(0), remaining)
}

func TestMemoryStore_Clear(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Acquire(ctx, "k", time.Hour)
	require.NoError(t, store.Clear(ctx, "k"))

	ok, _ := store.Acquire(ctx, "k", time.Hour)
	assert.True(t, ok)
}

func TestMemoryStore_PrunesExpiredEntries(t *testing.T) {
	store := NewMemoryStore()
	current := time.Now()
	store.now = func() time.Time { return current }
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		store.Acquire(ctx, fmt.Sprintf("old-%d", i), time.Second)
	}
	current = current.Add(time.Minute)

	// Push past the sweep threshold; dead keys must be dropped
	for i := 0; i < pruneEvery; i++ {
		store.Acquire(ctx, fmt.Sprintf("new-%d", i), time.Hour)
	}
	assert.LessOrEqual(t, store.Len(), pruneEvery)
}

func TestMemoryStore_ConcurrentAcquireSingleWinner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const goroutines = 32
	var wg sync.WaitGroup
	wins := make(chan bool, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := store.Acquire(ctx, "contested", time.Minute)
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for ok := range wins {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

// Redis-backed store checks run only when a test instance is available.
func TestRedisStore_Acquire(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping Redis cooldown test")
	}

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	client, err := NewRedisClient(&config.RedisConfig{Host: host, Port: port, PoolSize: 2})
	require.NoError(t, err)
	defer client.Close()

	store := NewRedisStore(client, "sentinel:test:cooldown:")
	ctx := context.Background()
	key := fmt.Sprintf("k-%d", time.Now().UnixNano())
	defer store.Clear(ctx, key)

	ok, err := store.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	remaining, err := store.Remaining(ctx, key)
	require.NoError(t, err)
	assert.Greater(t, remaining, 50*time.Second)

	require.NoError(t, store.Clear(ctx, key))
	ok, _ = store.Acquire(ctx, key, time.Minute)
	assert.True(t, ok)
}
