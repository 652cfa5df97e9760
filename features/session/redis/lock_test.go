package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/chorus/runtime/agent/session"
)

func TestLockerMutualExclusion(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	l := NewLocker(LockOptions{Redis: rdb, Wait: 2 * time.Second, Retry: 5 * time.Millisecond})

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session.WithLock(ctx, l, "s1", func(context.Context) {
				n := inside.Add(1)
				for {
					m := maxSeen.Load()
					if n <= m || maxSeen.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inside.Add(-1)
			})
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, maxSeen.Load())
}

func TestLockerTimeoutAndRelease(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	l := NewLocker(LockOptions{Redis: rdb, Wait: 100 * time.Millisecond})

	release, ok := l.Acquire(ctx, "s1")
	require.True(t, ok)
	ttl, err := rdb.PTTL(ctx, LockKey("s1")).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, 29*time.Second)

	start := time.Now()
	_, ok = l.Acquire(ctx, "s1")
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	release()
	release()
	n, err := rdb.Exists(ctx, LockKey("s1")).Result()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestLockerReleaseKeepsForeignToken(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	l := NewLocker(LockOptions{Redis: rdb, TTL: 50 * time.Millisecond, Wait: 10 * time.Millisecond})

	release, ok := l.Acquire(ctx, "s1")
	require.True(t, ok)
	time.Sleep(100 * time.Millisecond)

	// The lock expired and another owner took it.
	require.NoError(t, rdb.Set(ctx, LockKey("s1"), "other-owner", time.Minute).Err())
	release()

	owner, err := rdb.Get(ctx, LockKey("s1")).Result()
	require.NoError(t, err)
	require.Equal(t, "other-owner", owner)
}

func TestLockerFailsClosed(t *testing.T) {
	ctx := context.Background()
	l := NewLocker(LockOptions{})
	ran := session.WithLock(ctx, l, "s1", func(context.Context) { t.Fatal("must not run") })
	require.False(t, ran)
}
