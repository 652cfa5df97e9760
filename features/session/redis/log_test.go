package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"goa.design/chorus/runtime/agent/session"
)

func TestLogLazyGroupCreation(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	l := NewLog(LogOptions{Redis: rdb})

	// A stream written without the log has no group yet.
	require.NoError(t, rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: EventsKey("s1"),
		Values: session.NewUserEntry("m1", "user", "hi"),
	}).Err())

	evs, err := l.Read(ctx, "worker-a", []string{"s1"})
	require.NoError(t, err)
	require.Empty(t, evs)

	groups, err := rdb.XInfoGroups(ctx, EventsKey("s1")).Result()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, DefaultGroup, groups[0].Name)

	evs, err = l.Read(ctx, "worker-a", []string{"s1"})
	require.NoError(t, err)
	require.Len(t, evs, 1, "group starts at the beginning of the stream")
}

func TestLogEnqueueReadAck(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	var touched atomic.Int32
	l := NewLog(LogOptions{Redis: rdb, Touch: func(context.Context, string) { touched.Add(1) }})

	l.EnsureGroup(ctx, "s1")
	l.EnsureGroup(ctx, "s1")
	id := l.Enqueue(ctx, "s1", session.NewUserEntry("m1", "user", "hello"))
	require.NotEmpty(t, id)
	require.EqualValues(t, 1, touched.Load())

	evs, err := l.Read(ctx, "worker-a", []string{"s2", "s1"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	ev := evs[0]
	require.Equal(t, id, ev.ID)
	require.Equal(t, "s1", ev.SessionID)
	require.Equal(t, session.EventMessageNew, ev.Type())
	require.Equal(t, "hello", ev.Fields[session.FieldText])

	pending, err := rdb.XPending(ctx, EventsKey("s1"), DefaultGroup).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, pending.Count)

	require.NoError(t, l.Ack(ctx, ev))
	pending, err = rdb.XPending(ctx, EventsKey("s1"), DefaultGroup).Result()
	require.NoError(t, err)
	require.Zero(t, pending.Count)

	start := time.Now()
	evs, err = l.Read(ctx, "worker-a", []string{"s1"})
	require.NoError(t, err)
	require.Empty(t, evs)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "empty reads block briefly")
}

func TestLogCompetingConsumers(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	l := NewLog(LogOptions{Redis: rdb})
	l.EnsureGroup(ctx, "s1")
	for range 10 {
		l.Enqueue(ctx, "s1", session.NewUserEntry("m", "user", "x"))
	}

	var (
		mu   sync.Mutex
		seen = map[string]string{}
		dups int
		wg   sync.WaitGroup
	)
	for _, consumer := range []string{"worker-a", "worker-b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				evs, err := l.Read(ctx, consumer, []string{"s1"})
				if err != nil {
					return
				}
				for _, ev := range evs {
					mu.Lock()
					if _, dup := seen[ev.ID]; dup {
						dups++
					}
					seen[ev.ID] = consumer
					mu.Unlock()
					_ = l.Ack(ctx, ev)
				}
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 10)
	require.Zero(t, dups, "each entry is delivered to exactly one consumer")
}

func TestLogMaxLen(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	l := NewLog(LogOptions{Redis: rdb, MaxLen: 10})
	for range 500 {
		l.Enqueue(ctx, "s1", map[string]string{session.FieldType: "noise"})
	}
	n, err := rdb.XLen(ctx, EventsKey("s1")).Result()
	require.NoError(t, err)
	require.Less(t, n, int64(500), "stream is trimmed approximately")
}

func TestLogDegraded(t *testing.T) {
	ctx := context.Background()
	l := NewLog(LogOptions{})
	require.Empty(t, l.Enqueue(ctx, "s1", session.NewUserEntry("m", "u", "t")))
	_, err := l.Read(ctx, "w", []string{"s1"})
	require.ErrorIs(t, err, session.ErrStoreUnavailable)
	require.ErrorIs(t, l.Ack(ctx, session.Event{SessionID: "s1", ID: "1-0"}), session.ErrStoreUnavailable)
	require.Equal(t, DefaultGroup, l.Group())
}

func TestLogReadDoesNotRecreateExpiredStreams(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	s := NewStore(Options{Redis: rdb, TTL: time.Second})
	l := NewLog(LogOptions{Redis: rdb, Touch: s.Touch})

	s.RegisterSession(ctx, "gone")
	l.EnsureGroup(ctx, "gone")
	l.Enqueue(ctx, "gone", session.NewUserEntry("m1", "user", "hi"))
	evs, err := l.Read(ctx, "worker-a", []string{"gone"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.NoError(t, l.Ack(ctx, evs[0]))

	require.Eventually(t, func() bool {
		expired, err := s.Expired(ctx, "gone")
		return err == nil && expired
	}, 5*time.Second, 50*time.Millisecond)

	// A live session registered after the expiry is still served.
	s.RegisterSession(ctx, "live")
	l.EnsureGroup(ctx, "live")
	id := l.Enqueue(ctx, "live", session.NewUserEntry("m2", "user", "hello"))

	var got []session.Event
	for range 3 {
		evs, err := l.Read(ctx, "worker-a", s.KnownSessions(ctx))
		require.NoError(t, err)
		got = append(got, evs...)
	}
	require.Len(t, got, 1)
	require.Equal(t, id, got[0].ID)
	require.Equal(t, "live", got[0].SessionID)

	n, err := rdb.Exists(ctx, EventsKey("gone")).Result()
	require.NoError(t, err)
	require.Zero(t, n, "expired stream stays gone")
	expired, err := s.Expired(ctx, "gone")
	require.NoError(t, err)
	require.True(t, expired)
}
