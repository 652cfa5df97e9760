package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"goa.design/chorus/runtime/agent/session"
)

func TestStoreRecentWindow(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	s := NewStore(Options{Redis: rdb, RecentLimit: 3, TTL: time.Minute})

	for i := range 5 {
		s.AppendRecent(ctx, "s1", session.Message{MessageID: fmt.Sprint(i), Role: session.RoleUser, Text: "t"})
	}
	got := s.RecentMessages(ctx, "s1")
	require.Len(t, got, 3)
	require.Equal(t, "2", got[0].MessageID)
	require.Equal(t, "4", got[2].MessageID)

	ttl, err := rdb.TTL(ctx, RecentKey("s1")).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
	require.LessOrEqual(t, ttl, time.Minute)
}

func TestStoreRecentWindowProperty(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("window holds the last min(n, limit) messages in order", prop.ForAll(
		func(limit, n int) bool {
			sid := fmt.Sprintf("prop-%d-%d-%d", limit, n, time.Now().UnixNano())
			s := NewStore(Options{Redis: rdb, RecentLimit: limit})
			for i := range n {
				s.AppendRecent(ctx, sid, session.Message{MessageID: fmt.Sprint(i)})
			}
			got := s.RecentMessages(ctx, sid)
			want := min(n, limit)
			if len(got) != want {
				return false
			}
			for i, m := range got {
				if m.MessageID != fmt.Sprint(n-want+i) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

func TestStoreSummaryAndFacts(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	s := NewStore(Options{Redis: rdb, RecentLimit: 2})

	require.Equal(t, session.Summary{}, s.Summary(ctx, "s1"))
	s.UpdateSummary(ctx, "s1", "first")
	s.UpdateSummary(ctx, "s1", "second")
	sum := s.Summary(ctx, "s1")
	require.Equal(t, "second", sum.Text)
	require.WithinDuration(t, time.Now(), sum.UpdatedAt, 5*time.Second)

	for i := range 5 {
		s.AddFact(ctx, "s1", fmt.Sprint(i))
	}
	require.Equal(t, []string{"4", "3", "2"}, s.Facts(ctx, "s1"))
}

func TestStoreRegistryAndExpiry(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	s := NewStore(Options{Redis: rdb, TTL: time.Second})

	s.RegisterSession(ctx, "s1")
	s.RegisterSession(ctx, "s1")
	s.RegisterSession(ctx, "s2")
	require.ElementsMatch(t, []string{"s1", "s2"}, s.KnownSessions(ctx))

	s.AppendRecent(ctx, "s1", session.Message{MessageID: "m1"})
	expired, err := s.Expired(ctx, "s1")
	require.NoError(t, err)
	require.False(t, expired)

	expired, err = s.Expired(ctx, "s2")
	require.NoError(t, err)
	require.True(t, expired)

	require.NoError(t, s.ForgetSession(ctx, "s2"))
	require.Equal(t, []string{"s1"}, s.KnownSessions(ctx))

	require.Eventually(t, func() bool {
		expired, err := s.Expired(ctx, "s1")
		return err == nil && expired
	}, 5*time.Second, 100*time.Millisecond)
}

func TestStoreTouchRefreshesAllKeys(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	s := NewStore(Options{Redis: rdb, TTL: time.Hour})

	require.NoError(t, rdb.Set(ctx, EventLogKey("s1"), "x", 0).Err())
	s.UpdateSummary(ctx, "s1", "sum")
	s.AddFact(ctx, "s1", "fact")

	for _, key := range []string{SummaryKey("s1"), FactsKey("s1"), EventLogKey("s1")} {
		ttl, err := rdb.TTL(ctx, key).Result()
		require.NoError(t, err)
		require.Greater(t, ttl, 59*time.Minute, key)
	}
}

func TestStoreDegraded(t *testing.T) {
	ctx := context.Background()
	s := NewStore(Options{})

	require.False(t, s.Available(ctx))
	require.ErrorIs(t, s.Ping(ctx), session.ErrStoreUnavailable)
	require.Equal(t, "session-redis", s.Name())

	s.AppendRecent(ctx, "s1", session.Message{MessageID: "m1"})
	s.UpdateSummary(ctx, "s1", "x")
	s.AddFact(ctx, "s1", "x")
	s.RegisterSession(ctx, "s1")
	require.Nil(t, s.RecentMessages(ctx, "s1"))
	require.Nil(t, s.Facts(ctx, "s1"))
	require.Nil(t, s.KnownSessions(ctx))
	require.Empty(t, s.Summary(ctx, "s1").Text)
	require.ErrorIs(t, s.ForgetSession(ctx, "s1"), session.ErrStoreUnavailable)
	require.Equal(t, DefaultRecentLimit, s.RecentLimit())
}
