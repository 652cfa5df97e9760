package inmem

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/chorus/runtime/agent/session"
)

func TestStoreTrimsRecentWindow(t *testing.T) {
	ctx := context.Background()
	s := New(3)
	for i := range 5 {
		s.AppendRecent(ctx, "s1", session.Message{MessageID: fmt.Sprint(i)})
	}
	got := s.RecentMessages(ctx, "s1")
	require.Len(t, got, 3)
	require.Equal(t, "2", got[0].MessageID)
	require.Equal(t, "4", got[2].MessageID)
}

func TestStoreFactsAndSummary(t *testing.T) {
	ctx := context.Background()
	s := New(2)
	for i := range 5 {
		s.AddFact(ctx, "s1", fmt.Sprint(i))
	}
	require.Equal(t, []string{"4", "3", "2"}, s.Facts(ctx, "s1"))

	require.Empty(t, s.Summary(ctx, "s1").Text)
	s.UpdateSummary(ctx, "s1", "first")
	s.UpdateSummary(ctx, "s1", "second")
	sum := s.Summary(ctx, "s1")
	require.Equal(t, "second", sum.Text)
	require.False(t, sum.UpdatedAt.IsZero())
}

func TestStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	s.RegisterSession(ctx, "b")
	s.RegisterSession(ctx, "a")
	s.RegisterSession(ctx, "a")
	require.Equal(t, []string{"a", "b"}, s.KnownSessions(ctx))

	s.SetAvailable(false)
	require.False(t, s.Available(ctx))
	s.AppendRecent(ctx, "a", session.Message{MessageID: "m"})
	require.Nil(t, s.RecentMessages(ctx, "a"))
	require.Nil(t, s.KnownSessions(ctx))

	s.SetAvailable(true)
	require.Empty(t, s.RecentMessages(ctx, "a"))
	s.ForgetSession(ctx, "b")
	require.Equal(t, []string{"a"}, s.KnownSessions(ctx))
}

func TestLogGroupSemantics(t *testing.T) {
	ctx := context.Background()
	l := NewLog()
	id := l.Enqueue(ctx, "s1", session.NewUserEntry("m1", "user", "hi"))
	require.NotEmpty(t, id)

	evs, err := l.Read(ctx, "w1", []string{"s1"})
	require.NoError(t, err)
	require.Empty(t, evs, "missing group is created and reports nothing")

	evs, err = l.Read(ctx, "w1", []string{"s1"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, id, evs[0].ID)
	require.Equal(t, "s1", evs[0].SessionID)
	require.Equal(t, 1, l.Pending("s1"))

	evs2, err := l.Read(ctx, "w2", []string{"s1"})
	require.NoError(t, err)
	require.Empty(t, evs2, "entries are delivered once per group")

	require.NoError(t, l.Ack(ctx, evs[0]))
	require.Zero(t, l.Pending("s1"))
	require.Len(t, l.Entries("s1"), 1)
}

func TestLockerWaitBound(t *testing.T) {
	ctx := context.Background()
	l := NewLocker(30 * time.Millisecond)
	release, ok := l.Acquire(ctx, "s1")
	require.True(t, ok)

	start := time.Now()
	_, ok = l.Acquire(ctx, "s1")
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	_, ok = l.Acquire(ctx, "s2")
	require.True(t, ok, "locks are per session")

	release()
	release()
	_, ok = l.Acquire(ctx, "s1")
	require.True(t, ok)
}

func TestPublisherFanout(t *testing.T) {
	ctx := context.Background()
	p := NewPublisher()
	sub, err := p.Subscribe(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, p.Subscribers("s1"))

	p.Broadcast(ctx, "s1", session.Connected("s1"))
	p.Broadcast(ctx, "s2", session.Connected("s2"))

	got, err := session.DecodePayload(<-sub.Messages())
	require.NoError(t, err)
	require.Equal(t, "s1", got.SessionID)
	require.Equal(t, []session.PayloadType{session.PayloadStateUpdate}, p.Types("s1"))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.Zero(t, p.Subscribers("s1"))
	_, open := <-sub.Messages()
	require.False(t, open)
}
