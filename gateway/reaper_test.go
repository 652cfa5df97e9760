package gateway

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	sessionredis "goa.design/chorus/features/session/redis"
	"goa.design/chorus/runtime/agent/session"
	"goa.design/chorus/runtime/agent/session/inmem"
	"goa.design/chorus/runtime/cascade"
)

type fakeRegistry struct {
	mu        sync.Mutex
	known     []string
	expired   map[string]bool
	failCheck map[string]bool
	failDrop  map[string]bool
	forgotten []string
}

func (r *fakeRegistry) KnownSessions(context.Context) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.known)
}

func (r *fakeRegistry) Expired(_ context.Context, id string) (bool, error) {
	if r.failCheck[id] {
		return false, errors.New("check failed")
	}
	return r.expired[id], nil
}

func (r *fakeRegistry) ForgetSession(_ context.Context, id string) error {
	if r.failDrop[id] {
		return errors.New("forget failed")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgotten = append(r.forgotten, id)
	r.known = slices.DeleteFunc(r.known, func(s string) bool { return s == id })
	return nil
}

type fakeAudit struct{ dropped []string }

func (a *fakeAudit) Forget(_ context.Context, id string) error {
	a.dropped = append(a.dropped, id)
	return nil
}

func TestReaperSweep(t *testing.T) {
	ctx := context.Background()
	reg := &fakeRegistry{
		known:     []string{"live", "gone", "broken", "stuck", "old"},
		expired:   map[string]bool{"gone": true, "stuck": true, "old": true},
		failCheck: map[string]bool{"broken": true},
		failDrop:  map[string]bool{"stuck": true},
	}
	audit := &fakeAudit{}
	r := NewReaper(reg, audit, nil)

	require.Equal(t, 2, r.Sweep(ctx))
	require.Equal(t, []string{"gone", "old"}, reg.forgotten)
	require.Equal(t, []string{"gone", "old"}, audit.dropped)
	require.Equal(t, []string{"live", "broken", "stuck"}, reg.KnownSessions(ctx))

	require.Zero(t, r.Sweep(ctx))
}

func TestReaperSweepWithoutAudit(t *testing.T) {
	reg := &fakeRegistry{known: []string{"a"}, expired: map[string]bool{"a": true}}
	r := NewReaper(reg, nil, nil)
	require.Equal(t, 1, r.Sweep(context.Background()))
	require.Empty(t, reg.KnownSessions(context.Background()))
}

func TestReaperStopWithoutStart(t *testing.T) {
	r := NewReaper(&fakeRegistry{}, nil, nil)
	r.Stop()
	r.Stop()
}

func TestReaperForgetsSessionsIdleWorkersWatch(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	store := sessionredis.NewStore(sessionredis.Options{Redis: rdb, TTL: time.Second})
	l := sessionredis.NewLog(sessionredis.LogOptions{Redis: rdb, Touch: store.Touch})
	var handled atomic.Int32
	w, err := cascade.NewWorker(store, l, inmem.NewPublisher(),
		cascade.HandlerFunc(func(context.Context, session.Event) { handled.Add(1) }),
		cascade.WithConsumer("worker-a"))
	require.NoError(t, err)

	store.RegisterSession(ctx, "s1")
	l.EnsureGroup(ctx, "s1")
	l.Enqueue(ctx, "s1", session.NewUserEntry("m1", "user", "hello"))
	require.True(t, w.ProcessOnce(ctx))
	require.EqualValues(t, 1, handled.Load())

	require.Eventually(t, func() bool {
		expired, err := store.Expired(ctx, "s1")
		return err == nil && expired
	}, 5*time.Second, 50*time.Millisecond)

	// Idle polls keep watching the registered session until it is reaped.
	for range 3 {
		require.False(t, w.ProcessOnce(ctx))
	}
	expired, err := store.Expired(ctx, "s1")
	require.NoError(t, err)
	require.True(t, expired)

	r := NewReaper(store, nil, nil)
	require.Equal(t, 1, r.Sweep(ctx))
	require.Empty(t, store.KnownSessions(ctx))
	keys, err := rdb.Keys(ctx, "*").Result()
	require.NoError(t, err)
	require.Empty(t, keys)
}
