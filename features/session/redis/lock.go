package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"goa.design/chorus/runtime/agent/session"
	"goa.design/chorus/runtime/agent/telemetry"
)

const (
	// DefaultLockTTL is the lifetime of a lock whose holder never releases it.
	DefaultLockTTL = 30 * time.Second
	// DefaultLockWait bounds how long Acquire waits for a held lock.
	DefaultLockWait = 1500 * time.Millisecond

	defaultLockRetry = 25 * time.Millisecond
)

// releaseScript deletes the lock only when it still holds the caller token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type (
	// LockOptions configures the distributed session lock.
	LockOptions struct {
		// Redis is the client used for every operation. Nil makes every
		// acquisition fail.
		Redis *goredis.Client
		// TTL defaults to DefaultLockTTL.
		TTL time.Duration
		// Wait defaults to DefaultLockWait.
		Wait time.Duration
		// Retry is the delay between attempts. Defaults to 25ms.
		Retry time.Duration
		// Logger receives lock errors.
		Logger telemetry.Logger
	}

	// Locker implements session.Locker with SET NX PX and a random owner
	// token.
	Locker struct {
		rdb    *goredis.Client
		ttl    time.Duration
		wait   time.Duration
		retry  time.Duration
		logger telemetry.Logger
	}
)

var _ session.Locker = (*Locker)(nil)

// NewLocker returns a Locker.
func NewLocker(opts LockOptions) *Locker {
	l := &Locker{
		rdb:    opts.Redis,
		ttl:    opts.TTL,
		wait:   opts.Wait,
		retry:  opts.Retry,
		logger: opts.Logger,
	}
	if l.ttl <= 0 {
		l.ttl = DefaultLockTTL
	}
	if l.wait <= 0 {
		l.wait = DefaultLockWait
	}
	if l.retry <= 0 {
		l.retry = defaultLockRetry
	}
	if l.logger == nil {
		l.logger = telemetry.NewNoopLogger()
	}
	return l
}

// Acquire implements session.Locker.
func (l *Locker) Acquire(ctx context.Context, sessionID string) (func(), bool) {
	if l.rdb == nil {
		return nil, false
	}
	key := LockKey(sessionID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			l.logger.Warn(ctx, "session lock unavailable", "session", sessionID, "err", err)
			return nil, false
		}
		if ok {
			return l.releaser(key, token), true
		}
		if !time.Now().Before(deadline) {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(l.retry):
		}
	}
}

func (l *Locker) releaser(key, token string) func() {
	var released bool
	return func() {
		if released {
			return
		}
		released = true
		// Release runs on a detached context.
		ctx, cancel := context.WithTimeout(context.Background(), defaultOpTimeout)
		defer cancel()
		if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
			l.logger.Warn(ctx, "release session lock failed", "key", key, "err", err)
		}
	}
}
