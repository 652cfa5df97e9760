package inmem

import (
	"context"
	"sync"
	"time"
)

// Locker is an in-process implementation of session.Locker.
type Locker struct {
	mu   sync.Mutex
	wait time.Duration
	held map[string]struct{}
}

// NewLocker returns a Locker that waits at most wait for a held lock.
func NewLocker(wait time.Duration) *Locker {
	return &Locker{wait: wait, held: make(map[string]struct{})}
}

// Acquire implements session.Locker.
func (l *Locker) Acquire(ctx context.Context, sessionID string) (func(), bool) {
	deadline := time.Now().Add(l.wait)
	for {
		if l.tryAcquire(sessionID) {
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, sessionID)
					l.mu.Unlock()
				})
			}, true
		}
		if !time.Now().Before(deadline) {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Held reports whether the session lock is currently held.
func (l *Locker) Held(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[sessionID]
	return ok
}

func (l *Locker) tryAcquire(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[sessionID]; ok {
		return false
	}
	l.held[sessionID] = struct{}{}
	return true
}
