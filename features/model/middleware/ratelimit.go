// Package middleware provides model.Client middlewares. The adaptive rate
// limiter keeps agent completions under a tokens-per-minute budget that can be
// shared by every process of a deployment.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/chorus/runtime/agent/model"
	"goa.design/pulse/rmap"
)

const (
	defaultTPM      = 60000
	minTPMRatio     = 0.1
	recoveryRatio   = 0.05
	backoffFactor   = 0.5
	overheadTokens  = 500
	charsPerToken   = 3
	sharedAttempts  = 3
	sharedOpTimeout = 2 * time.Second
)

type (
	// AdaptiveRateLimiter applies an AIMD token bucket on top of a
	// model.Client. Each request is charged an estimate of its token cost and
	// blocks until capacity is available. A rate limited response halves the
	// budget; a successful one raises it by a fixed step up to the maximum.
	AdaptiveRateLimiter struct {
		mu      sync.Mutex
		limiter *rate.Limiter

		currentTPM   float64
		minTPM       float64
		maxTPM       float64
		recoveryRate float64

		// onChange is invoked outside the lock with the direction of the
		// adjustment, +1 for a raise and -1 for a backoff.
		onChange func(direction int)
	}

	limitedClient struct {
		next    model.Client
		limiter *AdaptiveRateLimiter
	}

	// clusterMap is the subset of rmap.Map used to share the budget.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
		Unsubscribe(ch <-chan rmap.EventKind)
	}
)

// NewAdaptiveRateLimiter returns a limiter with the given tokens-per-minute
// budget. When m is not nil the budget is stored under key in the replicated
// map and every process joined to the map converges on it. The watcher stops
// when ctx is cancelled.
func NewAdaptiveRateLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if m == nil {
		return newClusterAdaptiveRateLimiter(ctx, nil, key, initialTPM, maxTPM)
	}
	return newClusterAdaptiveRateLimiter(ctx, m, key, initialTPM, maxTPM)
}

func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = defaultTPM
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       max(initialTPM*minTPMRatio, 1),
		maxTPM:       maxTPM,
		recoveryRate: max(initialTPM*recoveryRatio, 1),
	}
}

// Wrap returns a client enforcing the limiter before delegating to next.
func (l *AdaptiveRateLimiter) Wrap(next model.Client) model.Client {
	if next == nil {
		return nil
	}
	return &limitedClient{next: next, limiter: l}
}

// TPM returns the current effective budget.
func (l *AdaptiveRateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// Complete waits for capacity, then delegates. A cancelled wait returns the
// context error wrapped in model.ErrRateLimited.
func (c *limitedClient) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if err := c.limiter.limiter.WaitN(ctx, c.limiter.cost(req)); err != nil {
		return model.Response{}, errors.Join(model.ErrRateLimited, err)
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (l *AdaptiveRateLimiter) cost(req model.Request) int {
	tokens := estimateTokens(req)
	l.mu.Lock()
	defer l.mu.Unlock()
	// WaitN fails outright when n exceeds the burst.
	return min(tokens, int(l.currentTPM))
}

func (l *AdaptiveRateLimiter) observe(err error) {
	switch {
	case err == nil:
		l.adjust(+1)
	case errors.Is(err, model.ErrRateLimited):
		l.adjust(-1)
	}
}

func (l *AdaptiveRateLimiter) adjust(direction int) {
	l.mu.Lock()
	next := l.currentTPM + l.recoveryRate
	if direction < 0 {
		next = l.currentTPM * backoffFactor
	}
	changed := l.setLocked(next)
	cb := l.onChange
	l.mu.Unlock()
	if changed && cb != nil {
		cb(direction)
	}
}

// replaceTPM sets the budget to tpm clamped to [minTPM, maxTPM].
func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLocked(tpm)
}

func (l *AdaptiveRateLimiter) setLocked(tpm float64) bool {
	tpm = min(max(tpm, l.minTPM), l.maxTPM)
	if tpm == l.currentTPM {
		return false
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
	return true
}

// estimateTokens approximates the prompt size at one token per three
// characters plus the response bound and a fixed framing overhead.
func estimateTokens(req model.Request) int {
	chars := 0
	for _, s := range req.System {
		chars += len(s)
	}
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	return chars/charsPerToken + int(req.MaxTokens) + overheadTokens
}

func newClusterAdaptiveRateLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if key == "" || m == nil {
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}
	if initialTPM <= 0 {
		initialTPM = defaultTPM
	}
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, formatTPM(initialTPM)); err != nil {
			// Shared budget unusable, stay process-local.
			return newAdaptiveRateLimiter(initialTPM, maxTPM)
		}
	}
	shared := initialTPM
	if v, ok := readTPM(m, key); ok {
		shared = v
	}
	l := newAdaptiveRateLimiter(shared, max(maxTPM, initialTPM))
	floor, ceiling, step := l.minTPM, l.maxTPM, l.recoveryRate
	l.onChange = func(direction int) {
		go updateShared(context.Background(), m, key, func(cur float64) float64 {
			if direction < 0 {
				return max(cur*backoffFactor, floor)
			}
			return min(cur+step, ceiling)
		})
	}

	ch := m.Subscribe()
	go func() {
		defer m.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				if v, ok := readTPM(m, key); ok {
					l.replaceTPM(v)
				}
			}
		}
	}()
	return l
}

// updateShared applies fn to the shared budget with optimistic concurrency.
func updateShared(ctx context.Context, m clusterMap, key string, fn func(float64) float64) {
	ctx, cancel := context.WithTimeout(ctx, sharedOpTimeout)
	defer cancel()
	for range sharedAttempts {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		nextStr := formatTPM(fn(cur))
		if nextStr == curStr {
			return
		}
		prev, err := m.TestAndSet(ctx, key, curStr, nextStr)
		if err != nil || prev == curStr {
			return
		}
	}
}

func readTPM(m clusterMap, key string) (float64, bool) {
	cur, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(cur, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func formatTPM(tpm float64) string {
	return strconv.Itoa(int(tpm))
}
