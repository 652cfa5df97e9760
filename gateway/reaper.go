package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/pulse/pool"

	"goa.design/chorus/runtime/agent/telemetry"
)

type (
	// Registry is the view of the session registry the reaper prunes.
	Registry interface {
		KnownSessions(ctx context.Context) []string
		// Expired reports whether none of the session keys remain.
		Expired(ctx context.Context, sessionID string) (bool, error)
		ForgetSession(ctx context.Context, sessionID string) error
	}

	// AuditLog is the audit trail dropped along with expired sessions.
	AuditLog interface {
		Forget(ctx context.Context, sessionID string) error
	}

	// Reaper removes expired sessions from the registry. Every node of a
	// deployment runs one; the Pulse distributed ticker delivers each tick to
	// a single node.
	Reaper struct {
		registry Registry
		audit    AuditLog
		logger   telemetry.Logger

		ticker *pool.Ticker
		cancel context.CancelFunc
		wg     sync.WaitGroup
		once   sync.Once
	}
)

const (
	// DefaultReaperInterval is the default period between registry sweeps.
	DefaultReaperInterval = time.Minute

	reaperTickerName = "chorus:reaper"
)

// NewReaper returns a reaper pruning registry. audit may be nil.
func NewReaper(registry Registry, audit AuditLog, logger telemetry.Logger) *Reaper {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Reaper{registry: registry, audit: audit, logger: logger}
}

// Start joins the distributed ticker of node and sweeps on every tick
// delivered to this node until Stop is called.
func (r *Reaper) Start(ctx context.Context, node *pool.Node, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	ticker, err := node.NewTicker(ctx, reaperTickerName, interval)
	if err != nil {
		return fmt.Errorf("create reaper ticker: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.ticker = ticker
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				r.Sweep(loopCtx)
			}
		}
	}()
	return nil
}

// Sweep forgets every registered session whose keys have expired and
// returns the number of sessions removed.
func (r *Reaper) Sweep(ctx context.Context) int {
	removed := 0
	for _, id := range r.registry.KnownSessions(ctx) {
		expired, err := r.registry.Expired(ctx, id)
		if err != nil {
			r.logger.Debug(ctx, "expiry check failed", "session", id, "err", err)
			continue
		}
		if !expired {
			continue
		}
		if err := r.registry.ForgetSession(ctx, id); err != nil {
			r.logger.Warn(ctx, "forget session failed", "session", id, "err", err)
			continue
		}
		if r.audit != nil {
			if err := r.audit.Forget(ctx, id); err != nil {
				r.logger.Debug(ctx, "drop audit log failed", "session", id, "err", err)
			}
		}
		removed++
	}
	if removed > 0 {
		r.logger.Info(ctx, "expired sessions removed", "count", removed)
	}
	return removed
}

// Stop leaves the distributed ticker and waits for the sweep loop to exit.
func (r *Reaper) Stop() {
	r.once.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		if r.ticker != nil {
			r.ticker.Stop()
		}
		r.wg.Wait()
	})
}
