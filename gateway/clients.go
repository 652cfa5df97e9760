package gateway

import (
	"context"
	"fmt"
	"time"

	"goa.design/chorus/features/model/anthropic"
	"goa.design/chorus/features/model/middleware"
	"goa.design/chorus/features/model/openai"
	"goa.design/chorus/runtime/agent"
	"goa.design/chorus/runtime/agent/model"
	"goa.design/chorus/runtime/agent/telemetry"
)

// DefaultCompletionTimeout bounds a single completion request.
const DefaultCompletionTimeout = 60 * time.Second

// NewClients builds the completion client of every usable agent of roster.
// Agents without credentials are left out. When limiter is not nil every
// client shares its token budget.
func NewClients(ctx context.Context, roster *agent.Roster, timeout time.Duration, limiter *middleware.AdaptiveRateLimiter, logger telemetry.Logger) (map[agent.Ident]model.Client, error) {
	if timeout <= 0 {
		timeout = DefaultCompletionTimeout
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	clients := make(map[agent.Ident]model.Client)
	for _, a := range roster.All() {
		if !a.Usable() {
			logger.Warn(ctx, "agent has no usable endpoint", "agent", a.ID.String(), "role", string(a.Role))
			continue
		}
		c, err := newClient(a, timeout)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.ID, err)
		}
		if limiter != nil {
			c = limiter.Wrap(c)
		}
		clients[a.ID] = c
	}
	return clients, nil
}

func newClient(a agent.Config, timeout time.Duration) (model.Client, error) {
	switch a.EffectiveProvider() {
	case agent.ProviderAnthropic:
		return anthropic.NewFromAPIKey(a.APIKey, a.APIURL, a.Model, timeout)
	case agent.ProviderOpenAI:
		return openai.NewFromAPIKey(a.APIKey, a.APIURL, a.Model, timeout)
	}
	return nil, fmt.Errorf("unknown provider %q", a.Provider)
}
