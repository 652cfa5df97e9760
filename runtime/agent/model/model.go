// Package model provides the provider-agnostic completion contract used by the
// cascade orchestrator. Adapters under features/model translate Request values
// into OpenAI or Anthropic API calls.
package model

import (
	"context"
	"errors"
	"strings"
)

type (
	// Client invokes a chat completion endpoint. Implementations must be safe
	// for concurrent use.
	Client interface {
		// Complete sends req to the provider and returns the generated text.
		// Transport and provider failures are returned as errors; a successful
		// call with no text returns a Response whose Text is empty.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request captures the normalized parameters of one completion.
	Request struct {
		// Model is the provider specific model identifier.
		Model string
		// System holds the system instructions in order. Empty entries are
		// skipped by adapters.
		System []string
		// Messages is the ordered conversation, oldest first.
		Messages []Message
		// Temperature is the sampling temperature.
		Temperature float64
		// MaxTokens caps the number of generated tokens.
		MaxTokens int64
	}

	// Message is one conversation turn.
	Message struct {
		Role    ConversationRole
		Content string
	}

	// ConversationRole is the speaker of a Message as understood by providers.
	ConversationRole string

	// Response is the outcome of a completion.
	Response struct {
		// Text is the trimmed assistant output.
		Text string
		// Usage reports token counts when the provider returns them.
		Usage TokenUsage
		// StopReason is the provider specific termination reason.
		StopReason string
	}

	// TokenUsage records prompt and completion token counts.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}

	// ClientFunc adapts a function to the Client interface.
	ClientFunc func(ctx context.Context, req Request) (Response, error)
)

const (
	// RoleUser marks user turns and, by convention, every non-agent author.
	RoleUser ConversationRole = "user"
	// RoleAssistant marks turns produced by agents.
	RoleAssistant ConversationRole = "assistant"
)

var (
	// ErrRateLimited is returned when a completion is rejected because the
	// local or provider token budget is exhausted.
	ErrRateLimited = errors.New("model: rate limited")

	// ErrNotConfigured is returned when an agent lacks the credentials or
	// model required to call its endpoint.
	ErrNotConfigured = errors.New("model: client not configured")
)

// Complete implements Client.
func (f ClientFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Text joins the non-empty fragments produced by a provider and trims the
// result.
func Text(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p)
	}
	return strings.TrimSpace(b.String())
}
