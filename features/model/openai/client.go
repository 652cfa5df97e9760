// Package openai provides a model.Client implementation backed by
// OpenAI-compatible Chat Completions endpoints. It translates cascade requests
// into ChatCompletion calls using github.com/openai/openai-go.
package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/chorus/runtime/agent/model"
)

const providerName = "openai"

// ChatClient captures the subset of the openai-go client used by the adapter.
// *openai.ChatCompletionService satisfies it.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	// Client issues the requests. Required.
	Client ChatClient
	// DefaultModel is used when a request does not name a model. Required.
	DefaultModel string
}

// Client implements model.Client via the Chat Completions API.
type Client struct {
	chat  ChatClient
	model string
}

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client talking to baseURL (the public OpenAI API
// when empty). Requests are bounded by timeout and never retried by the SDK.
func NewFromAPIKey(apiKey, baseURL, defaultModel string, timeout time.Duration) (*Client, error) {
	if apiKey == "" {
		return nil, model.ErrNotConfigured
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	c := openai.NewClient(opts...)
	return New(Options{Client: &c.Chat.Completions, DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	if len(req.Messages) == 0 {
		return model.Response{}, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	params := openai.ChatCompletionNewParams{
		Model:    modelID,
		Messages: encodeMessages(req),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(req.MaxTokens)
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return model.Response{}, fmt.Errorf("openai chat completion: %w", translateError(modelID, err))
	}
	return translateResponse(resp), nil
}

func encodeMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.System)+len(req.Messages))
	for _, s := range req.System {
		if s != "" {
			messages = append(messages, openai.SystemMessage(s))
		}
	}
	for _, m := range req.Messages {
		if m.Role == model.RoleAssistant {
			messages = append(messages, openai.AssistantMessage(m.Content))
			continue
		}
		messages = append(messages, openai.UserMessage(m.Content))
	}
	return messages
}

func translateResponse(resp *openai.ChatCompletion) model.Response {
	if resp == nil || len(resp.Choices) == 0 {
		return model.Response{}
	}
	choice := resp.Choices[0]
	return model.Response{
		Text: model.Text(choice.Message.Content),
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
		StopReason: choice.FinishReason,
	}
}

func translateError(modelID string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return model.NewProviderError(providerName, modelID, apiErr.StatusCode, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return model.NewProviderError(providerName, modelID, 0, err)
}
