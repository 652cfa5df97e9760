package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"

	openaimodel "goa.design/chorus/features/model/openai"
	"goa.design/chorus/runtime/agent/model"
)

type mockChatClient struct {
	captured openai.ChatCompletionNewParams
	response *openai.ChatCompletion
	err      error
}

func (m *mockChatClient) New(_ context.Context, body openai.ChatCompletionNewParams, _ ...option.RequestOption) (*openai.ChatCompletion, error) {
	m.captured = body
	return m.response, m.err
}

func TestClientComplete(t *testing.T) {
	mock := &mockChatClient{response: &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{
			FinishReason: "stop",
			Message:      openai.ChatCompletionMessage{Content: "  hi there \n"},
		}},
		Usage: openai.CompletionUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
	client, err := openaimodel.New(openaimodel.Options{Client: mock, DefaultModel: "gpt-4o-mini"})
	require.NoError(t, err)

	resp, err := client.Complete(context.Background(), model.Request{
		System:      []string{"be nice", "", "persona"},
		Messages:    []model.Message{{Role: model.RoleUser, Content: "ping"}, {Role: model.RoleAssistant, Content: "pong"}},
		Temperature: 0.6,
		MaxTokens:   200,
	})
	require.NoError(t, err)
	require.Equal(t, "hi there", resp.Text)
	require.Equal(t, "stop", resp.StopReason)
	require.Equal(t, 15, resp.Usage.TotalTokens)

	raw, err := json.Marshal(mock.captured)
	require.NoError(t, err)
	var body struct {
		Model       string  `json:"model"`
		Temperature float64 `json:"temperature"`
		MaxTokens   int64   `json:"max_tokens"`
		Messages    []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	require.Equal(t, "gpt-4o-mini", body.Model)
	require.Equal(t, 0.6, body.Temperature)
	require.EqualValues(t, 200, body.MaxTokens)
	require.Len(t, body.Messages, 4)
	require.Equal(t, "system", body.Messages[0].Role)
	require.Equal(t, "persona", body.Messages[1].Content)
	require.Equal(t, "user", body.Messages[2].Role)
	require.Equal(t, "assistant", body.Messages[3].Role)
}

func TestClientCompleteNoChoices(t *testing.T) {
	client, err := openaimodel.New(openaimodel.Options{Client: &mockChatClient{response: &openai.ChatCompletion{}}, DefaultModel: "m"})
	require.NoError(t, err)
	resp, err := client.Complete(context.Background(), model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "x"}}})
	require.NoError(t, err)
	require.Empty(t, resp.Text)
}

func TestClientCompleteValidation(t *testing.T) {
	_, err := openaimodel.New(openaimodel.Options{DefaultModel: "m"})
	require.Error(t, err)
	_, err = openaimodel.New(openaimodel.Options{Client: &mockChatClient{}})
	require.Error(t, err)
	_, err = openaimodel.NewFromAPIKey("", "", "m", time.Second)
	require.ErrorIs(t, err, model.ErrNotConfigured)

	client, err := openaimodel.New(openaimodel.Options{Client: &mockChatClient{}, DefaultModel: "m"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), model.Request{})
	require.Error(t, err)
}

func TestClientTransportError(t *testing.T) {
	client, err := openaimodel.New(openaimodel.Options{Client: &mockChatClient{err: errors.New("dial tcp: refused")}, DefaultModel: "m"})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "x"}}})
	require.Error(t, err)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.ProviderErrorKindUnavailable, pe.Kind())
}

func TestClientRateLimitedOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit","code":"rate_limited"}}`))
	}))
	defer srv.Close()

	client, err := openaimodel.NewFromAPIKey("sk-test", srv.URL, "gpt-4o-mini", 5*time.Second)
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "x"}}})
	require.ErrorIs(t, err, model.ErrRateLimited)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.ProviderErrorKindRateLimited, pe.Kind())
	require.Contains(t, pe.Error(), "rate_limited 429")
}

func TestClientSuccessOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"hello"}}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`))
	}))
	defer srv.Close()

	client, err := openaimodel.NewFromAPIKey("sk-test", srv.URL, "gpt-4o-mini", 5*time.Second)
	require.NoError(t, err)
	resp, err := client.Complete(context.Background(), model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "x"}}})
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Text)
	require.Equal(t, 4, resp.Usage.TotalTokens)
}
