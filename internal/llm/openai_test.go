package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voundbrand/vc83-com-sub003/internal/retry"
)

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewOpenAIProviderWithBaseURL(ts.URL)
}

func TestOpenAIGenerate_Success(t *testing.T) {
	provider := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer profile-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)

		resp := openai.ChatCompletionResponse{
			ID:    "chatcmpl-test123",
			Model: "gpt-4o",
			Choices: []openai.ChatCompletionChoice{{
				Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "Hello! How can I help you?"},
				FinishReason: openai.FinishReasonStop,
			}},
			Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 8, TotalTokens: 18},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	resp, err := provider.Generate(context.Background(), &Request{
		Model:       "gpt-4o",
		Messages:    []Message{{Role: "user", Content: "Hello"}},
		Temperature: 0.7,
		MaxTokens:   100,
		APIKey:      "profile-key",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help you?", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, Usage{PromptTokens: 10, CompletionTokens: 8, TotalTokens: 18}, resp.Usage)
	assert.Equal(t, "gpt-4o", resp.Model)
}

func TestOpenAIGenerate_ToolCalls(t *testing.T) {
	provider := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Tools, 1)
		assert.Equal(t, "lookup_order", body.Tools[0].Function.Name)

		resp := openai.ChatCompletionResponse{
			Model: "gpt-4o",
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{
					Role: "assistant",
					ToolCalls: []openai.ToolCall{{
						ID:       "call_1",
						Type:     openai.ToolTypeFunction,
						Function: openai.FunctionCall{Name: "lookup_order", Arguments: `{"order_id":"A-1"}`},
					}},
				},
				FinishReason: openai.FinishReasonToolCalls,
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	resp, err := provider.Generate(context.Background(), &Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: "where is A-1?"}},
		Tools: []Tool{{
			Name:       "lookup_order",
			Parameters: json.RawMessage(`{"type":"object","properties":{"order_id":{"type":"string"}}}`),
		}},
		APIKey: "k",
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"order_id":"A-1"}`, string(resp.ToolCalls[0].Arguments))
}

func TestOpenAIGenerate_StatusErrorsAreClassifiable(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
		rotatable bool
	}{
		{"unauthorized", http.StatusUnauthorized, false, true},
		{"rate limited", http.StatusTooManyRequests, true, true},
		{"unavailable", http.StatusServiceUnavailable, true, true},
		{"bad request", http.StatusBadRequest, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := newOpenAITestServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"message": "upstream said no", "type": "test_error"},
				})
			})

			_, err := provider.Generate(context.Background(), &Request{Model: "gpt-4o", APIKey: "k"})
			require.Error(t, err)
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.retryable, retry.IsRetryable(err))
			assert.Equal(t, tt.rotatable, IsRotatable(err))
		})
	}
}

func TestOpenAIGenerate_NoChoices(t *testing.T) {
	provider := newOpenAITestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{Model: "gpt-4o"})
	})
	_, err := provider.Generate(context.Background(), &Request{Model: "gpt-4o", APIKey: "k"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}
