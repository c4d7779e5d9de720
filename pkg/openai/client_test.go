package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatCompletion(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantErr    bool
		wantStatus int
		wantText   string
		wantTokens int
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body: `{
				"id": "chatcmpl-1",
				"object": "chat.completion",
				"model": "gpt-4o-mini",
				"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"detected\": true}"}, "finish_reason": "stop"}],
				"usage": {"prompt_tokens": 120, "completion_tokens": 9, "total_tokens": 129}
			}`,
			wantText:   `{"detected": true}`,
			wantTokens: 129,
		},
		{
			name:       "rate_limit",
			status:     http.StatusTooManyRequests,
			body:       `{"error": {"message": "rate limit exceeded", "type": "requests"}}`,
			wantErr:    true,
			wantStatus: 429,
		},
		{
			name:       "unauthorized",
			status:     http.StatusUnauthorized,
			body:       `{"error": {"message": "invalid api key", "type": "invalid_request_error"}}`,
			wantErr:    true,
			wantStatus: 401,
		},
		{
			name:       "bad_gateway_html",
			status:     http.StatusBadGateway,
			body:       `<html>bad gateway</html>`,
			wantErr:    true,
			wantStatus: 502,
		},
		{
			name:    "no_choices",
			status:  http.StatusOK,
			body:    `{"id": "chatcmpl-2", "choices": []}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/v1/chat/completions", r.URL.Path)
				assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewClient("test-key", WithBaseURL(srv.URL+"/v1/"))
			resp, err := client.ChatCompletion(context.Background(), ChatRequest{
				Model: "gpt-4o-mini",
				User:  "classify this",
			})

			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, resp)
				assert.Equal(t, tt.wantStatus, StatusCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, resp.Content)
			assert.Equal(t, "stop", resp.FinishReason)
			assert.Equal(t, tt.wantTokens, resp.Usage.TotalTokens)
		})
	}
}

func TestChatCompletion_RequestBody(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(b, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	client := NewClient("k", WithBaseURL(srv.URL))
	_, err := client.ChatCompletion(context.Background(), ChatRequest{
		Model:     "llama3",
		System:    "You are a classifier.",
		User:      "Narrative text",
		MaxTokens: 256,
	})
	require.NoError(t, err)

	assert.Equal(t, "llama3", got["model"])
	msgs, ok := got["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "user", msgs[1].(map[string]any)["role"])
	// A zero temperature must still be sent.
	temp, ok := got["temperature"].(float64)
	require.True(t, ok, "temperature missing from request body")
	assert.InDelta(t, 0, temp, 1e-6)
	assert.EqualValues(t, 256, got["max_tokens"])
}

func TestChatCompletion_RequiresModel(t *testing.T) {
	client := NewClient("k")
	_, err := client.ChatCompletion(context.Background(), ChatRequest{User: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")
}

func TestStatusCode_NoResponse(t *testing.T) {
	assert.Equal(t, 0, StatusCode(context.DeadlineExceeded))
}
