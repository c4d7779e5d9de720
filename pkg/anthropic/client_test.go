package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageJSON(text string) map[string]any {
	return map[string]any{
		"id":   "msg_test_001",
		"type": "message",
		"role": "assistant",
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"model":       "claude-haiku-4-5-20251001",
		"stop_reason": "end_turn",
		"usage": map[string]any{
			"input_tokens":  210,
			"output_tokens": 14,
		},
	}
}

func TestCreateMessage(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(messageJSON(`{"detected": false, "confidence": 0.2}`))
	}))
	defer ts.Close()

	temp := 0.0
	client := NewClient("test-key", WithBaseURL(ts.URL))
	resp, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:       "claude-haiku-4-5-20251001",
		MaxTokens:   512,
		System:      "Classify the narrative.",
		User:        "The decedent was found at home.",
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_test_001", resp.ID)
	assert.Equal(t, `{"detected": false, "confidence": 0.2}`, resp.Text)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, int64(210), resp.Usage.InputTokens)
	assert.Equal(t, int64(14), resp.Usage.OutputTokens)

	require.NotNil(t, body)
	assert.Equal(t, "claude-haiku-4-5-20251001", body["model"])
	assert.Contains(t, body, "system")
	assert.Contains(t, body, "temperature")
}

func TestCreateMessage_ErrorStatus(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusServiceUnavailable} {
		var calls int
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"type":  "error",
				"error": map[string]any{"type": "api_error", "message": "nope"},
			})
		}))

		client := NewClient("test-key", WithBaseURL(ts.URL))
		_, err := client.CreateMessage(context.Background(), MessageRequest{
			Model: "claude-haiku-4-5-20251001", MaxTokens: 16, User: "x",
		})
		ts.Close()

		require.Error(t, err)
		assert.Contains(t, err.Error(), "anthropic: create message")
		assert.Equal(t, status, StatusCode(err))
		assert.Equal(t, 1, calls, "SDK retries must be disabled")
	}
}

func TestFromSDKMessage_JoinsTextBlocks(t *testing.T) {
	resp := fromSDKMessage(&sdk.Message{
		ID:    "msg_1",
		Model: "claude-sonnet-4-5-20250929",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "```json\n"},
			{Type: "text", Text: `{"detected": true}`},
		},
	})
	assert.Equal(t, "```json\n{\"detected\": true}", resp.Text)
}

func TestStatusCode_NotAPIError(t *testing.T) {
	assert.Equal(t, 0, StatusCode(context.Canceled))
}
