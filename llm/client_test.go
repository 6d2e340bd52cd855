package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/prospectflow/llm"
)

func fastRetries() llm.RetryConfig {
	return llm.RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1.0,
		MaxBackoff:        time.Millisecond,
	}
}

func successBody(content string) map[string]any {
	return map[string]any{
		"model": "test-model",
		"choices": []map[string]any{
			{
				"message": map[string]string{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     10,
			"completion_tokens": 8,
			"total_tokens":      18,
		},
	}
}

func TestGenerateText_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(successBody("Hello! How can I help you?"))
	}))
	defer server.Close()

	client := llm.NewClient(llm.Config{BaseURL: server.URL, Model: "test-model", APIKey: "secret"})

	resp, err := client.GenerateText(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "Hello"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help you?", resp.Content)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, 18, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.NotEmpty(t, resp.RequestID)
}

func TestGenerateText_RetriesTransientErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Service temporarily unavailable"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(successBody("Success after retries"))
	}))
	defer server.Close()

	client := llm.NewClient(llm.Config{BaseURL: server.URL, Model: "test-model"},
		llm.WithRetryConfig(fastRetries()))

	resp, err := client.GenerateText(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "Hello"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "Success after retries", resp.Content)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestGenerateText_FatalErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": "invalid api key"}`))
	}))
	defer server.Close()

	client := llm.NewClient(llm.Config{BaseURL: server.URL, Model: "test-model"},
		llm.WithRetryConfig(fastRetries()))

	_, err := client.GenerateText(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "Hello"}},
	})

	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestGenerateText_RateLimitClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer server.Close()

	client := llm.NewClient(llm.Config{BaseURL: server.URL, Model: "test-model"},
		llm.WithRetryConfig(llm.RetryConfig{
			MaxAttempts:       1,
			BackoffBase:       time.Millisecond,
			BackoffMultiplier: 1.0,
			MaxBackoff:        time.Millisecond,
		}))

	_, err := client.GenerateText(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "Hello"}},
	})

	require.Error(t, err)
	assert.True(t, llm.IsRateLimited(err))
	assert.False(t, llm.IsFatal(err))
}

func TestGenerateText_RequiresMessages(t *testing.T) {
	client := llm.NewClient(llm.Config{BaseURL: "http://localhost:1", Model: "test-model"})
	_, err := client.GenerateText(context.Background(), llm.Request{})
	require.Error(t, err)
}

func TestGenerateJSON_DecodesFencedOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(successBody("Here you go:\n```json\n{\"score\": 85, \"next_action\": \"proposal\",}\n```"))
	}))
	defer server.Close()

	client := llm.NewClient(llm.Config{BaseURL: server.URL, Model: "test-model"})

	var out struct {
		Score      int    `json:"score"`
		NextAction string `json:"next_action"`
	}
	_, err := client.GenerateJSON(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "Qualify"}},
	}, &out)

	require.NoError(t, err)
	assert.Equal(t, 85, out.Score)
	assert.Equal(t, "proposal", out.NextAction)
}

func TestGenerateJSON_NoJSONIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(successBody("I am not able to produce that."))
	}))
	defer server.Close()

	client := llm.NewClient(llm.Config{BaseURL: server.URL, Model: "test-model"})

	var out map[string]any
	_, err := client.GenerateJSON(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "Qualify"}},
	}, &out)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no JSON object")
}
