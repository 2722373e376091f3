package llms

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatstack/ragpipe/pkg/config"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.LLMConfig{Host: server.URL, Model: "test-model", APIKey: "sk-test"}
	cfg.SetDefaults()
	p, err := NewOpenAIProvider(cfg)
	require.NoError(t, err)
	return p
}

func TestComplete(t *testing.T) {
	var captured OpenAIRequest
	p := newTestProvider(t, func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))

		rw.Header().Set("Content-Type", "application/json")
		rw.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "[{\"id\": \"c1\", \"score\": 0.9}]"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 20, "completion_tokens": 10, "total_tokens": 30}
		}`))
	})

	text, usage, err := p.Complete(context.Background(), &Request{
		Messages:    []Message{{Role: "user", Content: "score these"}},
		Temperature: 0,
		MaxTokens:   600,
	})
	require.NoError(t, err)

	assert.Equal(t, `[{"id": "c1", "score": 0.9}]`, text)
	assert.Equal(t, 30, usage.TotalTokens)

	assert.Equal(t, "test-model", captured.Model)
	require.NotNil(t, captured.MaxTokens)
	assert.Equal(t, 600, *captured.MaxTokens)
	assert.Zero(t, captured.Temperature)
	assert.False(t, captured.Stream)
}

func TestCompleteModelOverride(t *testing.T) {
	var captured OpenAIRequest
	p := newTestProvider(t, func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		rw.Write([]byte(`{"choices": [{"message": {"role": "assistant", "content": "ok"}}]}`))
	})

	_, _, err := p.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "compress"}},
		Model:    "llm-compress",
	})
	require.NoError(t, err)
	assert.Equal(t, "llm-compress", captured.Model)
}

func TestCompleteAPIError(t *testing.T) {
	p := newTestProvider(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.Write([]byte(`{"error": {"message": "model overloaded", "type": "server_error"}}`))
	})

	_, _, err := p.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "q"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestCompleteNoChoices(t *testing.T) {
	p := newTestProvider(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.Write([]byte(`{"choices": []}`))
	})

	_, _, err := p.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "q"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no response choices")
}
