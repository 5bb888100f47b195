package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_broker/internal/credentials"
	"llm_broker/internal/models"
)

func TestOpenAIAdapter_Chat(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"Paris."},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":21,"completion_tokens":2}}`)
	}))
	defer srv.Close()

	temp := 0.2
	a := NewOpenAIAdapter(testConfig(srv.URL))
	resp, err := a.Chat(context.Background(), credentials.NewSecret("sk-test"), ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: question,
		Options:  Options{MaxTokens: 64, Temperature: &temp},
	})
	require.NoError(t, err)

	assert.Equal(t, "Paris.", resp.Content)
	assert.Equal(t, models.FinishReasonStop, resp.FinishReason)
	assert.Equal(t, Usage{InputTokens: 21, OutputTokens: 2}, resp.Usage)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, 64, got.MaxTokens)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, 0.2, *got.Temperature)
	assert.Len(t, got.Messages, 2)
	assert.False(t, got.Stream)
}

func TestOpenAIAdapter_ChatMissingUsageIsEstimated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"Paris."},"finish_reason":"length"}]}`)
	}))
	defer srv.Close()

	resp, err := NewOpenAIAdapter(testConfig(srv.URL)).Chat(context.Background(), credentials.NewSecret("k"), ChatRequest{Model: "m", Messages: question})
	require.NoError(t, err)
	assert.Equal(t, models.FinishReasonLength, resp.FinishReason)
	assert.True(t, resp.Usage.Estimated)
	assert.Equal(t, EstimateMessages(question), resp.Usage.InputTokens)
	assert.Equal(t, EstimateTokens("Paris."), resp.Usage.OutputTokens)
}

func TestOpenAIAdapter_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		require.NotNil(t, req.StreamOptions)
		assert.True(t, req.StreamOptions.IncludeUsage)

		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"choices":[{"delta":{"role":"assistant"}}]}`,
			`{"choices":[{"delta":{"content":"Par"}}]}`,
			`{"choices":[{"delta":{"content":"is."}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":21,"completion_tokens":2}}`,
			`[DONE]`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	stream, err := NewOpenAIAdapter(testConfig(srv.URL)).ChatStream(context.Background(), credentials.NewSecret("k"), ChatRequest{Model: "m", Messages: question})
	require.NoError(t, err)

	first, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "assistant", first.Role)

	content, last := drain(t, stream)
	assert.Equal(t, "Paris.", content)
	assert.Equal(t, models.FinishReasonStop, last.FinishReason)
	require.NotNil(t, last.Usage)
	assert.Equal(t, Usage{InputTokens: 21, OutputTokens: 2}, *last.Usage)
}

func TestOpenAIAdapter_StreamErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Par\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"server overloaded\"}}\n\n")
	}))
	defer srv.Close()

	stream, err := NewOpenAIAdapter(testConfig(srv.URL)).ChatStream(context.Background(), credentials.NewSecret("k"), ChatRequest{Model: "m", Messages: question})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next() // role
	require.NoError(t, err)
	c, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "Par", c.Delta)

	_, err = stream.Next()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "server overloaded"))
}

func TestOpenAIAdapter_TruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Par\"}}]}\n\n")
	}))
	defer srv.Close()

	stream, err := NewOpenAIAdapter(testConfig(srv.URL)).ChatStream(context.Background(), credentials.NewSecret("k"), ChatRequest{Model: "m", Messages: question})
	require.NoError(t, err)
	defer stream.Close()

	var lastErr error
	for i := 0; i < 4 && lastErr == nil; i++ {
		_, lastErr = stream.Next()
	}
	require.Error(t, lastErr)
	assert.Contains(t, lastErr.Error(), "stream ended before completion")
}
