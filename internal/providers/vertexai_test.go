package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_broker/internal/credentials"
	"llm_broker/internal/models"
)

func TestVertexAIAdapter_Chat(t *testing.T) {
	var got geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-1.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Par"},{"text":"is."}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":2}}`)
	}))
	defer srv.Close()

	history := append([]Message{}, question...)
	history = append(history, Message{Role: "assistant", Content: "Paris."}, Message{Role: "user", Content: "And Italy?"})

	resp, err := NewVertexAIAdapter(testConfig(srv.URL)).Chat(context.Background(), credentials.NewSecret("g-key"), ChatRequest{
		Model:    "gemini-1.5-flash",
		Messages: history,
		Options:  Options{MaxTokens: 32},
	})
	require.NoError(t, err)

	assert.Equal(t, "Paris.", resp.Content)
	assert.Equal(t, models.FinishReasonStop, resp.FinishReason)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 2}, resp.Usage)

	require.NotNil(t, got.SystemInstruction)
	assert.Equal(t, "Answer briefly.", got.SystemInstruction.Parts[0].Text)
	require.Len(t, got.Contents, 3)
	assert.Equal(t, "user", got.Contents[0].Role)
	assert.Equal(t, "model", got.Contents[1].Role)
	require.NotNil(t, got.GenerationConfig)
	assert.Equal(t, 32, got.GenerationConfig.MaxOutputTokens)
}

func TestVertexAIAdapter_ChatBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`)
	}))
	defer srv.Close()

	resp, err := NewVertexAIAdapter(testConfig(srv.URL)).Chat(context.Background(), credentials.NewSecret("k"), ChatRequest{Model: "m", Messages: question})
	require.NoError(t, err)
	assert.Equal(t, models.FinishReasonContentFilter, resp.FinishReason)
	assert.Empty(t, resp.Content)
}

func TestVertexAIAdapter_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-1.5-flash:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Par\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"is.\"}]},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"promptTokenCount\":12,\"candidatesTokenCount\":2}}\n\n")
	}))
	defer srv.Close()

	stream, err := NewVertexAIAdapter(testConfig(srv.URL)).ChatStream(context.Background(), credentials.NewSecret("k"), ChatRequest{Model: "gemini-1.5-flash", Messages: question})
	require.NoError(t, err)

	content, last := drain(t, stream)
	assert.Equal(t, "Paris.", content)
	assert.Equal(t, models.FinishReasonStop, last.FinishReason)
	require.NotNil(t, last.Usage)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 2}, *last.Usage)
}

func TestGeminiFinishReason(t *testing.T) {
	assert.Equal(t, models.FinishReasonStop, geminiFinishReason("STOP"))
	assert.Equal(t, models.FinishReasonLength, geminiFinishReason("MAX_TOKENS"))
	assert.Equal(t, models.FinishReasonContentFilter, geminiFinishReason("RECITATION"))
	assert.Equal(t, models.FinishReasonError, geminiFinishReason("OTHER"))
	assert.Equal(t, models.FinishReason(""), geminiFinishReason("FINISH_REASON_UNSPECIFIED"))
}
