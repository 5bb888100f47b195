package streaming

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_broker/internal/apperrors"
	"llm_broker/internal/models"
	"llm_broker/internal/providers"
)

type noFlushWriter struct {
	http.ResponseWriter
}

func TestNewSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(noFlushWriter{httptest.NewRecorder()})
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}

func TestSSEWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)
	assert.False(t, w.Begun())

	callID := uuid.MustParse("6f1c9f3e-3a57-4a8e-9d7e-1b2a3c4d5e6f")
	require.NoError(t, w.Begin(callID))
	require.NoError(t, w.WriteChunk(providers.StreamChunk{Delta: "hi"}))
	require.NoError(t, w.WriteChunk(providers.StreamChunk{FinishReason: models.FinishReasonStop, Usage: &providers.Usage{InputTokens: 3, OutputTokens: 1}}))
	require.NoError(t, w.Finish())

	assert.True(t, w.Begun())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, callID.String(), rec.Header().Get("X-Call-ID"))
	assert.True(t, rec.Flushed)

	want := `data: {"call_id":"6f1c9f3e-3a57-4a8e-9d7e-1b2a3c4d5e6f","delta":"hi"}` + "\n\n" +
		`data: {"call_id":"6f1c9f3e-3a57-4a8e-9d7e-1b2a3c4d5e6f","finish_reason":"stop","usage":{"input_tokens":3,"output_tokens":1,"estimated":false}}` + "\n\n" +
		"data: [DONE]\n\n"
	assert.Equal(t, want, rec.Body.String())
}

func TestSSEWriter_WriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Begin(uuid.New()))
	require.NoError(t, w.WriteError(apperrors.NewProviderError("anthropic", 529, "overloaded")))

	assert.Equal(t, `data: {"error":{"message":"provider anthropic returned status 529: overloaded","type":"provider","code":503}}`+"\n\n", rec.Body.String())
}
