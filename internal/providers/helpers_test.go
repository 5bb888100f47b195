package providers

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fastRetry keeps retry tests quick
var fastRetry = RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

func testConfig(baseURL string) AdapterConfig {
	return AdapterConfig{BaseURL: baseURL, Transport: TransportConfig{Retry: fastRetry}}
}

var question = []Message{
	{Role: "system", Content: "Answer briefly."},
	{Role: "user", Content: "What is the capital of France?"},
}

// drain reads a stream to its end and returns the content and the terminal chunk
func drain(t *testing.T, s ChunkStream) (string, StreamChunk) {
	t.Helper()
	defer s.Close()

	var content string
	var last StreamChunk
	for {
		c, err := s.Next()
		if err == io.EOF {
			return content, last
		}
		require.NoError(t, err)
		content += c.Delta
		last = c
	}
}
