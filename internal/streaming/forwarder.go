// Package streaming relays normalized provider streams to clients.
package streaming

import (
	"context"
	"errors"
	"io"
	"strings"

	"llm_broker/internal/metrics"
	"llm_broker/internal/models"
	"llm_broker/internal/providers"
	"llm_broker/internal/utils"
)

// Result is what a relayed stream accumulated. Err is nil only when the
// stream reached its terminal chunk and every chunk was written.
type Result struct {
	Content      string
	FinishReason models.FinishReason
	Usage        providers.Usage
	Chunks       int
	Err          error
}

// Forwarder copies chunk streams into ChunkWriters.
type Forwarder struct {
	metrics *metrics.Metrics
	logger  *utils.Logger
}

func NewForwarder(m *metrics.Metrics) *Forwarder {
	return &Forwarder{metrics: m, logger: utils.NewLogger("streaming")}
}

// Forward relays stream into w until the stream ends, fails, the context is
// cancelled or the writer fails. A writer failure means the client went away
// and is reported as context.Canceled. Token counts the stream never
// reported are estimated from prompt and the content seen so far. The stream
// is closed before Forward returns.
func (f *Forwarder) Forward(ctx context.Context, provider string, stream providers.ChunkStream, w ChunkWriter, prompt []providers.Message) Result {
	var (
		res     Result
		content strings.Builder
		usage   *providers.Usage
	)
	defer stream.Close()

	for {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}

		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				res.Err = ctxErr
				break
			}
			res.Err = err
			if werr := w.WriteError(err); werr != nil {
				f.logger.Debug("Failed to relay stream error", "provider", provider, "error", werr)
			}
			break
		}

		content.WriteString(chunk.Delta)
		if chunk.FinishReason != "" {
			res.FinishReason = chunk.FinishReason
		}
		if chunk.Usage != nil {
			u := *chunk.Usage
			usage = &u
		}

		if err := w.WriteChunk(chunk); err != nil {
			f.logger.Debug("Client stopped reading stream", "provider", provider, "error", err)
			res.Err = context.Canceled
			break
		}
		res.Chunks++
	}

	res.Content = content.String()
	if usage != nil {
		res.Usage = *usage
	}
	res.Usage = estimateMissing(res.Usage, prompt, res.Content)

	if errors.Is(res.Err, context.Canceled) {
		f.metrics.IncStreamCancellation(provider)
		return res
	}
	// an upstream failure already sent its error event; [DONE] still ends the stream
	if err := w.Finish(); err != nil && res.Err == nil {
		f.metrics.IncStreamCancellation(provider)
		res.Err = context.Canceled
	}
	return res
}

func estimateMissing(u providers.Usage, prompt []providers.Message, content string) providers.Usage {
	if u.InputTokens == 0 && len(prompt) > 0 {
		u.InputTokens = providers.EstimateMessages(prompt)
		u.Estimated = true
	}
	if u.OutputTokens == 0 && content != "" {
		u.OutputTokens = providers.EstimateTokens(content)
		u.Estimated = true
	}
	return u
}
