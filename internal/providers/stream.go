package providers

import (
	"context"
	"io"
	"strings"
	"sync"

	"llm_broker/internal/apperrors"
	"llm_broker/internal/models"
)

// wireEvent is what an adapter decodes from one frame of its wire format.
// Token counts are zero when the frame does not report them.
type wireEvent struct {
	Delta        string
	FinishReason models.FinishReason
	InputTokens  int64
	OutputTokens int64
	Done         bool // the provider signalled the end of the message
}

// eventSource decodes a provider's framing (SSE or AWS event-stream)
type eventSource interface {
	next() (wireEvent, error)
	close() error
}

// normalizedStream turns any eventSource into the broker's chunk sequence:
// a role chunk, content deltas, then one terminal chunk.
type normalizedStream struct {
	provider Kind
	src      eventSource
	messages []Message
	cancel   context.CancelFunc

	sentRole  bool
	srcDone   bool
	finished  bool
	content   strings.Builder
	finish    models.FinishReason
	usage     Usage
	closeOnce sync.Once
}

func newNormalizedStream(provider Kind, src eventSource, messages []Message, cancel context.CancelFunc) *normalizedStream {
	return &normalizedStream{provider: provider, src: src, messages: messages, cancel: cancel}
}

func (s *normalizedStream) Next() (StreamChunk, error) {
	if s.finished {
		return StreamChunk{}, io.EOF
	}
	if !s.sentRole {
		s.sentRole = true
		return StreamChunk{Role: "assistant"}, nil
	}

	for !s.srcDone {
		ev, err := s.src.next()
		if err == io.EOF {
			s.srcDone = true
			break
		}
		if err != nil {
			return StreamChunk{}, asProviderError(s.provider, err)
		}

		s.absorb(ev)
		if ev.Done {
			s.srcDone = true
		}
		if ev.Delta != "" {
			s.content.WriteString(ev.Delta)
			return StreamChunk{Delta: ev.Delta}, nil
		}
	}

	if s.finish == "" {
		return StreamChunk{}, apperrors.NewProviderError(string(s.provider), 0, "stream ended before completion")
	}

	s.finished = true
	usage := fillUsage(s.usage, s.messages, s.content.String())
	return StreamChunk{FinishReason: s.finish, Usage: &usage}, nil
}

func (s *normalizedStream) absorb(ev wireEvent) {
	if ev.FinishReason != "" {
		s.finish = ev.FinishReason
	}
	if ev.InputTokens > 0 {
		s.usage.InputTokens = ev.InputTokens
	}
	if ev.OutputTokens > 0 {
		s.usage.OutputTokens = ev.OutputTokens
	}
}

func (s *normalizedStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.src.close()
		if s.cancel != nil {
			s.cancel()
		}
	})
	return err
}

// sliceStream replays fixed chunks. Used by tests and fakes.
type sliceStream struct {
	chunks []StreamChunk
	pos    int
}

// NewSliceStream returns a ChunkStream over chunks
func NewSliceStream(chunks []StreamChunk) ChunkStream {
	return &sliceStream{chunks: chunks}
}

func (s *sliceStream) Next() (StreamChunk, error) {
	if s.pos >= len(s.chunks) {
		return StreamChunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *sliceStream) Close() error { return nil }
