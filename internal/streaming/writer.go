package streaming

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"llm_broker/internal/apperrors"
	"llm_broker/internal/providers"
)

// ChunkWriter receives the relayed stream of one call.
type ChunkWriter interface {
	// Begin is called once the call id is known, before any chunk.
	Begin(callID uuid.UUID) error
	WriteChunk(chunk providers.StreamChunk) error
	// WriteError reports a failure after Begin.
	WriteError(err error) error
	// Finish marks a stream that ended normally.
	Finish() error
}

// ErrStreamingUnsupported is returned for response writers that cannot flush
var ErrStreamingUnsupported = errors.New("streaming not supported")

// SSEWriter relays chunks as server-sent events: one "data: {json}" event
// per chunk, flushed immediately, then "data: [DONE]".
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	callID  uuid.UUID
	begun   bool
}

// NewSSEWriter wraps w
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Begun reports whether the event stream headers were sent. Errors before
// that point still get a regular JSON error response.
func (s *SSEWriter) Begun() bool {
	return s.begun
}

func (s *SSEWriter) Begin(callID uuid.UUID) error {
	s.callID = callID
	s.begun = true

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Call-ID", callID.String())
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
	return nil
}

type chunkEvent struct {
	CallID string `json:"call_id"`
	providers.StreamChunk
}

func (s *SSEWriter) WriteChunk(chunk providers.StreamChunk) error {
	return s.event(chunkEvent{CallID: s.callID.String(), StreamChunk: chunk})
}

type errorEvent struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (s *SSEWriter) WriteError(err error) error {
	var ev errorEvent
	ev.Error.Message = apperrors.Message(err)
	ev.Error.Type = string(apperrors.KindOf(err))
	ev.Error.Code = apperrors.HTTPStatus(err)
	return s.event(ev)
}

func (s *SSEWriter) Finish() error {
	return s.write([]byte("data: [DONE]\n\n"))
}

func (s *SSEWriter) event(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	buf := make([]byte, 0, len(data)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return s.write(buf)
}

func (s *SSEWriter) write(p []byte) error {
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
