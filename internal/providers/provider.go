package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"llm_broker/internal/credentials"
	"llm_broker/internal/models"
)

// Kind identifies a provider variant
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindVertexAI  Kind = "vertexai" // Google Generative Language (Gemini)
	KindBedrock   Kind = "bedrock"  // AWS Bedrock Converse
)

// Message is one chat turn
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are the generation parameters shared by every provider
type Options struct {
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// ChatRequest represents a normalized internal request to a provider.
type ChatRequest struct {
	Model    string // provider-specific model name
	Messages []Message
	Options  Options
}

// Usage is the token accounting of one invocation
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Estimated    bool  `json:"estimated"`
}

// NormalizedResponse is a provider response in broker terms.
type NormalizedResponse struct {
	Content      string
	FinishReason models.FinishReason
	Usage        Usage
}

// StreamChunk is one element of a normalized stream. The first chunk carries
// the role, the last one the finish reason and usage.
type StreamChunk struct {
	Role         string              `json:"role,omitempty"`
	Delta        string              `json:"delta,omitempty"`
	FinishReason models.FinishReason `json:"finish_reason,omitempty"`
	Usage        *Usage              `json:"usage,omitempty"`
}

// ChunkStream is a lazy, finite, non-restartable chunk sequence. Next
// returns io.EOF after the terminal chunk.
type ChunkStream interface {
	Next() (StreamChunk, error)
	Close() error
}

// Adapter is implemented by each provider variant.
type Adapter interface {
	Kind() Kind

	// Chat sends a non-streaming request
	Chat(ctx context.Context, secret credentials.Secret, req ChatRequest) (*NormalizedResponse, error)

	// ChatStream sends a streaming request. The returned stream owns the
	// response body until Close.
	ChatStream(ctx context.Context, secret credentials.Secret, req ChatRequest) (ChunkStream, error)
}

// ErrUnsupportedProvider is returned for kinds without a registered adapter
var ErrUnsupportedProvider = errors.New("unsupported provider")

// Registry maps provider kinds to adapters
type Registry struct {
	mu       sync.RWMutex
	adapters map[Kind]Adapter
}

// NewRegistry creates a registry holding the given adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Kind]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter of a kind
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// Get returns the adapter of a kind
func (r *Registry) Get(kind Kind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, kind)
	}
	return a, nil
}

// Kinds lists the registered provider kinds
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
