package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"llm_broker/internal/apperrors"
	"llm_broker/internal/credentials"
	"llm_broker/internal/models"
)

const openAIDefaultBaseURL = "https://api.openai.com/v1"

// AdapterConfig holds the settings shared by every adapter
type AdapterConfig struct {
	BaseURL   string
	Transport TransportConfig
}

func (c AdapterConfig) baseURL(def string) string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return def
}

// OpenAIAdapter talks to the OpenAI chat completions API
type OpenAIAdapter struct {
	baseURL string
	doer    *Doer
}

// NewOpenAIAdapter creates the OpenAI adapter
func NewOpenAIAdapter(cfg AdapterConfig) *OpenAIAdapter {
	return &OpenAIAdapter{
		baseURL: cfg.baseURL(openAIDefaultBaseURL),
		doer:    NewDoer(KindOpenAI, cfg.Transport),
	}
}

func (a *OpenAIAdapter) Kind() Kind { return KindOpenAI }

type openAIRequest struct {
	Model         string               `json:"model"`
	Messages      []Message            `json:"messages"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	Stop          []string             `json:"stop,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *OpenAIAdapter) buildRequest(secret credentials.Secret, req ChatRequest, stream bool) func(context.Context) (*http.Request, error) {
	payload := openAIRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.Options.MaxTokens,
		Temperature: req.Options.Temperature,
		TopP:        req.Options.TopP,
		Stop:        req.Options.Stop,
		Stream:      stream,
	}
	if stream {
		payload.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}

	return func(ctx context.Context) (*http.Request, error) {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+secret.Reveal())
		if stream {
			httpReq.Header.Set("Accept", "text/event-stream")
		}
		return httpReq, nil
	}
}

// Chat sends a chat completion request to OpenAI
func (a *OpenAIAdapter) Chat(ctx context.Context, secret credentials.Secret, req ChatRequest) (*NormalizedResponse, error) {
	resp, err := a.doer.Do(ctx, a.buildRequest(secret, req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, malformed(KindOpenAI, err)
	}
	return normalizeOpenAI(&out, req.Messages), nil
}

func normalizeOpenAI(out *openAIResponse, messages []Message) *NormalizedResponse {
	res := &NormalizedResponse{FinishReason: models.FinishReasonError}
	if len(out.Choices) > 0 {
		res.Content = out.Choices[0].Message.Content
		res.FinishReason = openAIFinishReason(out.Choices[0].FinishReason)
	}
	if out.Usage != nil {
		res.Usage = Usage{InputTokens: out.Usage.PromptTokens, OutputTokens: out.Usage.CompletionTokens}
	}
	res.Usage = fillUsage(res.Usage, messages, res.Content)
	return res
}

func openAIFinishReason(r string) models.FinishReason {
	switch r {
	case "stop", "tool_calls", "function_call":
		return models.FinishReasonStop
	case "length":
		return models.FinishReasonLength
	case "content_filter":
		return models.FinishReasonContentFilter
	default:
		return models.FinishReasonError
	}
}

// ChatStream sends a streaming chat completion request
func (a *OpenAIAdapter) ChatStream(ctx context.Context, secret credentials.Secret, req ChatRequest) (ChunkStream, error) {
	resp, err := a.doer.Do(ctx, a.buildRequest(secret, req, true))
	if err != nil {
		return nil, err
	}
	return newNormalizedStream(KindOpenAI, &openAIEvents{sse: newSSEReader(resp.Body)}, req.Messages, nil), nil
}

type openAIEvents struct {
	sse *sseReader
}

func (e *openAIEvents) next() (wireEvent, error) {
	ev, err := e.sse.Next()
	if err != nil {
		return wireEvent{}, err
	}
	if bytes.Equal(bytes.TrimSpace(ev.Data), []byte("[DONE]")) {
		return wireEvent{Done: true}, nil
	}

	var chunk openAIStreamChunk
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return wireEvent{}, malformed(KindOpenAI, err)
	}
	if chunk.Error != nil {
		return wireEvent{}, apperrors.NewProviderError(string(KindOpenAI), 0, chunk.Error.Message)
	}

	var out wireEvent
	if len(chunk.Choices) > 0 {
		out.Delta = chunk.Choices[0].Delta.Content
		if fr := chunk.Choices[0].FinishReason; fr != nil && *fr != "" {
			out.FinishReason = openAIFinishReason(*fr)
		}
	}
	if chunk.Usage != nil {
		out.InputTokens = chunk.Usage.PromptTokens
		out.OutputTokens = chunk.Usage.CompletionTokens
	}
	return out, nil
}

func (e *openAIEvents) close() error { return e.sse.Close() }
