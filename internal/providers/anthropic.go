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

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicDefaultMax     = 1024
)

// AnthropicAdapter talks to the Anthropic Messages API
type AnthropicAdapter struct {
	baseURL string
	doer    *Doer
}

// NewAnthropicAdapter creates the Anthropic adapter
func NewAnthropicAdapter(cfg AdapterConfig) *AnthropicAdapter {
	return &AnthropicAdapter{
		baseURL: cfg.baseURL(anthropicDefaultBaseURL),
		doer:    NewDoer(KindAnthropic, cfg.Transport),
	}
}

func (a *AnthropicAdapter) Kind() Kind { return KindAnthropic }

type anthropicRequest struct {
	Model         string    `json:"model"`
	System        string    `json:"system,omitempty"`
	Messages      []Message `json:"messages"`
	MaxTokens     int       `json:"max_tokens"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
	Stream        bool      `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      *anthropicUsage `json:"usage"`
}

// splitSystem moves system turns into the top-level system prompt
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

func (a *AnthropicAdapter) buildRequest(secret credentials.Secret, req ChatRequest, stream bool) func(context.Context) (*http.Request, error) {
	system, messages := splitSystem(req.Messages)
	payload := anthropicRequest{
		Model:         req.Model,
		System:        system,
		Messages:      messages,
		MaxTokens:     req.Options.MaxTokens,
		Temperature:   req.Options.Temperature,
		TopP:          req.Options.TopP,
		StopSequences: req.Options.Stop,
		Stream:        stream,
	}
	if payload.MaxTokens <= 0 {
		payload.MaxTokens = anthropicDefaultMax
	}

	return func(ctx context.Context) (*http.Request, error) {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", secret.Reveal())
		httpReq.Header.Set("anthropic-version", anthropicVersion)
		if stream {
			httpReq.Header.Set("Accept", "text/event-stream")
		}
		return httpReq, nil
	}
}

// Chat sends a non-streaming Messages request
func (a *AnthropicAdapter) Chat(ctx context.Context, secret credentials.Secret, req ChatRequest) (*NormalizedResponse, error) {
	resp, err := a.doer.Do(ctx, a.buildRequest(secret, req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, malformed(KindAnthropic, err)
	}

	var b strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}

	res := &NormalizedResponse{
		Content:      b.String(),
		FinishReason: anthropicFinishReason(out.StopReason),
	}
	if out.Usage != nil {
		res.Usage = Usage{InputTokens: out.Usage.InputTokens, OutputTokens: out.Usage.OutputTokens}
	}
	res.Usage = fillUsage(res.Usage, req.Messages, res.Content)
	return res, nil
}

func anthropicFinishReason(r string) models.FinishReason {
	switch r {
	case "end_turn", "stop_sequence", "tool_use", "pause_turn":
		return models.FinishReasonStop
	case "max_tokens":
		return models.FinishReasonLength
	case "refusal":
		return models.FinishReasonContentFilter
	default:
		return models.FinishReasonError
	}
}

// ChatStream sends a streaming Messages request
func (a *AnthropicAdapter) ChatStream(ctx context.Context, secret credentials.Secret, req ChatRequest) (ChunkStream, error) {
	resp, err := a.doer.Do(ctx, a.buildRequest(secret, req, true))
	if err != nil {
		return nil, err
	}
	return newNormalizedStream(KindAnthropic, &anthropicEvents{sse: newSSEReader(resp.Body)}, req.Messages, nil), nil
}

type anthropicEvents struct {
	sse *sseReader
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage *anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *anthropicEvents) next() (wireEvent, error) {
	ev, err := e.sse.Next()
	if err != nil {
		return wireEvent{}, err
	}

	var data anthropicStreamEvent
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return wireEvent{}, malformed(KindAnthropic, err)
	}
	kind := data.Type
	if kind == "" {
		kind = ev.Event
	}

	switch kind {
	case "message_start":
		if data.Message != nil && data.Message.Usage != nil {
			return wireEvent{InputTokens: data.Message.Usage.InputTokens, OutputTokens: data.Message.Usage.OutputTokens}, nil
		}
	case "content_block_delta":
		if data.Delta != nil && data.Delta.Type == "text_delta" {
			return wireEvent{Delta: data.Delta.Text}, nil
		}
	case "message_delta":
		out := wireEvent{}
		if data.Delta != nil && data.Delta.StopReason != "" {
			out.FinishReason = anthropicFinishReason(data.Delta.StopReason)
		}
		if data.Usage != nil {
			out.InputTokens = data.Usage.InputTokens
			out.OutputTokens = data.Usage.OutputTokens
		}
		return out, nil
	case "message_stop":
		return wireEvent{Done: true}, nil
	case "error":
		msg := "stream error"
		status := 0
		if data.Error != nil {
			msg = data.Error.Message
			if data.Error.Type == "overloaded_error" {
				status = 529
			}
		}
		return wireEvent{}, apperrors.NewProviderError(string(KindAnthropic), status, msg)
	}
	// ping, content_block_start, content_block_stop
	return wireEvent{}, nil
}

func (e *anthropicEvents) close() error { return e.sse.Close() }
