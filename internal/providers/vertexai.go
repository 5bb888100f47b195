package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"llm_broker/internal/credentials"
	"llm_broker/internal/models"
)

const vertexAIDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// VertexAIAdapter talks to the Gemini generateContent API with an API key
type VertexAIAdapter struct {
	baseURL string
	doer    *Doer
}

// NewVertexAIAdapter creates the Gemini adapter
func NewVertexAIAdapter(cfg AdapterConfig) *VertexAIAdapter {
	return &VertexAIAdapter{
		baseURL: cfg.baseURL(vertexAIDefaultBaseURL),
		doer:    NewDoer(KindVertexAI, cfg.Transport),
	}
}

func (a *VertexAIAdapter) Kind() Kind { return KindVertexAI }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata *struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func toGemini(req ChatRequest) geminiRequest {
	system, messages := splitSystem(req.Messages)
	out := geminiRequest{Contents: make([]geminiContent, 0, len(messages))}
	for _, m := range messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		out.Contents = append(out.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	if system != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	o := req.Options
	if o.MaxTokens > 0 || o.Temperature != nil || o.TopP != nil || len(o.Stop) > 0 {
		out.GenerationConfig = &geminiGenerationConfig{
			MaxOutputTokens: o.MaxTokens,
			Temperature:     o.Temperature,
			TopP:            o.TopP,
			StopSequences:   o.Stop,
		}
	}
	return out
}

func (a *VertexAIAdapter) buildRequest(secret credentials.Secret, req ChatRequest, stream bool) func(context.Context) (*http.Request, error) {
	payload := toGemini(req)
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", a.baseURL, url.PathEscape(req.Model))
	if stream {
		endpoint = fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", a.baseURL, url.PathEscape(req.Model))
	}

	return func(ctx context.Context) (*http.Request, error) {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-goog-api-key", secret.Reveal())
		return httpReq, nil
	}
}

// Chat sends a generateContent request
func (a *VertexAIAdapter) Chat(ctx context.Context, secret credentials.Secret, req ChatRequest) (*NormalizedResponse, error) {
	resp, err := a.doer.Do(ctx, a.buildRequest(secret, req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, malformed(KindVertexAI, err)
	}

	ev := geminiEvent(&out)
	res := &NormalizedResponse{
		Content:      ev.Delta,
		FinishReason: ev.FinishReason,
		Usage:        Usage{InputTokens: ev.InputTokens, OutputTokens: ev.OutputTokens},
	}
	if res.FinishReason == "" {
		res.FinishReason = models.FinishReasonError
	}
	res.Usage = fillUsage(res.Usage, req.Messages, res.Content)
	return res, nil
}

// geminiEvent flattens one response (or stream chunk) into a wireEvent
func geminiEvent(out *geminiResponse) wireEvent {
	var ev wireEvent
	if len(out.Candidates) > 0 {
		var b strings.Builder
		for _, p := range out.Candidates[0].Content.Parts {
			b.WriteString(p.Text)
		}
		ev.Delta = b.String()
		if fr := out.Candidates[0].FinishReason; fr != "" {
			ev.FinishReason = geminiFinishReason(fr)
		}
	} else if out.PromptFeedback != nil && out.PromptFeedback.BlockReason != "" {
		ev.FinishReason = models.FinishReasonContentFilter
	}
	if out.UsageMetadata != nil {
		ev.InputTokens = out.UsageMetadata.PromptTokenCount
		ev.OutputTokens = out.UsageMetadata.CandidatesTokenCount
	}
	return ev
}

func geminiFinishReason(r string) models.FinishReason {
	switch r {
	case "STOP":
		return models.FinishReasonStop
	case "MAX_TOKENS":
		return models.FinishReasonLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return models.FinishReasonContentFilter
	case "FINISH_REASON_UNSPECIFIED":
		return ""
	default:
		return models.FinishReasonError
	}
}

// ChatStream sends a streamGenerateContent request over SSE
func (a *VertexAIAdapter) ChatStream(ctx context.Context, secret credentials.Secret, req ChatRequest) (ChunkStream, error) {
	resp, err := a.doer.Do(ctx, a.buildRequest(secret, req, true))
	if err != nil {
		return nil, err
	}
	return newNormalizedStream(KindVertexAI, &geminiEvents{sse: newSSEReader(resp.Body)}, req.Messages, nil), nil
}

type geminiEvents struct {
	sse *sseReader
}

func (e *geminiEvents) next() (wireEvent, error) {
	ev, err := e.sse.Next()
	if err != nil {
		return wireEvent{}, err
	}
	var out geminiResponse
	if err := json.Unmarshal(ev.Data, &out); err != nil {
		return wireEvent{}, malformed(KindVertexAI, err)
	}
	return geminiEvent(&out), nil
}

func (e *geminiEvents) close() error { return e.sse.Close() }
