package providers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"

	"llm_broker/internal/apperrors"
	"llm_broker/internal/credentials"
	"llm_broker/internal/models"
)

const (
	bedrockService       = "bedrock"
	bedrockDefaultRegion = "us-east-1"
)

// bedrockSecret is the JSON document stored as a Bedrock credential
type bedrockSecret struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty"`
	Region          string `json:"region,omitempty"`
}

// BedrockAdapter talks to the Bedrock Converse API with SigV4 signed requests
type BedrockAdapter struct {
	baseURL string // empty means the regional endpoint
	region  string
	doer    *Doer
	signer  *v4.Signer
	now     func() time.Time
}

// NewBedrockAdapter creates the Bedrock adapter. region is used when the
// credential does not name one.
func NewBedrockAdapter(cfg AdapterConfig, region string) *BedrockAdapter {
	if region == "" {
		region = bedrockDefaultRegion
	}
	return &BedrockAdapter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		region:  region,
		doer:    NewDoer(KindBedrock, cfg.Transport),
		signer:  v4.NewSigner(),
		now:     time.Now,
	}
}

func (a *BedrockAdapter) Kind() Kind { return KindBedrock }

type bedrockText struct {
	Text string `json:"text"`
}

type bedrockMessage struct {
	Role    string        `json:"role"`
	Content []bedrockText `json:"content"`
}

type bedrockInferenceConfig struct {
	MaxTokens     int      `json:"maxTokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"topP,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

type bedrockRequest struct {
	Messages        []bedrockMessage        `json:"messages"`
	System          []bedrockText           `json:"system,omitempty"`
	InferenceConfig *bedrockInferenceConfig `json:"inferenceConfig,omitempty"`
}

type bedrockUsage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

type bedrockResponse struct {
	Output struct {
		Message bedrockMessage `json:"message"`
	} `json:"output"`
	StopReason string        `json:"stopReason"`
	Usage      *bedrockUsage `json:"usage"`
}

func toBedrock(req ChatRequest) bedrockRequest {
	system, messages := splitSystem(req.Messages)
	out := bedrockRequest{Messages: make([]bedrockMessage, 0, len(messages))}
	for _, m := range messages {
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		out.Messages = append(out.Messages, bedrockMessage{Role: role, Content: []bedrockText{{Text: m.Content}}})
	}
	if system != "" {
		out.System = []bedrockText{{Text: system}}
	}
	o := req.Options
	if o.MaxTokens > 0 || o.Temperature != nil || o.TopP != nil || len(o.Stop) > 0 {
		out.InferenceConfig = &bedrockInferenceConfig{
			MaxTokens:     o.MaxTokens,
			Temperature:   o.Temperature,
			TopP:          o.TopP,
			StopSequences: o.Stop,
		}
	}
	return out
}

func parseBedrockSecret(secret credentials.Secret) (*bedrockSecret, error) {
	var s bedrockSecret
	if err := json.Unmarshal([]byte(secret.Reveal()), &s); err != nil {
		return nil, apperrors.Credential("bedrock credential is not a valid JSON document")
	}
	if s.AccessKeyID == "" || s.SecretAccessKey == "" {
		return nil, apperrors.Credential("bedrock credential requires access_key_id and secret_access_key")
	}
	return &s, nil
}

func (a *BedrockAdapter) endpoint(region, model string, stream bool) string {
	base := a.baseURL
	if base == "" {
		base = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region)
	}
	op := "converse"
	if stream {
		op = "converse-stream"
	}
	return fmt.Sprintf("%s/model/%s/%s", base, url.PathEscape(model), op)
}

func (a *BedrockAdapter) buildRequest(secret credentials.Secret, req ChatRequest, stream bool) (func(context.Context) (*http.Request, error), error) {
	sec, err := parseBedrockSecret(secret)
	if err != nil {
		return nil, err
	}
	region := sec.Region
	if region == "" {
		region = a.region
	}
	body, err := json.Marshal(toBedrock(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	sum := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(sum[:])
	endpoint := a.endpoint(region, req.Model, stream)
	provider := awscreds.NewStaticCredentialsProvider(sec.AccessKeyID, sec.SecretAccessKey, sec.SessionToken)

	return func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if stream {
			httpReq.Header.Set("Accept", "application/vnd.amazon.eventstream")
		} else {
			httpReq.Header.Set("Accept", "application/json")
		}

		creds, err := provider.Retrieve(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load bedrock credentials: %w", err)
		}
		if err := a.signer.SignHTTP(ctx, creds, httpReq, payloadHash, bedrockService, region, a.now()); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
		return httpReq, nil
	}, nil
}

// Chat sends a Converse request
func (a *BedrockAdapter) Chat(ctx context.Context, secret credentials.Secret, req ChatRequest) (*NormalizedResponse, error) {
	build, err := a.buildRequest(secret, req, false)
	if err != nil {
		return nil, err
	}
	resp, err := a.doer.Do(ctx, build)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out bedrockResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, malformed(KindBedrock, err)
	}

	var b strings.Builder
	for _, c := range out.Output.Message.Content {
		b.WriteString(c.Text)
	}
	res := &NormalizedResponse{
		Content:      b.String(),
		FinishReason: bedrockFinishReason(out.StopReason),
	}
	if out.Usage != nil {
		res.Usage = Usage{InputTokens: out.Usage.InputTokens, OutputTokens: out.Usage.OutputTokens}
	}
	res.Usage = fillUsage(res.Usage, req.Messages, res.Content)
	return res, nil
}

func bedrockFinishReason(r string) models.FinishReason {
	switch r {
	case "end_turn", "stop_sequence", "tool_use":
		return models.FinishReasonStop
	case "max_tokens":
		return models.FinishReasonLength
	case "guardrail_intervened", "content_filtered":
		return models.FinishReasonContentFilter
	default:
		return models.FinishReasonError
	}
}

// ChatStream sends a ConverseStream request and decodes its event-stream frames
func (a *BedrockAdapter) ChatStream(ctx context.Context, secret credentials.Secret, req ChatRequest) (ChunkStream, error) {
	build, err := a.buildRequest(secret, req, true)
	if err != nil {
		return nil, err
	}
	resp, err := a.doer.Do(ctx, build)
	if err != nil {
		return nil, err
	}
	src := &bedrockEvents{body: resp.Body, dec: eventstream.NewDecoder(), buf: make([]byte, 0, 4096)}
	return newNormalizedStream(KindBedrock, src, req.Messages, nil), nil
}

type bedrockEvents struct {
	body io.ReadCloser
	dec  *eventstream.Decoder
	buf  []byte
}

type bedrockStreamPayload struct {
	Delta *struct {
		Text string `json:"text"`
	} `json:"delta"`
	StopReason string        `json:"stopReason"`
	Usage      *bedrockUsage `json:"usage"`
	Message    string        `json:"message"`
}

func headerString(h eventstream.Headers, name string) string {
	v := h.Get(name)
	if v == nil {
		return ""
	}
	return v.String()
}

// bedrockExceptionStatus maps stream exception types onto HTTP-like statuses
func bedrockExceptionStatus(exceptionType string) int {
	switch exceptionType {
	case "throttlingException":
		return http.StatusTooManyRequests
	case "internalServerException", "modelStreamErrorException":
		return http.StatusInternalServerError
	case "serviceUnavailableException":
		return http.StatusServiceUnavailable
	case "validationException":
		return http.StatusBadRequest
	default:
		return 0
	}
}

func (e *bedrockEvents) next() (wireEvent, error) {
	msg, err := e.dec.Decode(e.body, e.buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return wireEvent{}, io.EOF
		}
		return wireEvent{}, fmt.Errorf("failed to decode bedrock event: %w", err)
	}

	var payload bedrockStreamPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return wireEvent{}, malformed(KindBedrock, err)
		}
	}

	switch headerString(msg.Headers, ":message-type") {
	case "exception":
		exType := headerString(msg.Headers, ":exception-type")
		message := payload.Message
		if message == "" {
			message = exType
		}
		return wireEvent{}, apperrors.NewProviderError(string(KindBedrock), bedrockExceptionStatus(exType), message)
	case "error":
		return wireEvent{}, apperrors.NewProviderError(string(KindBedrock), 0, headerString(msg.Headers, ":error-message"))
	}

	switch headerString(msg.Headers, ":event-type") {
	case "contentBlockDelta":
		if payload.Delta != nil {
			return wireEvent{Delta: payload.Delta.Text}, nil
		}
	case "messageStop":
		return wireEvent{FinishReason: bedrockFinishReason(payload.StopReason)}, nil
	case "metadata":
		if payload.Usage != nil {
			return wireEvent{InputTokens: payload.Usage.InputTokens, OutputTokens: payload.Usage.OutputTokens}, nil
		}
	}
	// messageStart, contentBlockStart, contentBlockStop
	return wireEvent{}, nil
}

func (e *bedrockEvents) close() error { return e.body.Close() }
