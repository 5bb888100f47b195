package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"llm_broker/internal/apperrors"
	"llm_broker/internal/metrics"
	"llm_broker/internal/utils"
)

const (
	maxErrorBody    = 64 << 10
	maxErrorMessage = 512
)

// RetryPolicy controls how transient failures are retried
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy returns three attempts with 500ms exponential backoff capped at 5s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

// delay returns the wait after the given failed attempt (1-based): Backoff·2^(attempt-1), capped
func (p RetryPolicy) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// TransportConfig configures the HTTP transport of an adapter
type TransportConfig struct {
	Client            *http.Client
	Retry             RetryPolicy
	RequestsPerSecond float64 // 0 disables pacing
	Metrics           *metrics.Metrics
}

// Doer sends provider requests, retrying network errors, 5xx and 429.
type Doer struct {
	provider Kind
	client   *http.Client
	policy   RetryPolicy
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	logger   *utils.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewDoer creates a Doer for one provider
func NewDoer(provider Kind, cfg TransportConfig) *Doer {
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	policy := cfg.Retry
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	d := &Doer{
		provider: provider,
		client:   client,
		policy:   policy,
		metrics:  cfg.Metrics,
		logger:   utils.NewLogger("providers"),
		sleep:    sleepContext,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return d
}

// Do sends the request produced by build, rebuilding it for every attempt.
// A 2xx response is returned to the caller, who must close its body. Any
// other outcome is returned as an error.
func (d *Doer) Do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := d.policy.delay(attempt - 1)
			d.logger.Debug("Retrying provider request", "provider", d.provider, "attempt", attempt, "backoff", wait)
			d.metrics.IncProviderRetry(string(d.provider))
			if err := d.sleep(ctx, wait); err != nil {
				if apperrors.IsTimeout(err) {
					return nil, timeoutError(d.provider, err)
				}
				return nil, fmt.Errorf("provider %s retry aborted: %w", d.provider, err)
			}
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				// Wait fails early when the deadline cannot be met
				if !errors.Is(ctx.Err(), context.Canceled) {
					return nil, timeoutError(d.provider, err)
				}
				return nil, fmt.Errorf("provider %s rate limiter: %w", d.provider, err)
			}
		}

		req, err := build(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				if apperrors.IsTimeout(ctxErr) {
					return nil, timeoutError(d.provider, ctxErr)
				}
				return nil, fmt.Errorf("provider %s request: %w", d.provider, ctxErr)
			}
			lastErr = &apperrors.ProviderError{
				Provider:  string(d.provider),
				Message:   err.Error(),
				Transient: true,
				Err:       err,
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		perr := apperrors.NewProviderError(string(d.provider), resp.StatusCode, errorMessage(body))
		if !perr.Transient {
			return nil, perr
		}
		lastErr = perr
	}
	return nil, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// errorMessage extracts a readable message from a provider error body
func errorMessage(body []byte) string {
	var payload struct {
		Error json.RawMessage `json:"error"`
		// Bedrock and some proxies put the message at the top level
		Message      string `json:"message"`
		MessageUpper string `json:"Message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if len(payload.Error) > 0 {
			var nested struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(payload.Error, &nested) == nil && nested.Message != "" {
				return nested.Message
			}
			var s string
			if json.Unmarshal(payload.Error, &s) == nil && s != "" {
				return s
			}
		}
		if payload.Message != "" {
			return payload.Message
		}
		if payload.MessageUpper != "" {
			return payload.MessageUpper
		}
	}

	return truncate(strings.TrimSpace(string(body)), maxErrorMessage)
}

// truncate cuts s to at most n bytes without splitting a rune. Invalid
// UTF-8 is replaced.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// timeoutError reports a provider that did not answer within the deadline.
// It unwraps to context.DeadlineExceeded.
func timeoutError(provider Kind, err error) *apperrors.ProviderError {
	if !apperrors.IsTimeout(err) {
		err = errors.Join(context.DeadlineExceeded, err)
	}
	return &apperrors.ProviderError{
		Provider:  string(provider),
		Message:   "timeout",
		Transient: true,
		Err:       err,
	}
}

// asProviderError turns a bare deadline error into a timeout ProviderError.
// Other errors are returned unchanged.
func asProviderError(provider Kind, err error) error {
	if err == nil || !apperrors.IsTimeout(err) {
		return err
	}
	var pe *apperrors.ProviderError
	if errors.As(err, &pe) && pe.Message == "timeout" {
		return err
	}
	return timeoutError(provider, err)
}

func malformed(provider Kind, err error) error {
	if apperrors.IsTimeout(err) {
		return timeoutError(provider, err)
	}
	return &apperrors.ProviderError{
		Provider: string(provider),
		Message:  "malformed response: " + err.Error(),
		Err:      err,
	}
}
