package providers

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"llm_broker/internal/apperrors"
	"llm_broker/internal/credentials"
	"llm_broker/internal/metrics"
	"llm_broker/internal/models"
	"llm_broker/internal/storage"
)

var tracer = otel.Tracer("llm_broker/providers")

// AliasLookup resolves model aliases
type AliasLookup interface {
	GetByAlias(ctx context.Context, alias string) (*models.ModelAlias, error)
}

// SecretResolver returns the provider secret of an organization
type SecretResolver interface {
	Resolve(ctx context.Context, orgID *uuid.UUID, provider string) (credentials.Secret, error)
}

// Caller identifies who a call is made for
type Caller struct {
	TeamID         uuid.UUID
	OrganizationID *uuid.UUID
	AccessGroups   []string
}

// CallerFromTeam builds a Caller from a team lookup
func CallerFromTeam(team *models.Team) Caller {
	return Caller{TeamID: team.ID, OrganizationID: team.OrganizationID, AccessGroups: team.AccessGroups}
}

// Target is a resolved alias ready to be invoked
type Target struct {
	Alias   *models.ModelAlias
	Adapter Adapter
	secret  credentials.Secret
}

// Provider returns the provider kind of the target
func (t *Target) Provider() Kind {
	return Kind(t.Alias.Provider)
}

// Layer resolves aliases and credentials and invokes adapters
type Layer struct {
	aliases  AliasLookup
	secrets  SecretResolver
	registry *Registry
	timeout  time.Duration
	metrics  *metrics.Metrics
}

// NewLayer creates the adapter layer. timeout bounds every invocation,
// including the whole lifetime of a stream.
func NewLayer(aliases AliasLookup, secrets SecretResolver, registry *Registry, timeout time.Duration, m *metrics.Metrics) *Layer {
	return &Layer{aliases: aliases, secrets: secrets, registry: registry, timeout: timeout, metrics: m}
}

// Resolve looks up the alias, checks access and fetches the credential
func (l *Layer) Resolve(ctx context.Context, caller Caller, alias string) (*Target, error) {
	ma, err := l.aliases.GetByAlias(ctx, alias)
	if err != nil {
		if errors.Is(err, storage.ErrModelAliasNotFound) {
			return nil, apperrors.NotFound("model alias %q not found", alias)
		}
		return nil, apperrors.Internal(err, "failed to resolve alias %q", alias)
	}
	if !ma.Active {
		return nil, apperrors.NotFound("model alias %q not found", alias)
	}
	if ma.IsRestricted() && !intersects(ma.AccessGroups, caller.AccessGroups) {
		return nil, apperrors.Forbidden("model alias %q is not available to this team", alias)
	}

	adapter, err := l.registry.Get(Kind(ma.Provider))
	if err != nil {
		return nil, apperrors.Internal(err, "alias %q uses an unsupported provider", alias)
	}

	secret, err := l.secrets.Resolve(ctx, caller.OrganizationID, ma.Provider)
	if err != nil {
		return nil, err
	}
	return &Target{Alias: ma, Adapter: adapter, secret: secret}, nil
}

func intersects(a, b []string) bool {
	for _, g := range a {
		if slices.Contains(b, g) {
			return true
		}
	}
	return false
}

func (l *Layer) startSpan(ctx context.Context, t *Target, stream bool) (context.Context, trace.Span) {
	return tracer.Start(ctx, "providers.invoke", trace.WithAttributes(
		attribute.String("llm.provider", t.Alias.Provider),
		attribute.String("llm.model", t.Alias.ProviderModel),
		attribute.String("llm.alias", t.Alias.Alias),
		attribute.Bool("llm.stream", stream),
	))
}

func (l *Layer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.timeout)
}

// Invoke resolves alias and sends a non-streaming request
func (l *Layer) Invoke(ctx context.Context, caller Caller, alias string, messages []Message, opts Options) (*NormalizedResponse, error) {
	t, err := l.Resolve(ctx, caller, alias)
	if err != nil {
		return nil, err
	}
	return l.InvokeTarget(ctx, t, messages, opts)
}

// InvokeTarget sends a non-streaming request to a resolved target
func (l *Layer) InvokeTarget(ctx context.Context, t *Target, messages []Message, opts Options) (*NormalizedResponse, error) {
	ctx, span := l.startSpan(ctx, t, false)
	defer span.End()
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	resp, err := t.Adapter.Chat(ctx, t.secret, ChatRequest{Model: t.Alias.ProviderModel, Messages: messages, Options: opts})
	err = deadlineError(ctx, t.Provider(), err)
	l.metrics.ObserveProviderRequest(t.Alias.Provider, outcome(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("llm.input_tokens", resp.Usage.InputTokens),
		attribute.Int64("llm.output_tokens", resp.Usage.OutputTokens),
		attribute.String("llm.finish_reason", string(resp.FinishReason)),
	)
	return resp, nil
}

// InvokeStreaming resolves alias and opens a stream
func (l *Layer) InvokeStreaming(ctx context.Context, caller Caller, alias string, messages []Message, opts Options) (ChunkStream, error) {
	t, err := l.Resolve(ctx, caller, alias)
	if err != nil {
		return nil, err
	}
	return l.StreamTarget(ctx, t, messages, opts)
}

// StreamTarget opens a stream on a resolved target. The timeout and span
// end when the stream is closed.
func (l *Layer) StreamTarget(ctx context.Context, t *Target, messages []Message, opts Options) (ChunkStream, error) {
	ctx, span := l.startSpan(ctx, t, true)
	ctx, cancel := l.withTimeout(ctx)

	start := time.Now()
	stream, err := t.Adapter.ChatStream(ctx, t.secret, ChatRequest{Model: t.Alias.ProviderModel, Messages: messages, Options: opts})
	if err != nil {
		err = deadlineError(ctx, t.Provider(), err)
		l.metrics.ObserveProviderRequest(t.Alias.Provider, outcome(err), time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		cancel()
		return nil, err
	}
	return &boundStream{ChunkStream: stream, ctx: ctx, kind: t.Provider(), cancel: cancel, span: span, start: start, provider: t.Alias.Provider, metrics: l.metrics}, nil
}

// boundStream ties the invocation context and span to a stream's lifetime
type boundStream struct {
	ChunkStream
	ctx      context.Context
	kind     Kind
	cancel   context.CancelFunc
	span     trace.Span
	start    time.Time
	provider string
	metrics  *metrics.Metrics
	err      error
	once     sync.Once
}

func (s *boundStream) Next() (StreamChunk, error) {
	c, err := s.ChunkStream.Next()
	if err != nil && !isEOF(err) {
		err = deadlineError(s.ctx, s.kind, err)
		if s.err == nil {
			s.err = err
		}
	}
	return c, err
}

// deadlineError reports err as a provider timeout when the invocation
// deadline expired, whatever the transport made of it.
func deadlineError(ctx context.Context, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var pe *apperrors.ProviderError
		if errors.As(err, &pe) && pe.Message == "timeout" {
			return err
		}
		return timeoutError(kind, errors.Join(ctx.Err(), err))
	}
	return asProviderError(kind, err)
}

func (s *boundStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.ChunkStream.Close()
		s.metrics.ObserveProviderRequest(s.provider, outcome(s.err), time.Since(s.start))
		if s.err != nil {
			s.span.RecordError(s.err)
			s.span.SetStatus(codes.Error, s.err.Error())
		}
		s.span.End()
		s.cancel()
	})
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case apperrors.IsTimeout(err):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		var pe *apperrors.ProviderError
		if errors.As(err, &pe) && pe.Transient {
			return "transient_error"
		}
		return "error"
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
