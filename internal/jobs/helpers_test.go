package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"llm_broker/internal/cost"
	"llm_broker/internal/credentials"
	"llm_broker/internal/ledger"
	"llm_broker/internal/metrics"
	"llm_broker/internal/models"
	"llm_broker/internal/providers"
	"llm_broker/internal/ratelimit"
	"llm_broker/internal/settlement"
	"llm_broker/internal/storage"
	"llm_broker/internal/storage/storagetest"
	"llm_broker/internal/streaming"
)

type memRunner struct {
	store *storagetest.Store
}

func (r memRunner) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	return r.store.RunInTx(ctx, func(tx *storagetest.Tx) error { return fn(tx) })
}

type settlementRunner struct {
	store *storagetest.Store
}

func (r settlementRunner) RunInTx(ctx context.Context, fn func(tx settlement.Tx) error) error {
	return r.store.RunInTx(ctx, func(tx *storagetest.Tx) error { return fn(tx) })
}

type aliasMap map[string]*models.ModelAlias

func (m aliasMap) GetByAlias(_ context.Context, alias string) (*models.ModelAlias, error) {
	a, ok := m[alias]
	if !ok {
		return nil, storage.ErrModelAliasNotFound
	}
	return a, nil
}

type staticSecrets struct{}

func (staticSecrets) Resolve(context.Context, *uuid.UUID, string) (credentials.Secret, error) {
	return credentials.NewSecret("sk-test"), nil
}

// fakeAdapter answers every request with content, or with err when set.
// With hang set it answers nothing until the request context ends.
type fakeAdapter struct {
	mu      sync.Mutex
	content string
	usage   providers.Usage
	err     error
	hang    bool
	chunks  []providers.StreamChunk
	calls   int
}

func (f *fakeAdapter) Kind() providers.Kind { return providers.KindOpenAI }

func (f *fakeAdapter) Chat(ctx context.Context, _ credentials.Secret, _ providers.ChatRequest) (*providers.NormalizedResponse, error) {
	f.mu.Lock()
	f.calls++
	hang := f.hang
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &providers.NormalizedResponse{Content: f.content, FinishReason: models.FinishReasonStop, Usage: f.usage}, nil
}

func (f *fakeAdapter) ChatStream(ctx context.Context, _ credentials.Secret, _ providers.ChatRequest) (providers.ChunkStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return providers.NewSliceStream(f.chunks), nil
}

type fixture struct {
	store   *storagetest.Store
	team    *models.Team
	adapter *fakeAdapter
	aliases aliasMap
	ledger  *ledger.Ledger
	manager *Manager
	calls   *CallService
}

func newFixture(t *testing.T, credits int64, limiter ratelimit.Limiter) *fixture {
	t.Helper()

	store := storagetest.New()
	orgID := uuid.New()
	team := &models.Team{Name: "research", OrganizationID: &orgID, MarkupFraction: decimal.RequireFromString("0.2")}
	store.AddTeam(team, credits)

	adapter := &fakeAdapter{
		content: "Paris is the capital of France.",
		usage:   providers.Usage{InputTokens: 1000, OutputTokens: 500},
		chunks: []providers.StreamChunk{
			{Role: "assistant"},
			{Delta: "Paris is the capital "},
			{Delta: "of France."},
			{FinishReason: models.FinishReasonStop, Usage: &providers.Usage{InputTokens: 1000, OutputTokens: 500}},
		},
	}
	aliases := aliasMap{
		"fast": {
			Alias:         "fast",
			Provider:      string(providers.KindOpenAI),
			ProviderModel: "gpt-4o-mini",
			InputPrice:    decimal.RequireFromString("0.15"),
			OutputPrice:   decimal.RequireFromString("0.60"),
			PricingUnit:   models.PricingUnit1KTokens,
			Active:        true,
		},
	}
	led := ledger.New(store, nil, nil)
	engine := settlement.NewEngine(settlementRunner{store}, nil)
	manager := NewManager(store, store, led, memRunner{store}, engine, nil)

	f := &fixture{store: store, team: team, adapter: adapter, aliases: aliases, ledger: led, manager: manager}
	f.calls = f.callService(0, limiter, nil)
	return f
}

// callService builds a call service over the fixture with its own provider
// timeout, limiter and metrics
func (f *fixture) callService(timeout time.Duration, limiter ratelimit.Limiter, m *metrics.Metrics) *CallService {
	layer := providers.NewLayer(f.aliases, staticSecrets{}, providers.NewRegistry(f.adapter), timeout, m)
	return NewCallService(f.manager, layer, cost.NewCalculator(0), f.ledger, streaming.NewForwarder(nil), limiter, m)
}

func (f *fixture) createJob(t *testing.T) *models.Job {
	t.Helper()
	job, err := f.manager.CreateJob(context.Background(), CreateJobInput{TeamID: f.team.ID, JobType: "qa"})
	require.NoError(t, err)
	return job
}

func question() CallInput {
	return CallInput{
		Alias:    "fast",
		Messages: []providers.Message{{Role: "user", Content: "What is the capital of France?"}},
		Purpose:  "answer",
	}
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) bool { return false }
