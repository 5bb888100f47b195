package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"llm_broker/internal/audit"
	"llm_broker/internal/auth"
	"llm_broker/internal/config"
	"llm_broker/internal/cost"
	"llm_broker/internal/credentials"
	"llm_broker/internal/jobs"
	"llm_broker/internal/ledger"
	"llm_broker/internal/logging"
	"llm_broker/internal/metrics"
	"llm_broker/internal/providers"
	"llm_broker/internal/queue"
	"llm_broker/internal/ratelimit"
	"llm_broker/internal/settlement"
	"llm_broker/internal/storage"
	"llm_broker/internal/streaming"
)

const cacheCleanupInterval = time.Minute

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	DB          *storage.DB
	Redis       *redis.Client
	Metrics     *metrics.Metrics
	Issuer      *auth.Issuer
	Credentials *credentials.Resolver
	Settlement  *settlement.Engine
	Jobs        *jobs.Manager
	Calls       *jobs.CallService

	// AuditWorker is nil when the audit export is disabled
	AuditWorker *audit.Worker
	archive     logging.Archive
	started     bool
	stopCleanup context.CancelFunc
}

// NewDependencies connects to Postgres and Redis and wires every service
// from cfg. Background work begins with Start.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	db, err := storage.NewDB(storage.DBConfig{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		QueryTimeout:    cfg.Database.QueryTimeout,
		AliasCacheSize:  cfg.Cache.AliasCacheSize,
		AliasCacheTTL:   cfg.Cache.AliasCacheTTL,
		TeamCacheSize:   cfg.Cache.TeamCacheSize,
		TeamCacheTTL:    cfg.Cache.TeamCacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	redisClient, err := storage.NewRedisClient(storage.RedisConfig{
		Address:      cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}

	d := &Dependencies{DB: db, Redis: redisClient, Metrics: metrics.New()}
	if err := d.wire(ctx, cfg); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Dependencies) wire(ctx context.Context, cfg *config.Config) error {
	d.Metrics.RegisterDBStats(d.DB.Conn().DB)

	var enc *storage.Encryption
	if cfg.Encryption.Key != "" {
		key, err := cfg.EncryptionKey()
		if err != nil {
			return err
		}
		if enc, err = storage.NewEncryption(key); err != nil {
			return fmt.Errorf("failed to initialize encryption: %w", err)
		}
	} else {
		logger.Warn("ENCRYPTION_KEY is not set, organization credentials are disabled")
	}
	d.Credentials = credentials.NewResolver(d.DB.NewCredentialRepository(), enc, cfg.Provider.DefaultSecrets())

	registry := providers.NewRegistry(
		providers.NewOpenAIAdapter(adapterConfig(cfg, providers.KindOpenAI, d.Metrics)),
		providers.NewAnthropicAdapter(adapterConfig(cfg, providers.KindAnthropic, d.Metrics)),
		providers.NewVertexAIAdapter(adapterConfig(cfg, providers.KindVertexAI, d.Metrics)),
		providers.NewBedrockAdapter(adapterConfig(cfg, providers.KindBedrock, d.Metrics), cfg.Provider.BedrockRegion),
	)
	layer := providers.NewLayer(d.DB.NewModelAliasRepository(), d.Credentials, registry, cfg.Provider.RequestTimeout, d.Metrics)

	var publisher ledger.Publisher
	if cfg.Audit.Enabled {
		worker, err := d.auditWorker(ctx, cfg)
		if err != nil {
			return err
		}
		d.AuditWorker = worker
		publisher = worker
	}
	led := ledger.New(d.DB.NewCallRepository(), publisher, d.Metrics)

	var limiter ratelimit.Limiter = ratelimit.NewNoopLimiter()
	if cfg.RateLimit.CallsPerMinute > 0 {
		limiter = ratelimit.NewFixedLimiter(ratelimit.NewRateLimiter(d.Redis), cfg.RateLimit.CallsPerMinute)
	}

	d.Settlement = settlement.NewEngine(settlement.PostgresRunner{DB: d.DB}, d.Metrics)
	d.Jobs = jobs.NewManager(d.DB.NewJobRepository(), d.DB.NewTeamRepository(), led, jobs.PostgresRunner{DB: d.DB}, d.Settlement, d.Metrics)
	d.Calls = jobs.NewCallService(d.Jobs, layer, cost.NewCalculator(cfg.Cost.Places), led, streaming.NewForwarder(d.Metrics), limiter, d.Metrics)
	d.Issuer = auth.NewIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)
	return nil
}

func adapterConfig(cfg *config.Config, kind providers.Kind, m *metrics.Metrics) providers.AdapterConfig {
	retry := providers.DefaultRetryPolicy()
	if cfg.Provider.MaxAttempts > 0 {
		retry = providers.RetryPolicy{
			MaxAttempts: cfg.Provider.MaxAttempts,
			Backoff:     cfg.Provider.RetryBackoff,
			MaxBackoff:  cfg.Provider.RetryBackoffCap,
		}
	}
	return providers.AdapterConfig{
		BaseURL: cfg.Provider.BaseURLs[string(kind)],
		Transport: providers.TransportConfig{
			Retry:             retry,
			RequestsPerSecond: cfg.Provider.RequestsPerSecond,
			Metrics:           m,
		},
	}
}

func (d *Dependencies) auditWorker(ctx context.Context, cfg *config.Config) (*audit.Worker, error) {
	qcfg := queue.DefaultConfig(cfg.Audit.QueueName)
	qcfg.Backend = queue.Backend(cfg.Audit.Backend)
	q, dlq, err := queue.New[logging.CallRecord](qcfg, d.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit queue: %w", err)
	}

	archive, err := newArchive(ctx, cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit archive: %w", err)
	}
	d.archive = archive

	return audit.NewWorker(q, dlq, d.archive, audit.Config{
		BatchSize:    cfg.Audit.BatchSize,
		BatchTimeout: cfg.Audit.BatchTimeout,
		MaxRetries:   cfg.Audit.MaxRetries,
		RetryBackoff: cfg.Audit.RetryDelay,
	}, d.Metrics), nil
}

func newArchive(ctx context.Context, cfg config.AuditConfig) (logging.Archive, error) {
	switch cfg.Sink {
	case "s3":
		w, err := logging.NewS3Writer(ctx, logging.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Prefix:   cfg.S3Prefix,
			PodName:  cfg.PodName,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return w, nil
	case "file":
		w, err := logging.NewFileWriter(logging.FileConfig{
			FileTemplate:  cfg.FileTemplate,
			MaxSize:       cfg.FileMaxSize,
			MaxFiles:      cfg.FileMaxFiles,
			FlushInterval: cfg.FlushInterval,
		})
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		return logging.NewNoopArchive(), nil
	}
}

// Start launches the audit export worker and the lookup cache sweeper
func (d *Dependencies) Start(ctx context.Context) {
	if d.started {
		return
	}
	d.started = true
	if d.AuditWorker != nil {
		d.AuditWorker.Start(ctx)
	}

	ctx, d.stopCleanup = context.WithCancel(ctx)
	go d.sweepCaches(ctx)
}

func (d *Dependencies) sweepCaches(ctx context.Context) {
	ticker := time.NewTicker(cacheCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			aliases, teams := d.DB.CleanupExpiredCacheEntries()
			if aliases+teams > 0 {
				stats := d.DB.GetStats()
				logger.Debug("Swept lookup caches",
					"aliases_removed", aliases,
					"teams_removed", teams,
					"alias_cache_size", stats.AliasCacheStats.Size,
					"team_cache_size", stats.TeamCacheStats.Size,
				)
			}
		}
	}
}

// Router builds the HTTP handler over the wired services.
func (d *Dependencies) Router() http.Handler {
	return NewRouter(RouterDeps{
		Jobs:    d.Jobs,
		Calls:   d.Calls,
		Auth:    d.Issuer,
		Metrics: d.Metrics,
		Checks: []HealthCheck{
			{Name: "database", Check: d.DB.Health},
			{Name: "redis", Check: func(ctx context.Context) error { return d.Redis.Ping(ctx).Err() }},
		},
	})
}

// Close stops the audit worker and releases connections
func (d *Dependencies) Close() error {
	var errs []error
	if d.stopCleanup != nil {
		d.stopCleanup()
	}
	if d.AuditWorker != nil && d.started {
		if err := d.AuditWorker.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit worker: %w", err))
		}
	}
	if d.archive != nil {
		if err := d.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit archive: %w", err))
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close Redis: %w", err))
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
