package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for the broker.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Database   DatabaseConfig   `yaml:"database"`
	Cache      CacheConfig      `yaml:"cache"`
	Redis      RedisConfig      `yaml:"redis"`
	Provider   ProviderConfig   `yaml:"provider"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Auth       AuthConfig       `yaml:"auth"`
	Cost       CostConfig       `yaml:"cost"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Audit      AuditConfig      `yaml:"audit"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// HTTPConfig holds the listener settings
type HTTPConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// CacheConfig holds lookup cache settings
type CacheConfig struct {
	AliasCacheSize int           `yaml:"alias_size"`
	AliasCacheTTL  time.Duration `yaml:"alias_ttl"`
	TeamCacheSize  int           `yaml:"team_size"`
	TeamCacheTTL   time.Duration `yaml:"team_ttl"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ProviderConfig holds provider-related settings
type ProviderConfig struct {
	RequestTimeout    time.Duration     `yaml:"request_timeout"`
	MaxAttempts       int               `yaml:"max_attempts"`
	RetryBackoff      time.Duration     `yaml:"retry_backoff"`
	RetryBackoffCap   time.Duration     `yaml:"retry_backoff_cap"`
	RequestsPerSecond float64           `yaml:"requests_per_second"` // 0 disables pacing
	BaseURLs          map[string]string `yaml:"base_urls"`
	BedrockRegion     string            `yaml:"bedrock_region"`

	// Process-wide fallback secrets, used when an organization has no credential.
	OpenAIAPIKey       string `yaml:"openai_api_key"`
	AnthropicAPIKey    string `yaml:"anthropic_api_key"`
	GeminiAPIKey       string `yaml:"gemini_api_key"`
	BedrockCredentials string `yaml:"bedrock_credentials"`
}

// DefaultSecrets returns the configured fallback secret per provider name.
func (p ProviderConfig) DefaultSecrets() map[string]string {
	out := map[string]string{}
	if p.OpenAIAPIKey != "" {
		out["openai"] = p.OpenAIAPIKey
	}
	if p.AnthropicAPIKey != "" {
		out["anthropic"] = p.AnthropicAPIKey
	}
	if p.GeminiAPIKey != "" {
		out["vertexai"] = p.GeminiAPIKey
	}
	if p.BedrockCredentials != "" {
		out["bedrock"] = p.BedrockCredentials
	}
	return out
}

// EncryptionConfig holds the master key for provider credentials
type EncryptionConfig struct {
	Key string `yaml:"key"` // 64 hex chars
}

// AuthConfig holds team token settings
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// CostConfig holds cost rounding settings
type CostConfig struct {
	Places int32 `yaml:"places"`
}

// RateLimitConfig holds per-team call limits
type RateLimitConfig struct {
	CallsPerMinute int `yaml:"calls_per_minute"` // 0 = unlimited
}

// AuditConfig holds call audit export settings
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Backend       string        `yaml:"backend"` // memory | redis
	QueueName     string        `yaml:"queue_name"`
	BatchSize     int           `yaml:"batch_size"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	Sink          string        `yaml:"sink"` // s3 | file | none
	S3Bucket      string        `yaml:"s3_bucket"`
	S3Region      string        `yaml:"s3_region"`
	S3Prefix      string        `yaml:"s3_prefix"`
	S3Endpoint    string        `yaml:"s3_endpoint"` // S3-compatible stores such as MinIO
	PodName       string        `yaml:"pod_name"`
	FileTemplate  string        `yaml:"file_template"`
	FileMaxSize   int64         `yaml:"file_max_size"`
	FileMaxFiles  int           `yaml:"file_max_files"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// TracingConfig holds OpenTelemetry export settings
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate"`
	ServiceName string  `yaml:"service_name"`
}

// Load builds the configuration from defaults, the optional YAML file at path
// and finally environment variables.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Encryption.Key != "" {
		if _, err := c.EncryptionKey(); err != nil {
			return err
		}
	}
	if c.Audit.Backend != "memory" && c.Audit.Backend != "redis" {
		return fmt.Errorf("unknown audit backend %q", c.Audit.Backend)
	}
	switch c.Audit.Sink {
	case "s3", "file", "none":
	default:
		return fmt.Errorf("unknown audit sink %q", c.Audit.Sink)
	}
	if c.Provider.MaxAttempts < 1 {
		return fmt.Errorf("provider max attempts must be at least 1")
	}
	return nil
}

// EncryptionKey decodes the hex master key.
func (c *Config) EncryptionKey() ([]byte, error) {
	key, err := hex.DecodeString(c.Encryption.Key)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be hex encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be 64 hex chars, got %d", len(c.Encryption.Key))
	}
	return key, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return ":" + c.HTTP.Port
}

func defaults() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:         "8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 1 * time.Minute,
			QueryTimeout:    5 * time.Second,
		},
		Cache: CacheConfig{
			AliasCacheSize: 500,
			AliasCacheTTL:  15 * time.Minute,
			TeamCacheSize:  1000,
			TeamCacheTTL:   1 * time.Minute,
		},
		Redis: RedisConfig{
			Address:      "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Provider: ProviderConfig{
			RequestTimeout:  60 * time.Second,
			MaxAttempts:     3,
			RetryBackoff:    500 * time.Millisecond,
			RetryBackoffCap: 5 * time.Second,
			BaseURLs:        map[string]string{},
			BedrockRegion:   "us-east-1",
		},
		Auth: AuthConfig{
			JWTSecret: "supersecretkey",
			TokenTTL:  24 * time.Hour,
		},
		Cost: CostConfig{Places: 8},
		RateLimit: RateLimitConfig{
			CallsPerMinute: 0,
		},
		Audit: AuditConfig{
			Enabled:       true,
			Backend:       "memory",
			QueueName:     "call_audit",
			BatchSize:     100,
			BatchTimeout:  5 * time.Second,
			MaxRetries:    3,
			RetryDelay:    1 * time.Second,
			Sink:          "none",
			S3Region:      "us-east-1",
			S3Prefix:      "calls/",
			PodName:       "broker-0",
			FileTemplate:  "/var/log/llm-broker/calls-%s.jsonl",
			FileMaxSize:   10_485_760, // 10 MB
			FileMaxFiles:  5,
			FlushInterval: 60 * time.Second,
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			SampleRate:  1.0,
			ServiceName: "llm-broker",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.HTTP.Port = getEnvString("HTTP_PORT", cfg.HTTP.Port)

	cfg.Database.URL = getEnvString("DATABASE_URL", cfg.Database.URL)
	cfg.Database.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.ConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", cfg.Database.ConnMaxLifetime)
	cfg.Database.ConnMaxIdleTime = getEnvDuration("DB_CONN_MAX_IDLE_TIME", cfg.Database.ConnMaxIdleTime)
	cfg.Database.QueryTimeout = getEnvDuration("DB_QUERY_TIMEOUT", cfg.Database.QueryTimeout)

	cfg.Cache.AliasCacheSize = getEnvInt("CACHE_ALIAS_SIZE", cfg.Cache.AliasCacheSize)
	cfg.Cache.AliasCacheTTL = getEnvDuration("CACHE_ALIAS_TTL", cfg.Cache.AliasCacheTTL)
	cfg.Cache.TeamCacheSize = getEnvInt("CACHE_TEAM_SIZE", cfg.Cache.TeamCacheSize)
	cfg.Cache.TeamCacheTTL = getEnvDuration("CACHE_TEAM_TTL", cfg.Cache.TeamCacheTTL)

	cfg.Redis.Address = getEnvString("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvString("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.PoolSize = getEnvInt("REDIS_POOL_SIZE", cfg.Redis.PoolSize)
	cfg.Redis.MinIdleConns = getEnvInt("REDIS_MIN_IDLE_CONNS", cfg.Redis.MinIdleConns)
	cfg.Redis.DialTimeout = getEnvDuration("REDIS_DIAL_TIMEOUT", cfg.Redis.DialTimeout)
	cfg.Redis.ReadTimeout = getEnvDuration("REDIS_READ_TIMEOUT", cfg.Redis.ReadTimeout)
	cfg.Redis.WriteTimeout = getEnvDuration("REDIS_WRITE_TIMEOUT", cfg.Redis.WriteTimeout)

	cfg.Provider.RequestTimeout = getEnvDuration("PROVIDER_REQUEST_TIMEOUT", cfg.Provider.RequestTimeout)
	cfg.Provider.MaxAttempts = getEnvInt("PROVIDER_MAX_ATTEMPTS", cfg.Provider.MaxAttempts)
	cfg.Provider.RetryBackoff = getEnvDuration("PROVIDER_RETRY_BACKOFF", cfg.Provider.RetryBackoff)
	cfg.Provider.RetryBackoffCap = getEnvDuration("PROVIDER_RETRY_BACKOFF_CAP", cfg.Provider.RetryBackoffCap)
	cfg.Provider.RequestsPerSecond = getEnvFloat("PROVIDER_REQUESTS_PER_SECOND", cfg.Provider.RequestsPerSecond)
	cfg.Provider.OpenAIAPIKey = getEnvString("OPENAI_API_KEY", cfg.Provider.OpenAIAPIKey)
	cfg.Provider.AnthropicAPIKey = getEnvString("ANTHROPIC_API_KEY", cfg.Provider.AnthropicAPIKey)
	cfg.Provider.GeminiAPIKey = getEnvString("GEMINI_API_KEY", cfg.Provider.GeminiAPIKey)
	cfg.Provider.BedrockCredentials = getEnvString("BEDROCK_CREDENTIALS", cfg.Provider.BedrockCredentials)
	cfg.Provider.BedrockRegion = getEnvString("BEDROCK_REGION", cfg.Provider.BedrockRegion)
	if cfg.Provider.BaseURLs == nil {
		cfg.Provider.BaseURLs = map[string]string{}
	}
	for _, name := range []string{"openai", "anthropic", "vertexai", "bedrock"} {
		key := "PROVIDER_" + strings.ToUpper(name) + "_BASE_URL"
		if v := os.Getenv(key); v != "" {
			cfg.Provider.BaseURLs[name] = v
		}
	}

	cfg.Encryption.Key = getEnvString("ENCRYPTION_KEY", cfg.Encryption.Key)

	cfg.Auth.JWTSecret = getEnvString("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.TokenTTL = getEnvDuration("JWT_TOKEN_TTL", cfg.Auth.TokenTTL)

	cfg.Cost.Places = int32(getEnvInt("COST_DECIMAL_PLACES", int(cfg.Cost.Places)))

	cfg.RateLimit.CallsPerMinute = getEnvInt("RATE_LIMIT_CALLS_PER_MINUTE", cfg.RateLimit.CallsPerMinute)

	cfg.Audit.Enabled = getEnvBool("AUDIT_ENABLED", cfg.Audit.Enabled)
	cfg.Audit.Backend = getEnvString("AUDIT_QUEUE_BACKEND", cfg.Audit.Backend)
	cfg.Audit.QueueName = getEnvString("AUDIT_QUEUE_NAME", cfg.Audit.QueueName)
	cfg.Audit.BatchSize = getEnvInt("AUDIT_BATCH_SIZE", cfg.Audit.BatchSize)
	cfg.Audit.BatchTimeout = getEnvDuration("AUDIT_BATCH_TIMEOUT", cfg.Audit.BatchTimeout)
	cfg.Audit.MaxRetries = getEnvInt("AUDIT_MAX_RETRIES", cfg.Audit.MaxRetries)
	cfg.Audit.RetryDelay = getEnvDuration("AUDIT_RETRY_DELAY", cfg.Audit.RetryDelay)
	cfg.Audit.Sink = getEnvString("AUDIT_SINK", cfg.Audit.Sink)
	cfg.Audit.S3Bucket = getEnvString("AUDIT_S3_BUCKET", cfg.Audit.S3Bucket)
	cfg.Audit.S3Region = getEnvString("AUDIT_S3_REGION", cfg.Audit.S3Region)
	cfg.Audit.S3Prefix = getEnvString("AUDIT_S3_PREFIX", cfg.Audit.S3Prefix)
	cfg.Audit.S3Endpoint = getEnvString("AUDIT_S3_ENDPOINT", cfg.Audit.S3Endpoint)
	cfg.Audit.PodName = getEnvString("POD_NAME", cfg.Audit.PodName)
	cfg.Audit.FileTemplate = getEnvString("AUDIT_FILE_TEMPLATE", cfg.Audit.FileTemplate)
	cfg.Audit.FileMaxSize = getEnvInt64("AUDIT_FILE_MAX_SIZE", cfg.Audit.FileMaxSize)
	cfg.Audit.FileMaxFiles = getEnvInt("AUDIT_FILE_MAX_FILES", cfg.Audit.FileMaxFiles)
	cfg.Audit.FlushInterval = getEnvDuration("AUDIT_FLUSH_INTERVAL", cfg.Audit.FlushInterval)

	cfg.Tracing.Enabled = getEnvBool("TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint)
	cfg.Tracing.SampleRate = getEnvFloat("TRACING_SAMPLE_RATE", cfg.Tracing.SampleRate)
	cfg.Tracing.ServiceName = getEnvString("OTEL_SERVICE_NAME", cfg.Tracing.ServiceName)
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvFloat(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}
