package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/singleflight"

	"llm_broker/internal/models"
)

// DB wraps the database connection, the lookup caches and the transaction helper
type DB struct {
	conn         *sqlx.DB
	queryTimeout time.Duration

	aliasCache *LRUCache[*models.ModelAlias]
	teamCache  *LRUCache[*models.Team]
	lookups    singleflight.Group
}

// DBConfig holds database configuration
type DBConfig struct {
	DSN string

	// Pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	QueryTimeout time.Duration

	// Cache settings
	AliasCacheSize int
	AliasCacheTTL  time.Duration
	TeamCacheSize  int
	TeamCacheTTL   time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() DBConfig {
	return DBConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		QueryTimeout: 5 * time.Second,

		AliasCacheSize: 500,
		AliasCacheTTL:  15 * time.Minute,
		TeamCacheSize:  1000,
		TeamCacheTTL:   1 * time.Minute,
	}
}

// NewDB creates a new database connection with caching
func NewDB(cfg DBConfig) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	conn, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return newDB(conn, cfg), nil
}

func newDB(conn *sqlx.DB, cfg DBConfig) *DB {
	return &DB{
		conn:         conn,
		queryTimeout: cfg.QueryTimeout,
		aliasCache:   NewLRUCache[*models.ModelAlias](cfg.AliasCacheSize, cfg.AliasCacheTTL),
		teamCache:    NewLRUCache[*models.Team](cfg.TeamCacheSize, cfg.TeamCacheTTL),
	}
}

// Close closes the database connection and clears caches
func (db *DB) Close() error {
	db.aliasCache.Clear()
	db.teamCache.Clear()
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := db.conn.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}

	return nil
}

// DBStats holds database statistics
type DBStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`

	AliasCacheStats CacheStats `json:"alias_cache"`
	TeamCacheStats  CacheStats `json:"team_cache"`
}

// GetStats returns current database and cache statistics
func (db *DB) GetStats() DBStats {
	stats := db.conn.Stats()

	return DBStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,

		AliasCacheStats: db.aliasCache.GetStats(),
		TeamCacheStats:  db.teamCache.GetStats(),
	}
}

// CleanupExpiredCacheEntries removes expired entries from all caches.
// Called periodically by the server.
func (db *DB) CleanupExpiredCacheEntries() (aliasRemoved, teamRemoved int) {
	aliasRemoved = db.aliasCache.CleanupExpired()
	teamRemoved = db.teamCache.CleanupExpired()
	return
}

func (db *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

// RunInTx runs fn inside a read-committed transaction. The transaction is
// committed when fn returns nil and rolled back otherwise.
func (db *DB) RunInTx(ctx context.Context, fn func(tx *JobTx) error) error {
	tx, err := db.conn.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&JobTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Conn returns the underlying sqlx connection
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

// Repository factory methods

// NewJobRepository creates a new job repository
func (db *DB) NewJobRepository() *JobRepository {
	return NewJobRepository(db)
}

// NewCallRepository creates a new call repository
func (db *DB) NewCallRepository() *CallRepository {
	return NewCallRepository(db)
}

// NewTeamRepository creates a new team repository
func (db *DB) NewTeamRepository() *TeamRepository {
	return NewTeamRepository(db)
}

// NewModelAliasRepository creates a new model alias repository
func (db *DB) NewModelAliasRepository() *ModelAliasRepository {
	return NewModelAliasRepository(db)
}

// NewCredentialRepository creates a new provider credential repository
func (db *DB) NewCredentialRepository() *CredentialRepository {
	return NewCredentialRepository(db)
}
