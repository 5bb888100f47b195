package main

import (
	"fmt"

	"llm_broker/internal/config"
	"llm_broker/internal/storage"
)

// openDB loads the configuration and connects to Postgres for the admin
// commands. Lookup caches are kept small since nothing is served.
func openDB() (*config.Config, *storage.DB, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	dbCfg := storage.DefaultDBConfig()
	dbCfg.DSN = cfg.Database.URL
	dbCfg.MaxOpenConns = 2
	dbCfg.MaxIdleConns = 1
	dbCfg.AliasCacheSize = 10
	dbCfg.TeamCacheSize = 10

	db, err := storage.NewDB(dbCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return cfg, db, nil
}
