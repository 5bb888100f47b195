package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"llm_broker/internal/models"
)

// ModelAliasRepository handles model alias lookups
type ModelAliasRepository struct {
	db *DB
}

// NewModelAliasRepository creates a new model alias repository
func NewModelAliasRepository(db *DB) *ModelAliasRepository {
	return &ModelAliasRepository{db: db}
}

// GetByAlias retrieves an active model alias by its name
func (r *ModelAliasRepository) GetByAlias(ctx context.Context, alias string) (*models.ModelAlias, error) {
	if cached, ok := r.db.aliasCache.Get(alias); ok {
		return cached, nil
	}

	v, err, _ := r.db.lookups.Do("alias:"+alias, func() (interface{}, error) {
		modelAlias, err := r.load(ctx, alias)
		if err != nil {
			return nil, err
		}
		r.db.aliasCache.Set(alias, modelAlias)
		return modelAlias, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.ModelAlias), nil
}

func (r *ModelAliasRepository) load(ctx context.Context, alias string) (*models.ModelAlias, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var modelAlias models.ModelAlias
	query := `
		SELECT id, alias, provider, provider_model, input_price, output_price, pricing_unit,
		       active, access_groups, created_at, updated_at
		FROM model_aliases
		WHERE alias = $1 AND active = true
	`
	err := r.db.conn.GetContext(ctx, &modelAlias, query, alias)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrModelAliasNotFound
		}
		return nil, fmt.Errorf("failed to get model alias: %w", err)
	}
	return &modelAlias, nil
}

// Invalidate drops a cached alias
func (r *ModelAliasRepository) Invalidate(alias string) {
	r.db.aliasCache.Delete(alias)
}
