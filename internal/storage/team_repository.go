package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"llm_broker/internal/models"
)

// TeamRepository serves the read-only team and credit lookups
type TeamRepository struct {
	db *DB
}

// NewTeamRepository creates a new team repository
func NewTeamRepository(db *DB) *TeamRepository {
	return &TeamRepository{db: db}
}

// GetTeam returns a team from cache, loading it once for concurrent callers
func (r *TeamRepository) GetTeam(ctx context.Context, id uuid.UUID) (*models.Team, error) {
	key := id.String()
	if team, ok := r.db.teamCache.Get(key); ok {
		return team, nil
	}

	v, err, _ := r.db.lookups.Do("team:"+key, func() (interface{}, error) {
		team, err := r.loadTeam(ctx, id)
		if err != nil {
			return nil, err
		}
		r.db.teamCache.Set(key, team)
		return team, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Team), nil
}

func (r *TeamRepository) loadTeam(ctx context.Context, id uuid.UUID) (*models.Team, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var team models.Team
	err := r.db.conn.GetContext(ctx, &team, `
		SELECT id, organization_id, name, status, access_groups, markup_fraction
		FROM teams
		WHERE id = $1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTeamNotFound
		}
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	return &team, nil
}

// GetCredit returns the current credit row of a team. Never cached.
func (r *TeamRepository) GetCredit(ctx context.Context, teamID uuid.UUID) (*models.TeamCredit, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var credit models.TeamCredit
	err := r.db.conn.GetContext(ctx, &credit,
		`SELECT `+creditColumns+` FROM team_credits WHERE team_id = $1`, teamID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTeamCreditNotFound
		}
		return nil, fmt.Errorf("failed to get team credit: %w", err)
	}
	return &credit, nil
}

// ListTransactions returns a team's credit transactions, oldest first
func (r *TeamRepository) ListTransactions(ctx context.Context, teamID uuid.UUID, limit int) ([]models.CreditTransaction, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	txns := []models.CreditTransaction{}
	err := r.db.conn.SelectContext(ctx, &txns, `
		SELECT id, team_id, job_id, kind, delta, balance_before, balance_after, reason, created_at
		FROM credit_transactions
		WHERE team_id = $1
		ORDER BY created_at, id
		LIMIT $2
	`, teamID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit transactions: %w", err)
	}
	return txns, nil
}

// InvalidateTeam drops a cached team, used after status changes
func (r *TeamRepository) InvalidateTeam(id uuid.UUID) {
	r.db.teamCache.Delete(id.String())
}
