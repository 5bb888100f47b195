// Package storagetest provides an in-memory stand-in for the Postgres
// repositories with the same conditional-update and uniqueness semantics.
package storagetest

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"llm_broker/internal/models"
	"llm_broker/internal/storage"
)

// Store keeps teams, jobs, calls and credit transactions in memory.
// Transactions are serialized and roll back on error.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex

	teams   map[uuid.UUID]*models.Team
	credits map[uuid.UUID]models.TeamCredit
	jobs    map[uuid.UUID]models.Job
	calls   []models.Call
	txns    []models.CreditTransaction
}

// New creates an empty store.
func New() *Store {
	return &Store{
		teams:   map[uuid.UUID]*models.Team{},
		credits: map[uuid.UUID]models.TeamCredit{},
		jobs:    map[uuid.UUID]models.Job{},
	}
}

// AddTeam registers a team with allocated credits.
func (s *Store) AddTeam(team *models.Team, allocated int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if team.ID == uuid.Nil {
		team.ID = uuid.New()
	}
	if team.Status == "" {
		team.Status = models.TeamStatusActive
	}
	s.teams[team.ID] = team
	s.credits[team.ID] = models.TeamCredit{TeamID: team.ID, CreditsAllocated: allocated}
}

// Credit returns the balance row of a team.
func (s *Store) Credit(teamID uuid.UUID) models.TeamCredit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credits[teamID]
}

// Transactions returns all credit transactions of a team in insertion order.
func (s *Store) Transactions(teamID uuid.UUID) []models.CreditTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CreditTransaction
	for _, t := range s.txns {
		if t.TeamID == teamID {
			out = append(out, t)
		}
	}
	return out
}

// Job returns the stored job.
func (s *Store) Job(id uuid.UUID) models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// Create inserts a job.
func (s *Store) Create(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.Metadata == nil {
		job.Metadata = models.JSONB{}
	}
	s.jobs[job.ID] = cloneJob(*job)
	return nil
}

// GetByID returns a job.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	out := cloneJob(job)
	return &out, nil
}

// MarkStarted moves a pending job to in_progress.
func (s *Store) MarkStarted(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != models.JobStatusPending {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = models.JobStatusInProgress
	job.StartedAt = &now
	s.jobs[id] = job
	return true, nil
}

// MergeMetadata merges patch into a non-terminal job.
func (s *Store) MergeMetadata(ctx context.Context, id uuid.UUID, patch models.JSONB) (models.JSONB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return nil, storage.ErrJobTerminal
	}
	job.Metadata = job.Metadata.Merge(patch)
	s.jobs[id] = job
	return maps.Clone(job.Metadata), nil
}

// Insert appends a call row.
func (s *Store) Insert(ctx context.Context, call *models.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, *call)
	return nil
}

// ListByJob returns the calls of a job ordered by creation time.
func (s *Store) ListByJob(ctx context.Context, jobID uuid.UUID) ([]models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callsOf(jobID), nil
}

func (s *Store) callsOf(jobID uuid.UUID) []models.Call {
	out := []models.Call{}
	for _, c := range s.calls {
		if c.JobID == jobID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetTeam returns a team.
func (s *Store) GetTeam(ctx context.Context, id uuid.UUID) (*models.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	team, ok := s.teams[id]
	if !ok {
		return nil, storage.ErrTeamNotFound
	}
	out := *team
	return &out, nil
}

// GetCredit returns a team's balance row.
func (s *Store) GetCredit(ctx context.Context, teamID uuid.UUID) (*models.TeamCredit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	credit, ok := s.credits[teamID]
	if !ok {
		return nil, storage.ErrTeamCreditNotFound
	}
	return &credit, nil
}

// ListTransactions returns up to limit transactions of a team.
func (s *Store) ListTransactions(ctx context.Context, teamID uuid.UUID, limit int) ([]models.CreditTransaction, error) {
	txns := s.Transactions(teamID)
	if limit > 0 && len(txns) > limit {
		txns = txns[:limit]
	}
	if txns == nil {
		txns = []models.CreditTransaction{}
	}
	return txns, nil
}

// RunInTx runs fn serialized against other transactions. The jobs, credits
// and transactions are restored when fn fails.
func (s *Store) RunInTx(ctx context.Context, fn func(tx *Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	jobs := maps.Clone(s.jobs)
	credits := maps.Clone(s.credits)
	txns := append([]models.CreditTransaction(nil), s.txns...)
	s.mu.Unlock()

	if err := fn(&Tx{s: s}); err != nil {
		s.mu.Lock()
		s.jobs, s.credits, s.txns = jobs, credits, txns
		s.mu.Unlock()
		return err
	}
	return nil
}

func cloneJob(job models.Job) models.Job {
	job.Metadata = maps.Clone(job.Metadata)
	return job
}

// SetCreditLimit caps the credits a team may use.
func (s *Store) SetCreditLimit(teamID uuid.UUID, limit int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	credit := s.credits[teamID]
	credit.CreditLimit = &limit
	s.credits[teamID] = credit
}
