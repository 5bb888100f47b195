package storagetest

import (
	"context"
	"time"

	"github.com/google/uuid"

	"llm_broker/internal/models"
	"llm_broker/internal/storage"
)

// Tx mirrors storage.JobTx.
type Tx struct {
	s *Store
}

func (t *Tx) LockJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return t.s.GetByID(ctx, id)
}

func (t *Tx) ListCalls(ctx context.Context, jobID uuid.UUID) ([]models.Call, error) {
	return t.s.ListByJob(ctx, jobID)
}

func (t *Tx) FinishJob(ctx context.Context, job *models.Job) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	stored, ok := t.s.jobs[job.ID]
	if !ok || stored.Status.IsTerminal() {
		return storage.ErrJobTerminal
	}
	stored.Status = job.Status
	stored.CompletedAt = job.CompletedAt
	stored.Metadata = cloneJob(*job).Metadata
	t.s.jobs[job.ID] = stored
	return nil
}

func (t *Tx) MarkCreditApplied(ctx context.Context, jobID uuid.UUID) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	job, ok := t.s.jobs[jobID]
	if !ok || job.CreditApplied {
		return storage.ErrDuplicateTransaction
	}
	job.CreditApplied = true
	t.s.jobs[jobID] = job
	return nil
}

func (t *Tx) LockCredit(ctx context.Context, teamID uuid.UUID) (*models.TeamCredit, error) {
	return t.s.GetCredit(ctx, teamID)
}

func (t *Tx) DeductCredit(ctx context.Context, teamID uuid.UUID) (*models.TeamCredit, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	credit, ok := t.s.credits[teamID]
	if !ok || !credit.CanSpend(1) {
		return nil, storage.ErrInsufficientCredit
	}
	credit.CreditsUsed++
	credit.UpdatedAt = time.Now().UTC()
	t.s.credits[teamID] = credit
	return &credit, nil
}

func (t *Tx) ShiftCreditsUsed(ctx context.Context, teamID uuid.UUID, delta int64) (*models.TeamCredit, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	credit, ok := t.s.credits[teamID]
	used := credit.CreditsUsed + delta
	if !ok || used < 0 || credit.CreditsAllocated-used < 0 {
		return nil, storage.ErrInsufficientCredit
	}
	credit.CreditsUsed = used
	credit.UpdatedAt = time.Now().UTC()
	t.s.credits[teamID] = credit
	return &credit, nil
}

func (t *Tx) AddCreditsAllocated(ctx context.Context, teamID uuid.UUID, n int64) (*models.TeamCredit, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	credit := t.s.credits[teamID]
	credit.TeamID = teamID
	credit.CreditsAllocated += n
	credit.UpdatedAt = time.Now().UTC()
	t.s.credits[teamID] = credit
	return &credit, nil
}

// InsertTransaction enforces one deduction and one refund per job.
func (t *Tx) InsertTransaction(ctx context.Context, txn *models.CreditTransaction) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if txn.JobID != nil && (txn.Kind == models.TransactionDeduction || txn.Kind == models.TransactionRefund) {
		for _, existing := range t.s.txns {
			if existing.JobID != nil && *existing.JobID == *txn.JobID && existing.Kind == txn.Kind {
				return storage.ErrDuplicateTransaction
			}
		}
	}
	if txn.ID == uuid.Nil {
		txn.ID = uuid.New()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	t.s.txns = append(t.s.txns, *txn)
	return nil
}

func (t *Tx) FindTransaction(ctx context.Context, jobID uuid.UUID, kind models.TransactionKind) (*models.CreditTransaction, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, existing := range t.s.txns {
		if existing.JobID != nil && *existing.JobID == jobID && existing.Kind == kind {
			out := existing
			return &out, nil
		}
	}
	return nil, storage.ErrTransactionNotFound
}
