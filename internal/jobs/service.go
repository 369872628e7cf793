package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/movie2book/backend/internal/ledger"
	"github.com/movie2book/backend/internal/models"
	"github.com/movie2book/backend/internal/processor"
)

var (
	ErrJobNotFound     = errors.New("jobs: not found")
	ErrMissingFilename = errors.New("jobs: missing filename")
)

// Billing states reported back to the uploader.
const (
	BillingCharged  = "charged"
	BillingUnbilled = "unbilled"
)

// LostJobMessage is stored on a job the processor no longer knows about.
const LostJobMessage = "job lost by conversion service"

type Submission struct {
	Job           *models.Job
	ConsumedVia   string
	BillingStatus string
}

// JobStatus is a job as last seen. Stale means the processor could not be
// asked and the stored state was returned instead.
type JobStatus struct {
	Job   *models.Job
	Stale bool
}

type Service interface {
	Submit(ctx context.Context, accountID uuid.UUID, filename string, video io.Reader) (*Submission, error)
	Get(ctx context.Context, accountID uuid.UUID, jobID string) (*JobStatus, error)
	List(ctx context.Context, accountID uuid.UUID) ([]*models.Job, error)
	RefreshProcessing(ctx context.Context, minAge time.Duration, limit int) (int, error)
}

type service struct {
	store   Store
	proc    Processor
	ledger  Ledger
	cost    int
	enqueue EnqueueCollectFunc
	log     *slog.Logger
}

// NewService builds the submission gateway. enqueue may be nil, in which
// case completed jobs are collected on demand only.
func NewService(store Store, proc Processor, l Ledger, cost int, enqueue EnqueueCollectFunc, log *slog.Logger) *service {
	if log == nil {
		log = slog.Default()
	}
	if cost < 1 {
		cost = 1
	}
	return &service{store: store, proc: proc, ledger: l, cost: cost, enqueue: enqueue, log: log}
}

var _ Service = (*service)(nil)

// Submit checks entitlement, hands the video to the processor, records the
// job and only then charges. A failed upload is never charged; a failed
// charge after a successful upload leaves the job unbilled.
func (s *service) Submit(ctx context.Context, accountID uuid.UUID, filename string, video io.Reader) (*Submission, error) {
	if accountID == uuid.Nil {
		return nil, ledger.ErrAccountNotResolved
	}
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		return nil, ErrMissingFilename
	}

	d, err := s.ledger.CanConsume(ctx, accountID, s.cost)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, ledger.ErrNoCredits
	}

	jobID, err := s.proc.Submit(ctx, filename, video)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:             jobID,
		AccountID:      accountID,
		SourceFilename: filename,
		Status:         models.JobStatusProcessing,
	}
	if err := s.store.Create(ctx, job); err != nil {
		s.log.Error("job accepted upstream but not recorded", "account_id", accountID, "job_id", jobID, "error", err)
		return nil, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}

	sub := &Submission{Job: job, BillingStatus: BillingCharged}
	c, err := s.ledger.ReserveAndConsume(ctx, accountID, s.cost, jobID)
	if err != nil {
		s.log.Error("job submitted but not charged",
			"account_id", accountID, "job_id", jobID, "billing_status", BillingUnbilled, "error", err)
		sub.BillingStatus = BillingUnbilled
		return sub, nil
	}
	sub.ConsumedVia = c.Via
	s.log.Info("job submitted", "account_id", accountID, "job_id", jobID, "consumed_via", c.Via)
	return sub, nil
}

// Get returns the caller's job, refreshed from the processor when it is
// still processing.
func (s *service) Get(ctx context.Context, accountID uuid.UUID, jobID string) (*JobStatus, error) {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}
	if job == nil || job.AccountID != accountID {
		return nil, ErrJobNotFound
	}
	return s.refresh(ctx, job)
}

func (s *service) List(ctx context.Context, accountID uuid.UUID) ([]*models.Job, error) {
	list, err := s.store.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}
	return list, nil
}

// RefreshProcessing polls every processing job older than minAge and
// returns how many reached a terminal state.
func (s *service) RefreshProcessing(ctx context.Context, minAge time.Duration, limit int) (int, error) {
	list, err := s.store.ListProcessing(ctx, minAge, limit)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}
	finished := 0
	for _, job := range list {
		st, err := s.refresh(ctx, job)
		if err != nil {
			s.log.Error("refresh job", "job_id", job.ID, "error", err)
			continue
		}
		if st.Job.Terminal() {
			finished++
		}
	}
	return finished, nil
}

func (s *service) refresh(ctx context.Context, job *models.Job) (*JobStatus, error) {
	if job.Terminal() {
		return &JobStatus{Job: job}, nil
	}
	st, err := s.proc.Status(ctx, job.ID)
	if errors.Is(err, processor.ErrJobNotFound) || errors.Is(err, processor.ErrRejected) {
		s.log.Warn("processor does not know job, marking it failed", "job_id", job.ID, "error", err)
		st, err = &processor.Status{JobID: job.ID, Status: models.JobStatusError, Progress: job.Progress, Error: LostJobMessage}, nil
	}
	if err != nil {
		s.log.Warn("processor status unavailable, returning stored status", "job_id", job.ID, "error", err)
		if terr := s.store.Touch(ctx, job.ID); terr != nil {
			s.log.Warn("touch job", "job_id", job.ID, "error", terr)
		}
		return &JobStatus{Job: job, Stale: true}, nil
	}
	updated, err := s.store.UpdateStatus(ctx, job.ID, st.Status, st.Progress, st.Error)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}
	if updated == nil {
		return nil, ErrJobNotFound
	}
	if updated.Status == models.JobStatusCompleted && s.enqueue != nil {
		if err := s.enqueue(ctx, updated.ID); err != nil {
			// The periodic poll does not revisit completed jobs, but the
			// result endpoint still collects on demand.
			s.log.Error("enqueue result collection", "job_id", updated.ID, "error", err)
		}
	}
	return &JobStatus{Job: updated}, nil
}
