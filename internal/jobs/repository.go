package jobs

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/movie2book/backend/internal/ledger"
	"github.com/movie2book/backend/internal/models"
	"github.com/movie2book/backend/internal/processor"
)

// Store is implemented by repository.JobRepo.
type Store interface {
	Create(ctx context.Context, j *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Job, error)
	ListProcessing(ctx context.Context, minAge time.Duration, limit int) ([]*models.Job, error)
	UpdateStatus(ctx context.Context, id, status string, progress int, errMsg string) (*models.Job, error)
	Touch(ctx context.Context, id string) error
}

// Processor is implemented by processor.Client.
type Processor interface {
	Submit(ctx context.Context, filename string, video io.Reader) (string, error)
	Status(ctx context.Context, jobID string) (*processor.Status, error)
}

// Ledger is the part of ledger.Service the gateway charges through.
type Ledger interface {
	CanConsume(ctx context.Context, accountID uuid.UUID, cost int) (ledger.Decision, error)
	ReserveAndConsume(ctx context.Context, accountID uuid.UUID, cost int, jobID string) (ledger.Consumption, error)
}

// EnqueueCollectFunc schedules result collection for a completed job.
// Provided by main using river.Client.Insert.
type EnqueueCollectFunc func(ctx context.Context, jobID string) error
