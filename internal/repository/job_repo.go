package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/movie2book/backend/internal/models"
)

type JobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

const jobColumns = `id, account_id, source_filename, status, progress, error, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	if err := row.Scan(&j.ID, &j.AccountID, &j.SourceFilename, &j.Status, &j.Progress, &j.Error, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *JobRepo) Create(ctx context.Context, j *models.Job) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, account_id, source_filename, status, progress)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, j.ID, j.AccountID, j.SourceFilename, j.Status, j.Progress).Scan(&j.CreatedAt, &j.UpdatedAt)
}

// GetByID returns nil, nil when the job does not exist.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (r *JobRepo) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE account_id = $1 ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// ListProcessing returns jobs still processing whose row is older than minAge.
func (r *JobRepo) ListProcessing(ctx context.Context, minAge time.Duration, limit int) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'processing' AND updated_at < now() - make_interval(secs => $1)
		ORDER BY updated_at ASC
		LIMIT $2
	`, minAge.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// UpdateStatus records a processor status. Terminal jobs are never moved.
func (r *JobRepo) UpdateStatus(ctx context.Context, id, status string, progress int, errMsg string) (*models.Job, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $2, progress = $3, error = $4, updated_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING `+jobColumns,
		id, status, progress, errMsg))
	if errors.Is(err, pgx.ErrNoRows) {
		return r.GetByID(ctx, id)
	}
	return j, err
}

// Touch bumps updated_at so the poller backs off a job it just checked.
func (r *JobRepo) Touch(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE jobs SET updated_at = now() WHERE id = $1 AND status = 'processing'`, id)
	return err
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var list []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}
