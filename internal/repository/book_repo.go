package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/movie2book/backend/internal/models"
)

type BookRepo struct {
	pool *pgxpool.Pool
}

func NewBookRepo(pool *pgxpool.Pool) *BookRepo {
	return &BookRepo{pool: pool}
}

const bookColumns = `id, job_id, account_id, title, content, created_at, updated_at`

func scanBook(row pgx.Row) (*models.Book, error) {
	var b models.Book
	if err := row.Scan(&b.ID, &b.JobID, &b.AccountID, &b.Title, &b.Content, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// LatestByJobID returns the most recently written book for a job, or nil.
func (r *BookRepo) LatestByJobID(ctx context.Context, jobID string) (*models.Book, error) {
	b, err := scanBook(r.pool.QueryRow(ctx, `
		SELECT `+bookColumns+` FROM books WHERE job_id = $1
		ORDER BY updated_at DESC, id DESC LIMIT 1
	`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (r *BookRepo) Insert(ctx context.Context, b *models.Book) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO books (id, job_id, account_id, title, content, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, clock_timestamp(), clock_timestamp())
		RETURNING created_at, updated_at
	`, b.ID, b.JobID, b.AccountID, b.Title, b.Content).Scan(&b.CreatedAt, &b.UpdatedAt)
}

// Update rewrites title and content in place. found is false if the row vanished.
func (r *BookRepo) Update(ctx context.Context, b *models.Book) (bool, error) {
	err := r.pool.QueryRow(ctx, `
		UPDATE books SET title = $2, content = $3, updated_at = clock_timestamp()
		WHERE id = $1
		RETURNING updated_at
	`, b.ID, b.Title, b.Content).Scan(&b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// DeleteDuplicates removes every book for jobID except the most recently written one.
func (r *BookRepo) DeleteDuplicates(ctx context.Context, jobID string) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM books
		WHERE job_id = $1 AND id <> (
			SELECT id FROM books WHERE job_id = $1
			ORDER BY updated_at DESC, id DESC LIMIT 1
		)
	`, jobID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *BookRepo) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Book, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, account_id, title, '', created_at, updated_at
		FROM books WHERE account_id = $1 ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, b)
	}
	return list, rows.Err()
}

// GetByID returns nil, nil when the book does not exist.
func (r *BookRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Book, error) {
	b, err := scanBook(r.pool.QueryRow(ctx, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return b, err
}
