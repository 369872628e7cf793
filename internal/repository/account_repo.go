package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/movie2book/backend/internal/models"
)

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

// NormalizeEmail is the canonical form emails are stored and looked up in.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

const accountColumns = `id, COALESCE(email, ''), password_hash, COALESCE(stripe_customer_id, ''), created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.StripeCustomerID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts an account with a password. A duplicate email surfaces as
// a unique violation (23505).
func (r *AccountRepo) Create(ctx context.Context, email, passwordHash string) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING `+accountColumns,
		uuid.New(), NormalizeEmail(email), passwordHash))
}

// CreateWithEmail returns the account owning email, creating it if needed.
// Concurrent callers for the same email get the same row.
func (r *AccountRepo) CreateWithEmail(ctx context.Context, email string) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, email)
		VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING `+accountColumns,
		uuid.New(), NormalizeEmail(email)))
}

// GetByID returns nil, nil when the account does not exist.
func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE id = $1
	`, id))
}

// GetByEmail returns nil, nil when no account has the email.
func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, nil
	}
	return scanAccount(r.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE email = $1
	`, email))
}

func (r *AccountRepo) SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts SET stripe_customer_id = $1, updated_at = now() WHERE id = $2
	`, customerID, id)
	return err
}
