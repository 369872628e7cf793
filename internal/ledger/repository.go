package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/movie2book/backend/internal/models"
)

// Repository is the Postgres Store. Balance changes are conditional
// updates so concurrent requests on different instances cannot overdraw.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const entitlementColumns = `account_id, plan_status, free_trial_consumed, credit_balance, updated_at`

func scanEntitlement(row pgx.Row) (*models.Entitlement, error) {
	var e models.Entitlement
	if err := row.Scan(&e.AccountID, &e.PlanStatus, &e.FreeTrialConsumed, &e.CreditBalance, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Repository) Get(ctx context.Context, accountID uuid.UUID) (*models.Entitlement, error) {
	e, err := scanEntitlement(r.pool.QueryRow(ctx, `
		SELECT `+entitlementColumns+` FROM entitlements WHERE account_id = $1
	`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// Upsert merges non-nil patch fields. Concurrent creators collapse onto one row.
func (r *Repository) Upsert(ctx context.Context, accountID uuid.UUID, patch models.EntitlementPatch) (*models.Entitlement, error) {
	return scanEntitlement(r.pool.QueryRow(ctx, `
		INSERT INTO entitlements (account_id, plan_status, free_trial_consumed, credit_balance)
		VALUES ($1, COALESCE($2::text, 'free'), COALESCE($3::boolean, FALSE), COALESCE($4::integer, 0))
		ON CONFLICT (account_id) DO UPDATE SET
			plan_status = COALESCE($2, entitlements.plan_status),
			free_trial_consumed = COALESCE($3, entitlements.free_trial_consumed),
			credit_balance = COALESCE($4, entitlements.credit_balance),
			updated_at = now()
		RETURNING `+entitlementColumns,
		accountID, patch.PlanStatus, patch.FreeTrialConsumed, patch.CreditBalance))
}

func (r *Repository) ConsumeCredit(ctx context.Context, accountID uuid.UUID, cost int, jobID string) (int, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback(ctx)

	var balance int
	err = tx.QueryRow(ctx, `
		UPDATE entitlements SET credit_balance = credit_balance - $1, updated_at = now()
		WHERE account_id = $2 AND credit_balance >= $1
		RETURNING credit_balance
	`, cost, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if err := insertEntry(ctx, tx, accountID, models.CreditEntryConsume, -cost, balance, jobID); err != nil {
		return 0, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

func (r *Repository) ConsumeTrial(ctx context.Context, accountID uuid.UUID, jobID string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var balance int
	err = tx.QueryRow(ctx, `
		UPDATE entitlements SET free_trial_consumed = TRUE, updated_at = now()
		WHERE account_id = $1 AND NOT free_trial_consumed
		RETURNING credit_balance
	`, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := insertEntry(ctx, tx, accountID, models.CreditEntryTrial, 0, balance, jobID); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// ApplyGrant claims the idempotency key first; a replayed key inserts
// nothing and leaves the balance untouched.
func (r *Repository) ApplyGrant(ctx context.Context, accountID uuid.UUID, amount int, idempotencyKey, provider string) (bool, int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback(ctx)

	entryID, claimed, err := claimKey(ctx, tx, accountID, models.CreditEntryGrant, amount, idempotencyKey, provider)
	if err != nil {
		return false, 0, err
	}
	if !claimed {
		var balance int
		err := tx.QueryRow(ctx, `SELECT credit_balance FROM entitlements WHERE account_id = $1`, accountID).Scan(&balance)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return false, 0, err
		}
		return false, balance, nil
	}

	var balance int
	err = tx.QueryRow(ctx, `
		INSERT INTO entitlements (account_id, plan_status, free_trial_consumed, credit_balance)
		VALUES ($1, 'free', FALSE, $2)
		ON CONFLICT (account_id) DO UPDATE SET
			credit_balance = entitlements.credit_balance + EXCLUDED.credit_balance,
			updated_at = now()
		RETURNING credit_balance
	`, accountID, amount).Scan(&balance)
	if err != nil {
		return false, 0, err
	}
	if _, err := tx.Exec(ctx, `UPDATE credit_ledger SET balance_after = $1 WHERE id = $2`, balance, entryID); err != nil {
		return false, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, 0, err
	}
	return true, balance, nil
}

func (r *Repository) ApplyPlanStatus(ctx context.Context, accountID uuid.UUID, status, idempotencyKey, provider string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	_, claimed, err := claimKey(ctx, tx, accountID, models.CreditEntryPlan, 0, idempotencyKey, provider)
	if err != nil || !claimed {
		return false, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO entitlements (account_id, plan_status, free_trial_consumed, credit_balance)
		VALUES ($1, $2, FALSE, 0)
		ON CONFLICT (account_id) DO UPDATE SET plan_status = EXCLUDED.plan_status, updated_at = now()
	`, accountID, status)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (r *Repository) History(ctx context.Context, accountID uuid.UUID) ([]*models.CreditLedger, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, entry_type, amount, balance_after, idempotency_key, provider, job_id, created_at
		FROM credit_ledger WHERE account_id = $1 ORDER BY created_at DESC, id DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CreditLedger
	for rows.Next() {
		var c models.CreditLedger
		if err := rows.Scan(&c.ID, &c.AccountID, &c.EntryType, &c.Amount, &c.BalanceAfter, &c.IdempotencyKey, &c.Provider, &c.JobID, &c.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &c)
	}
	return list, rows.Err()
}

// claimKey inserts the ledger row carrying idempotencyKey. claimed is false
// when another transaction already recorded the key.
func claimKey(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, entryType string, amount int, idempotencyKey, provider string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO credit_ledger (id, account_id, entry_type, amount, idempotency_key, provider)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`, uuid.New(), accountID, entryType, amount, idempotencyKey, provider).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, entryType string, amount, balanceAfter int, jobID string) error {
	var job *string
	if jobID != "" {
		job = &jobID
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_ledger (id, account_id, entry_type, amount, balance_after, job_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New(), accountID, entryType, amount, balanceAfter, job)
	return err
}
