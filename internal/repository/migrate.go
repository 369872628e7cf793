package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

type migration struct {
	version string
	name    string
	up      string
}

// migrations run in order; each version is applied once.
var migrations = []migration{
	{
		version: "20250101000001",
		name:    "create_accounts",
		up: `
CREATE TABLE IF NOT EXISTS accounts (
    id            UUID PRIMARY KEY,
    email         TEXT UNIQUE,
    password_hash TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	},
	{
		version: "20250101000002",
		name:    "create_entitlements",
		up: `
CREATE TABLE IF NOT EXISTS entitlements (
    account_id          UUID PRIMARY KEY REFERENCES accounts (id) ON DELETE CASCADE,
    plan_status         TEXT NOT NULL DEFAULT 'free' CHECK (plan_status IN ('free', 'active', 'cancelled')),
    free_trial_consumed BOOLEAN NOT NULL DEFAULT FALSE,
    credit_balance      INTEGER NOT NULL DEFAULT 0 CHECK (credit_balance >= 0),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	},
	{
		version: "20250101000003",
		name:    "create_credit_ledger",
		up: `
CREATE TABLE IF NOT EXISTS credit_ledger (
    id              UUID PRIMARY KEY,
    account_id      UUID NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
    entry_type      TEXT NOT NULL,
    amount          INTEGER NOT NULL,
    balance_after   INTEGER,
    idempotency_key TEXT UNIQUE,
    provider        TEXT NOT NULL DEFAULT '',
    job_id          TEXT,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_credit_ledger_account ON credit_ledger (account_id, created_at DESC)`,
	},
	{
		version: "20250101000004",
		name:    "create_jobs",
		up: `
CREATE TABLE IF NOT EXISTS jobs (
    id              TEXT PRIMARY KEY,
    account_id      UUID NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
    source_filename TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'processing' CHECK (status IN ('processing', 'completed', 'error')),
    progress        INTEGER NOT NULL DEFAULT 0,
    error           TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_jobs_account ON jobs (account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_processing ON jobs (updated_at) WHERE status = 'processing'`,
	},
	{
		version: "20250101000005",
		name:    "create_books",
		up: `
CREATE TABLE IF NOT EXISTS books (
    id         UUID PRIMARY KEY,
    job_id     TEXT NOT NULL,
    account_id UUID NOT NULL REFERENCES accounts (id) ON DELETE CASCADE,
    title      TEXT NOT NULL,
    content    TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_books_job ON books (job_id);
CREATE INDEX IF NOT EXISTS idx_books_account ON books (account_id, created_at DESC)`,
	},
	{
		version: "20250101000006",
		name:    "add_accounts_stripe_customer",
		up:      `ALTER TABLE accounts ADD COLUMN IF NOT EXISTS stripe_customer_id TEXT`,
	},
}

// migrateLockID serialises concurrent instances running Migrate at startup.
const migrateLockID = 72_201_605

// Migrate applies pending schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		if err := apply(ctx, pool, m, log); err != nil {
			return fmt.Errorf("migration %s_%s: %w", m.version, m.name, err)
		}
	}
	return nil
}

func apply(ctx context.Context, pool *pgxpool.Pool, m migration, log *slog.Logger) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrateLockID); err != nil {
		return err
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.version).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}
	if _, err := tx.Exec(ctx, m.up); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	log.Info("migration applied", "version", m.version, "name", m.name)
	return nil
}
