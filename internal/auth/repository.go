package auth

import (
	"context"

	"github.com/google/uuid"

	"github.com/movie2book/backend/internal/ledger"
	"github.com/movie2book/backend/internal/models"
)

// Repository is the account storage the auth service needs.
// repository.AccountRepo satisfies it.
type Repository interface {
	Create(ctx context.Context, email, passwordHash string) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
}

// Entitlements creates the default entitlement row for a new account.
type Entitlements interface {
	Entitlement(ctx context.Context, accountID uuid.UUID) (*models.Entitlement, error)
}

var _ Entitlements = (ledger.Service)(nil)
