// Package identity maps an inbound request to a canonical account.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/movie2book/backend/internal/models"
)

// ErrUnauthorized means the request carries no usable identity.
var ErrUnauthorized = errors.New("identity: unauthorized")

// Identity sources.
const (
	SourceSession = "session"
	SourceLicense = "license"
)

// LicenseHeader is the header alternative to the license cookie for non-browser clients.
const LicenseHeader = "X-License-Session"

type Identity struct {
	AccountID uuid.UUID `json:"account_id"`
	Email     string    `json:"email,omitempty"`
	Source    string    `json:"source"`
}

type Accounts interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	CreateWithEmail(ctx context.Context, email string) (*models.Account, error)
}

type SessionValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
}

type LicenseDecoder interface {
	Decode(token string) (accountID uuid.UUID, email string, err error)
}

type Entitlements interface {
	Entitlement(ctx context.Context, accountID uuid.UUID) (*models.Entitlement, error)
}

type Resolver struct {
	accounts     Accounts
	sessions     SessionValidator
	licenses     LicenseDecoder
	entitlements Entitlements
	cookieName   string
	log          *slog.Logger
}

func NewResolver(accounts Accounts, sessions SessionValidator, licenses LicenseDecoder, entitlements Entitlements, cookieName string, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		accounts:     accounts,
		sessions:     sessions,
		licenses:     licenses,
		entitlements: entitlements,
		cookieName:   cookieName,
		log:          log,
	}
}

// Resolve returns the caller's identity, ErrUnauthorized for anonymous
// callers, or a store error. The account's entitlement row exists on success.
func (r *Resolver) Resolve(req *http.Request) (*Identity, error) {
	ctx := req.Context()

	if token := bearerToken(req); token != "" && r.sessions != nil {
		id, err := r.sessions.ValidateToken(ctx, token)
		if err == nil {
			acc, err := r.accounts.GetByID(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("load account: %w", err)
			}
			if acc != nil {
				if err := r.ensureEntitlement(ctx, acc.ID); err != nil {
					return nil, err
				}
				return &Identity{AccountID: acc.ID, Email: acc.Email, Source: SourceSession}, nil
			}
		}
		r.log.Debug("session token rejected", "error", err)
	}

	if token := r.licenseToken(req); token != "" && r.licenses != nil {
		id, email, err := r.licenses.Decode(token)
		if err != nil {
			r.log.Debug("license session rejected", "error", err)
			return nil, ErrUnauthorized
		}
		acc, err := r.resolveLicense(ctx, id, email)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			return nil, ErrUnauthorized
		}
		return &Identity{AccountID: acc.ID, Email: acc.Email, Source: SourceLicense}, nil
	}

	return nil, ErrUnauthorized
}

func (r *Resolver) resolveLicense(ctx context.Context, id uuid.UUID, email string) (*models.Account, error) {
	if id != uuid.Nil {
		acc, err := r.accounts.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load account: %w", err)
		}
		if acc != nil {
			if err := r.ensureEntitlement(ctx, acc.ID); err != nil {
				return nil, err
			}
			return acc, nil
		}
	}
	if email == "" {
		return nil, nil
	}
	return r.ResolveEmail(ctx, email)
}

// ResolveEmail finds the account for email, creating it if none exists.
// Lookup runs before create so a known purchaser never gets a second account.
func (r *Resolver) ResolveEmail(ctx context.Context, email string) (*models.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, ErrUnauthorized
	}
	acc, err := r.accounts.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("lookup account by email: %w", err)
	}
	if acc == nil {
		if acc, err = r.accounts.CreateWithEmail(ctx, email); err != nil {
			return nil, fmt.Errorf("create account: %w", err)
		}
		r.log.Info("account created from license", "account_id", acc.ID)
	}
	if err := r.ensureEntitlement(ctx, acc.ID); err != nil {
		return nil, err
	}
	return acc, nil
}

func (r *Resolver) ensureEntitlement(ctx context.Context, id uuid.UUID) error {
	if _, err := r.entitlements.Entitlement(ctx, id); err != nil {
		return fmt.Errorf("ensure entitlement: %w", err)
	}
	return nil
}

func (r *Resolver) licenseToken(req *http.Request) string {
	if r.cookieName != "" {
		if c, err := req.Cookie(r.cookieName); err == nil && c.Value != "" {
			return c.Value
		}
	}
	return strings.TrimSpace(req.Header.Get(LicenseHeader))
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return ""
	}
	return strings.TrimSpace(authz[len(prefix):])
}
