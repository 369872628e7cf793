package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/movie2book/backend/internal/ledger"
	"github.com/movie2book/backend/internal/models"
)

// Ledger is the slice of ledger.Service a payment can touch.
type Ledger interface {
	GrantCredits(ctx context.Context, accountID uuid.UUID, amount int, idempotencyKey, provider string) (ledger.GrantResult, error)
	SetPlanStatus(ctx context.Context, accountID uuid.UUID, status, idempotencyKey, provider string) (bool, error)
}

type Accounts interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error
}

// Outcome says what a delivery did. Every outcome is acknowledged.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeUnmatched Outcome = "unmatched"
)

type Processor struct {
	verifiers map[string]Verifier
	ledger    Ledger
	accounts  Accounts
	log       *slog.Logger
}

func NewProcessor(l Ledger, accounts Accounts, log *slog.Logger, verifiers ...Verifier) *Processor {
	if log == nil {
		log = slog.Default()
	}
	p := &Processor{verifiers: make(map[string]Verifier, len(verifiers)), ledger: l, accounts: accounts, log: log}
	for _, v := range verifiers {
		p.verifiers[v.Provider()] = v
	}
	return p
}

func (p *Processor) Verifier(provider string) (Verifier, bool) {
	v, ok := p.verifiers[provider]
	return v, ok
}

// Process verifies a raw delivery and applies its effect at most once.
// Nothing is written unless verification succeeds.
func (p *Processor) Process(ctx context.Context, provider string, raw []byte, header http.Header) (Outcome, error) {
	v, ok := p.verifiers[provider]
	if !ok {
		return "", ErrUnknownProvider
	}
	if err := v.Verify(ctx, raw, header); err != nil {
		return "", err
	}

	effect, err := v.Extract(raw)
	if err != nil {
		// Authentic but unusable; retrying will not help.
		p.log.Warn("payment event not understood", "provider", provider, "error", err)
		return OutcomeIgnored, nil
	}
	if effect == nil {
		return OutcomeIgnored, nil
	}

	acc, err := p.findAccount(ctx, effect.Account)
	if err != nil {
		return "", err
	}
	if acc == nil {
		p.log.Warn("payment for unknown account",
			"provider", provider, "event_type", effect.EventType, "idempotency_key", effect.IdempotencyKey)
		return OutcomeUnmatched, nil
	}
	// Linked before the ledger write so a retried delivery still links.
	if provider == "stripe" && effect.CustomerID != "" && acc.StripeCustomerID != effect.CustomerID {
		if err := p.accounts.SetStripeCustomerID(ctx, acc.ID, effect.CustomerID); err != nil {
			return "", errors.Join(ledger.ErrStoreUnavailable, err)
		}
	}

	switch effect.Kind {
	case EffectGrant:
		res, err := p.ledger.GrantCredits(ctx, acc.ID, effect.Amount, effect.IdempotencyKey, provider)
		if err != nil {
			return "", err
		}
		if !res.Applied {
			return OutcomeDuplicate, nil
		}
	case EffectPlan:
		applied, err := p.ledger.SetPlanStatus(ctx, acc.ID, effect.PlanStatus, effect.IdempotencyKey, provider)
		if err != nil {
			return "", err
		}
		if !applied {
			return OutcomeDuplicate, nil
		}
	default:
		return "", fmt.Errorf("payments: unknown effect kind %q", effect.Kind)
	}
	return OutcomeApplied, nil
}

func (p *Processor) findAccount(ctx context.Context, ref AccountRef) (*models.Account, error) {
	if id, err := uuid.Parse(ref.AccountID); err == nil {
		acc, err := p.accounts.GetByID(ctx, id)
		if err != nil {
			return nil, errors.Join(ledger.ErrStoreUnavailable, err)
		}
		if acc != nil {
			return acc, nil
		}
	}
	if ref.Email == "" {
		return nil, nil
	}
	acc, err := p.accounts.GetByEmail(ctx, ref.Email)
	if err != nil {
		return nil, errors.Join(ledger.ErrStoreUnavailable, err)
	}
	return acc, nil
}
