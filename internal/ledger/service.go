package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/movie2book/backend/internal/models"
)

// Reasons reported by CheckEntitlement.
const (
	ReasonPlanActive = "plan_active"
	ReasonCredits    = "credits"
	ReasonFreeTrial  = "free_trial"
	ReasonNoCredits  = "NoCredits"
)

// Consumption methods reported by ReserveAndConsume.
const (
	ViaCredit = "credit"
	ViaPlan   = "plan"
	ViaTrial  = "trial"
)

// maxConsumeAttempts bounds the re-read loop when a conditional update loses a race.
const maxConsumeAttempts = 5

// Store persists entitlements. Get and Upsert are plain data access; the
// remaining methods are single atomic units against the shared database so
// that correctness holds across processes.
type Store interface {
	// Get returns nil, nil when the account has no entitlement row.
	Get(ctx context.Context, accountID uuid.UUID) (*models.Entitlement, error)
	// Upsert creates the row if absent and merges patch into it otherwise.
	Upsert(ctx context.Context, accountID uuid.UUID, patch models.EntitlementPatch) (*models.Entitlement, error)
	// ConsumeCredit decrements the balance by cost only if it is at least cost.
	// ok is false when the condition did not hold at write time.
	ConsumeCredit(ctx context.Context, accountID uuid.UUID, cost int, jobID string) (balanceAfter int, ok bool, err error)
	// ConsumeTrial flips free_trial_consumed only if it is still false.
	ConsumeTrial(ctx context.Context, accountID uuid.UUID, jobID string) (ok bool, err error)
	// ApplyGrant adds amount exactly once per idempotency key, creating the row if needed.
	ApplyGrant(ctx context.Context, accountID uuid.UUID, amount int, idempotencyKey, provider string) (applied bool, balanceAfter int, err error)
	// ApplyPlanStatus sets the plan status exactly once per idempotency key.
	ApplyPlanStatus(ctx context.Context, accountID uuid.UUID, status, idempotencyKey, provider string) (applied bool, err error)
	History(ctx context.Context, accountID uuid.UUID) ([]*models.CreditLedger, error)
}

// Decision is the outcome of an entitlement check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

type Consumption struct {
	Via          string `json:"consumed_via"`
	BalanceAfter int    `json:"balance_after"`
}

type GrantResult struct {
	Applied      bool `json:"applied"`
	BalanceAfter int  `json:"balance_after"`
}

type Service interface {
	CheckEntitlement(ctx context.Context, accountID uuid.UUID) (Decision, error)
	CanConsume(ctx context.Context, accountID uuid.UUID, cost int) (Decision, error)
	ReserveAndConsume(ctx context.Context, accountID uuid.UUID, cost int, jobID string) (Consumption, error)
	GrantCredits(ctx context.Context, accountID uuid.UUID, amount int, idempotencyKey, provider string) (GrantResult, error)
	SetPlanStatus(ctx context.Context, accountID uuid.UUID, status, idempotencyKey, provider string) (bool, error)
	Entitlement(ctx context.Context, accountID uuid.UUID) (*models.Entitlement, error)
	History(ctx context.Context, accountID uuid.UUID) ([]*models.CreditLedger, error)
}

type service struct {
	store Store
	log   *slog.Logger
}

func NewService(store Store, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, log: log}
}

var _ Service = (*service)(nil)

// Evaluate applies the entitlement rule to a snapshot.
func Evaluate(e *models.Entitlement) Decision {
	return EvaluateCost(e, 1)
}

// EvaluateCost reports whether ReserveAndConsume could charge cost against
// the snapshot. It follows the same branches: plan, credits, then trial.
func EvaluateCost(e *models.Entitlement, cost int) Decision {
	switch {
	case e.PlanStatus == models.PlanActive:
		return Decision{Allowed: true, Reason: ReasonPlanActive}
	case e.CreditBalance >= cost:
		return Decision{Allowed: true, Reason: ReasonCredits}
	case !e.FreeTrialConsumed:
		return Decision{Allowed: true, Reason: ReasonFreeTrial}
	default:
		return Decision{Allowed: false, Reason: ReasonNoCredits}
	}
}

func (s *service) CheckEntitlement(ctx context.Context, accountID uuid.UUID) (Decision, error) {
	e, err := s.Entitlement(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}
	return Evaluate(e), nil
}

// CanConsume is CheckEntitlement for a conversion costing cost credits.
func (s *service) CanConsume(ctx context.Context, accountID uuid.UUID, cost int) (Decision, error) {
	if cost < 1 {
		return Decision{}, ErrInvalidAmount
	}
	e, err := s.Entitlement(ctx, accountID)
	if err != nil {
		return Decision{}, err
	}
	return EvaluateCost(e, cost), nil
}

// Entitlement returns the account's row, creating the default one if absent.
func (s *service) Entitlement(ctx context.Context, accountID uuid.UUID) (*models.Entitlement, error) {
	if accountID == uuid.Nil {
		return nil, ErrAccountNotResolved
	}
	e, err := s.store.Get(ctx, accountID)
	if err != nil {
		return nil, storeErr(err)
	}
	if e != nil {
		return e, nil
	}
	e, err = s.store.Upsert(ctx, accountID, models.EntitlementPatch{})
	if err != nil {
		return nil, storeErr(err)
	}
	return e, nil
}

func (s *service) ReserveAndConsume(ctx context.Context, accountID uuid.UUID, cost int, jobID string) (Consumption, error) {
	if cost < 1 {
		return Consumption{}, ErrInvalidAmount
	}
	for attempt := 0; attempt < maxConsumeAttempts; attempt++ {
		e, err := s.Entitlement(ctx, accountID)
		if err != nil {
			return Consumption{}, err
		}
		if !EvaluateCost(e, cost).Allowed {
			return Consumption{}, ErrNoCredits
		}

		switch {
		case e.CreditBalance >= cost:
			balance, ok, err := s.store.ConsumeCredit(ctx, accountID, cost, jobID)
			if err != nil {
				return Consumption{}, storeErr(err)
			}
			if ok {
				return Consumption{Via: ViaCredit, BalanceAfter: balance}, nil
			}
		case e.PlanStatus == models.PlanActive:
			return Consumption{Via: ViaPlan, BalanceAfter: e.CreditBalance}, nil
		case !e.FreeTrialConsumed:
			ok, err := s.store.ConsumeTrial(ctx, accountID, jobID)
			if err != nil {
				return Consumption{}, storeErr(err)
			}
			if ok {
				return Consumption{Via: ViaTrial, BalanceAfter: e.CreditBalance}, nil
			}
		default:
			return Consumption{}, ErrNoCredits
		}
		s.log.Debug("entitlement changed under consume, retrying", "account_id", accountID, "attempt", attempt+1)
	}
	return Consumption{}, fmt.Errorf("%w: entitlement contended after %d attempts", ErrStoreUnavailable, maxConsumeAttempts)
}

func (s *service) GrantCredits(ctx context.Context, accountID uuid.UUID, amount int, idempotencyKey, provider string) (GrantResult, error) {
	if accountID == uuid.Nil {
		return GrantResult{}, ErrAccountNotResolved
	}
	if amount < 1 {
		return GrantResult{}, ErrInvalidAmount
	}
	if idempotencyKey == "" {
		return GrantResult{}, ErrMissingIdempotencyKey
	}
	applied, balance, err := s.store.ApplyGrant(ctx, accountID, amount, idempotencyKey, provider)
	if err != nil {
		return GrantResult{}, storeErr(err)
	}
	if applied {
		s.log.Info("credits granted", "account_id", accountID, "amount", amount, "balance", balance, "provider", provider, "event_id", idempotencyKey)
	} else {
		s.log.Info("duplicate grant ignored", "account_id", accountID, "provider", provider, "event_id", idempotencyKey)
	}
	return GrantResult{Applied: applied, BalanceAfter: balance}, nil
}

func (s *service) SetPlanStatus(ctx context.Context, accountID uuid.UUID, status, idempotencyKey, provider string) (bool, error) {
	if accountID == uuid.Nil {
		return false, ErrAccountNotResolved
	}
	if !models.ValidPlanStatus(status) {
		return false, ErrInvalidPlanStatus
	}
	if idempotencyKey == "" {
		return false, ErrMissingIdempotencyKey
	}
	applied, err := s.store.ApplyPlanStatus(ctx, accountID, status, idempotencyKey, provider)
	if err != nil {
		return false, storeErr(err)
	}
	if applied {
		s.log.Info("plan status changed", "account_id", accountID, "plan_status", status, "provider", provider, "event_id", idempotencyKey)
	}
	return applied, nil
}

func (s *service) History(ctx context.Context, accountID uuid.UUID) ([]*models.CreditLedger, error) {
	if accountID == uuid.Nil {
		return nil, ErrAccountNotResolved
	}
	list, err := s.store.History(ctx, accountID)
	if err != nil {
		return nil, storeErr(err)
	}
	return list, nil
}

func storeErr(err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
