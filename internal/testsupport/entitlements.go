// Package testsupport holds in-memory stores with the same atomicity
// guarantees as the Postgres repositories, for use in tests.
package testsupport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/movie2book/backend/internal/models"
)

// EntitlementStore implements ledger.Store.
type EntitlementStore struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]models.Entitlement
	entries []*models.CreditLedger
	keys    map[string]bool

	// accounts, when set, stands in for the accounts foreign key.
	accounts *AccountStore

	// Err, when set, is returned by every call.
	Err error
}

func NewEntitlementStore() *EntitlementStore {
	return &EntitlementStore{
		rows: make(map[uuid.UUID]models.Entitlement),
		keys: make(map[string]bool),
	}
}

// WithAccounts makes row-creating writes fail for account ids that are not
// in accounts, as the entitlements and credit_ledger foreign keys do.
func (s *EntitlementStore) WithAccounts(accounts *AccountStore) *EntitlementStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = accounts
	return s
}

func (s *EntitlementStore) checkAccount(accountID uuid.UUID) error {
	if s.accounts == nil {
		return nil
	}
	s.accounts.mu.Lock()
	_, ok := s.accounts.byID[accountID]
	s.accounts.mu.Unlock()
	if !ok {
		return &pgconn.PgError{Code: "23503", Message: "insert or update violates foreign key constraint", ConstraintName: "entitlements_account_id_fkey"}
	}
	return nil
}

// Seed writes a row directly.
func (s *EntitlementStore) Seed(e models.Entitlement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.UpdatedAt = time.Now()
	s.rows[e.AccountID] = e
}

// Snapshot returns a copy of the row and whether it exists.
func (s *EntitlementStore) Snapshot(accountID uuid.UUID) (models.Entitlement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[accountID]
	return e, ok
}

func (s *EntitlementStore) Get(_ context.Context, accountID uuid.UUID) (*models.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	e, ok := s.rows[accountID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *EntitlementStore) Upsert(_ context.Context, accountID uuid.UUID, patch models.EntitlementPatch) (*models.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	e, ok := s.rows[accountID]
	if !ok {
		if err := s.checkAccount(accountID); err != nil {
			return nil, err
		}
		e = *models.NewEntitlement(accountID)
	}
	patch.Apply(&e)
	e.UpdatedAt = time.Now()
	s.rows[accountID] = e
	return &e, nil
}

func (s *EntitlementStore) ConsumeCredit(_ context.Context, accountID uuid.UUID, cost int, jobID string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, false, s.Err
	}
	e, ok := s.rows[accountID]
	if !ok || e.CreditBalance < cost {
		return 0, false, nil
	}
	e.CreditBalance -= cost
	e.UpdatedAt = time.Now()
	s.rows[accountID] = e
	s.appendEntry(accountID, models.CreditEntryConsume, -cost, e.CreditBalance, "", "", jobID)
	return e.CreditBalance, true, nil
}

func (s *EntitlementStore) ConsumeTrial(_ context.Context, accountID uuid.UUID, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	e, ok := s.rows[accountID]
	if !ok || e.FreeTrialConsumed {
		return false, nil
	}
	e.FreeTrialConsumed = true
	e.UpdatedAt = time.Now()
	s.rows[accountID] = e
	s.appendEntry(accountID, models.CreditEntryTrial, 0, e.CreditBalance, "", "", jobID)
	return true, nil
}

func (s *EntitlementStore) ApplyGrant(_ context.Context, accountID uuid.UUID, amount int, key, provider string) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, 0, s.Err
	}
	if err := s.checkAccount(accountID); err != nil {
		return false, 0, err
	}
	e, ok := s.rows[accountID]
	if s.keys[key] {
		return false, e.CreditBalance, nil
	}
	if !ok {
		e = *models.NewEntitlement(accountID)
	}
	s.keys[key] = true
	e.CreditBalance += amount
	e.UpdatedAt = time.Now()
	s.rows[accountID] = e
	s.appendEntry(accountID, models.CreditEntryGrant, amount, e.CreditBalance, key, provider, "")
	return true, e.CreditBalance, nil
}

func (s *EntitlementStore) ApplyPlanStatus(_ context.Context, accountID uuid.UUID, status, key, provider string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	if err := s.checkAccount(accountID); err != nil {
		return false, err
	}
	if s.keys[key] {
		return false, nil
	}
	e, ok := s.rows[accountID]
	if !ok {
		e = *models.NewEntitlement(accountID)
	}
	s.keys[key] = true
	e.PlanStatus = status
	e.UpdatedAt = time.Now()
	s.rows[accountID] = e
	s.appendEntry(accountID, models.CreditEntryPlan, 0, e.CreditBalance, key, provider, "")
	return true, nil
}

func (s *EntitlementStore) History(_ context.Context, accountID uuid.UUID) ([]*models.CreditLedger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*models.CreditLedger
	for _, c := range s.entries {
		if c.AccountID == accountID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *EntitlementStore) appendEntry(accountID uuid.UUID, entryType string, amount, balance int, key, provider, jobID string) {
	c := &models.CreditLedger{
		ID:           uuid.New(),
		AccountID:    accountID,
		EntryType:    entryType,
		Amount:       amount,
		BalanceAfter: &balance,
		Provider:     provider,
		CreatedAt:    time.Now(),
	}
	if key != "" {
		c.IdempotencyKey = &key
	}
	if jobID != "" {
		c.JobID = &jobID
	}
	s.entries = append(s.entries, c)
}
