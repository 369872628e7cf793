package testsupport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/movie2book/backend/internal/models"
)

// AccountStore mirrors repository.AccountRepo, including the unique email index.
type AccountStore struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*models.Account
	byEmail map[string]uuid.UUID

	Err error
}

func NewAccountStore() *AccountStore {
	return &AccountStore{
		byID:    make(map[uuid.UUID]*models.Account),
		byEmail: make(map[string]uuid.UUID),
	}
}

func normalize(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// Add registers an account directly and returns it.
func (s *AccountStore) Add(email string) *models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(normalize(email), "")
}

func (s *AccountStore) insert(email, hash string) *models.Account {
	now := time.Now()
	a := &models.Account{ID: uuid.New(), Email: email, PasswordHash: hash, CreatedAt: now, UpdatedAt: now}
	s.byID[a.ID] = a
	if email != "" {
		s.byEmail[email] = a.ID
	}
	return a
}

func (s *AccountStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

func (s *AccountStore) Create(_ context.Context, email, passwordHash string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	email = normalize(email)
	if _, ok := s.byEmail[email]; ok {
		return nil, &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
	}
	cp := *s.insert(email, passwordHash)
	return &cp, nil
}

func (s *AccountStore) CreateWithEmail(_ context.Context, email string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	email = normalize(email)
	if id, ok := s.byEmail[email]; ok {
		cp := *s.byID[id]
		return &cp, nil
	}
	cp := *s.insert(email, "")
	return &cp, nil
}

func (s *AccountStore) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	a, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *AccountStore) GetByEmail(_ context.Context, email string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	id, ok := s.byEmail[normalize(email)]
	if !ok {
		return nil, nil
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *AccountStore) SetStripeCustomerID(_ context.Context, id uuid.UUID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if a, ok := s.byID[id]; ok {
		a.StripeCustomerID = customerID
		a.UpdatedAt = time.Now()
	}
	return nil
}
