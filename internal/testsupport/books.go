package testsupport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/movie2book/backend/internal/models"
)

// BookStore mirrors repository.BookRepo. Like the table, it has no unique
// index on job_id, so racing inserts can create duplicates.
type BookStore struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]models.Book
	clock time.Time

	Err error
}

func NewBookStore() *BookStore {
	return &BookStore{rows: make(map[uuid.UUID]models.Book), clock: time.Now()}
}

// tick returns a strictly increasing timestamp, like clock_timestamp().
func (s *BookStore) tick() time.Time {
	s.clock = s.clock.Add(time.Microsecond)
	return s.clock
}

// ByJob returns every row for a job.
func (s *BookStore) ByJob(jobID string) []models.Book {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Book
	for _, b := range s.rows {
		if b.JobID == jobID {
			out = append(out, b)
		}
	}
	return out
}

func (s *BookStore) latest(jobID string) (models.Book, bool) {
	var best models.Book
	found := false
	for _, b := range s.rows {
		if b.JobID != jobID {
			continue
		}
		if !found || b.UpdatedAt.After(best.UpdatedAt) ||
			(b.UpdatedAt.Equal(best.UpdatedAt) && b.ID.String() > best.ID.String()) {
			best, found = b, true
		}
	}
	return best, found
}

func (s *BookStore) LatestByJobID(_ context.Context, jobID string) (*models.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	b, ok := s.latest(jobID)
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (s *BookStore) Insert(_ context.Context, b *models.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := s.tick()
	b.CreatedAt, b.UpdatedAt = now, now
	s.rows[b.ID] = *b
	return nil
}

func (s *BookStore) Update(_ context.Context, b *models.Book) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return false, s.Err
	}
	row, ok := s.rows[b.ID]
	if !ok {
		return false, nil
	}
	row.Title, row.Content = b.Title, b.Content
	row.UpdatedAt = s.tick()
	b.UpdatedAt = row.UpdatedAt
	s.rows[b.ID] = row
	return true, nil
}

func (s *BookStore) DeleteDuplicates(_ context.Context, jobID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, s.Err
	}
	keep, ok := s.latest(jobID)
	if !ok {
		return 0, nil
	}
	var n int64
	for id, b := range s.rows {
		if b.JobID == jobID && id != keep.ID {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

func (s *BookStore) ListByAccount(_ context.Context, accountID uuid.UUID) ([]*models.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*models.Book
	for _, b := range s.rows {
		if b.AccountID == accountID {
			cp := b
			cp.Content = ""
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *BookStore) GetByID(_ context.Context, id uuid.UUID) (*models.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	b, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}
