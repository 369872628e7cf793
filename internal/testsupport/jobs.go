package testsupport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/movie2book/backend/internal/models"
)

// JobStore mirrors repository.JobRepo.
type JobStore struct {
	mu   sync.Mutex
	rows map[string]models.Job

	Err error
}

func NewJobStore() *JobStore {
	return &JobStore{rows: make(map[string]models.Job)}
}

// Put writes a job directly, keeping its timestamps when set.
func (s *JobStore) Put(j models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	s.rows[j.ID] = j
}

func (s *JobStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *JobStore) Create(_ context.Context, j *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	now := time.Now()
	j.CreatedAt, j.UpdatedAt = now, now
	s.rows[j.ID] = *j
	return nil
}

func (s *JobStore) GetByID(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	j, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (s *JobStore) ListByAccount(_ context.Context, accountID uuid.UUID) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	var out []*models.Job
	for _, j := range s.rows {
		if j.AccountID == accountID {
			cp := j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (s *JobStore) ListProcessing(_ context.Context, minAge time.Duration, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	cutoff := time.Now().Add(-minAge)
	var out []*models.Job
	for _, j := range s.rows {
		if j.Status == models.JobStatusProcessing && j.UpdatedAt.Before(cutoff) {
			cp := j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *JobStore) UpdateStatus(_ context.Context, id, status string, progress int, errMsg string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	j, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	if j.Status == models.JobStatusProcessing {
		j.Status, j.Progress, j.Error = status, progress, errMsg
		j.UpdatedAt = time.Now()
		s.rows[id] = j
	}
	return &j, nil
}

func (s *JobStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if j, ok := s.rows[id]; ok && j.Status == models.JobStatusProcessing {
		j.UpdatedAt = time.Now()
		s.rows[id] = j
	}
	return nil
}
