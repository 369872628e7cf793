// Package books turns finished jobs into library entries.
package books

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/movie2book/backend/internal/ledger"
	"github.com/movie2book/backend/internal/models"
)

// DefaultTitle is used when the source filename yields nothing.
const DefaultTitle = "Video Narrative"

var ErrJobNotFound = errors.New("books: job not found")

// Store is implemented by repository.BookRepo.
type Store interface {
	LatestByJobID(ctx context.Context, jobID string) (*models.Book, error)
	Insert(ctx context.Context, b *models.Book) error
	Update(ctx context.Context, b *models.Book) (bool, error)
	DeleteDuplicates(ctx context.Context, jobID string) (int64, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.Book, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Book, error)
}

type Jobs interface {
	GetByID(ctx context.Context, id string) (*models.Job, error)
}

// Results fetches narrative text; implemented by processor.Client.
type Results interface {
	Result(ctx context.Context, jobID string) (string, error)
}

type Collector struct {
	books   Store
	jobs    Jobs
	results Results
	log     *slog.Logger
}

func NewCollector(books Store, jobs Jobs, results Results, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}
	return &Collector{books: books, jobs: jobs, results: results, log: log}
}

// TitleFromFilename strips directory and extension from an upload name.
func TitleFromFilename(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == string(filepath.Separator) {
		return DefaultTitle
	}
	title := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if title == "" {
		return DefaultTitle
	}
	return title
}

// Collect fetches the narrative for jobID and leaves exactly one book for
// the job. Concurrent collectors may both insert; the trailing
// reconciliation keeps only the newest row.
func (c *Collector) Collect(ctx context.Context, jobID string) (*models.Book, error) {
	job, err := c.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}

	narrative, err := c.results.Result(ctx, jobID)
	if err != nil {
		return nil, err
	}

	book, err := c.upsert(ctx, job, narrative)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}
	n, err := c.books.DeleteDuplicates(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
	}
	if n > 0 {
		c.log.Info("removed duplicate books", "job_id", jobID, "removed", n)
		// Our row may have lost to a concurrent collector; return the survivor.
		survivor, err := c.books.LatestByJobID(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
		}
		if survivor != nil {
			book = survivor
		}
	}
	return book, nil
}

func (c *Collector) upsert(ctx context.Context, job *models.Job, narrative string) (*models.Book, error) {
	title := TitleFromFilename(job.SourceFilename)
	existing, err := c.books.LatestByJobID(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.Title, existing.Content = title, narrative
		found, err := c.books.Update(ctx, existing)
		if err != nil {
			return nil, err
		}
		if found {
			return existing, nil
		}
		// Deleted by a concurrent reconciliation; fall through and insert.
	}
	b := &models.Book{JobID: job.ID, AccountID: job.AccountID, Title: title, Content: narrative}
	if err := c.books.Insert(ctx, b); err != nil {
		return nil, err
	}
	c.log.Info("book created", "job_id", job.ID, "account_id", job.AccountID, "book_id", b.ID)
	return b, nil
}
