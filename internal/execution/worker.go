// Package execution runs background work on River: collecting finished
// results and polling jobs still processing.
package execution

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/movie2book/backend/internal/books"
	"github.com/movie2book/backend/internal/models"
)

const (
	pollMinAge = 10 * time.Second
	pollLimit  = 100
)

type CollectResultArgs struct {
	JobID string `json:"job_id"`
}

func (CollectResultArgs) Kind() string { return "collect_result" }

// InsertOpts makes collection unique per job so a status poll and a user
// refresh cannot queue it twice.
func (CollectResultArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		MaxAttempts: 10,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// Collector is implemented by books.Collector.
type Collector interface {
	Collect(ctx context.Context, jobID string) (*models.Book, error)
}

type CollectResultWorker struct {
	river.WorkerDefaults[CollectResultArgs]
	collector Collector
	log       *slog.Logger
}

func NewCollectResultWorker(c Collector, log *slog.Logger) *CollectResultWorker {
	if log == nil {
		log = slog.Default()
	}
	return &CollectResultWorker{collector: c, log: log}
}

func (w *CollectResultWorker) Timeout(*river.Job[CollectResultArgs]) time.Duration {
	return time.Minute
}

// Work returns processor and store errors as-is so River retries with
// backoff. A job that no longer exists is cancelled.
func (w *CollectResultWorker) Work(ctx context.Context, job *river.Job[CollectResultArgs]) error {
	b, err := w.collector.Collect(ctx, job.Args.JobID)
	if errors.Is(err, books.ErrJobNotFound) {
		w.log.Warn("collect result for unknown job", "job_id", job.Args.JobID)
		return river.JobCancel(err)
	}
	if err != nil {
		return err
	}
	w.log.Info("result collected", "job_id", job.Args.JobID, "book_id", b.ID)
	return nil
}

type PollJobsArgs struct{}

func (PollJobsArgs) Kind() string { return "poll_jobs" }

// Refresher is implemented by the jobs service.
type Refresher interface {
	RefreshProcessing(ctx context.Context, minAge time.Duration, limit int) (int, error)
}

type PollJobsWorker struct {
	river.WorkerDefaults[PollJobsArgs]
	refresher Refresher
	log       *slog.Logger
}

func NewPollJobsWorker(r Refresher, log *slog.Logger) *PollJobsWorker {
	if log == nil {
		log = slog.Default()
	}
	return &PollJobsWorker{refresher: r, log: log}
}

func (w *PollJobsWorker) Work(ctx context.Context, _ *river.Job[PollJobsArgs]) error {
	n, err := w.refresher.RefreshProcessing(ctx, pollMinAge, pollLimit)
	if err != nil {
		return err
	}
	if n > 0 {
		w.log.Info("jobs finished", "count", n)
	}
	return nil
}

// PeriodicJobs schedules the processing-job poll every interval.
func PeriodicJobs(interval time.Duration) []*river.PeriodicJob {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(interval),
			func() (river.JobArgs, *river.InsertOpts) { return PollJobsArgs{}, nil },
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}

// Register adds every worker to workers.
func Register(workers *river.Workers, c Collector, r Refresher, log *slog.Logger) {
	river.AddWorker(workers, NewCollectResultWorker(c, log))
	river.AddWorker(workers, NewPollJobsWorker(r, log))
}
