// Package prefetch warms resource content ahead of chat turns, either from
// the sqlite job queue or as a bounded parallel sweep over every resource.
package prefetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/orbitdocs/spacebio/internal/resource"
	"github.com/orbitdocs/spacebio/internal/storage"
)

// JobType is the queue type of prefetch jobs.
const JobType = "resource_prefetch"

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ActiveJob(jobType, payload string) (*storage.Job, error)
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Resources loads and forgets resource content.
type Resources interface {
	All() []resource.Resource
	Get(id int) (resource.Resource, bool)
	Content(ctx context.Context, id int) (string, error)
	Invalidate(id int)
	Failed(id int) bool
}

type payload struct {
	ResourceID int  `json:"resource_id"`
	Refresh    bool `json:"refresh,omitempty"`
}

// Enqueue queues a prefetch of resource id unless an identical job is
// already pending or running, in which case that job is returned with
// created set to false.
func Enqueue(store JobStore, id int, refresh bool) (job *storage.Job, created bool, err error) {
	b, err := json.Marshal(payload{ResourceID: id, Refresh: refresh})
	if err != nil {
		return nil, false, err
	}
	active, err := store.ActiveJob(JobType, string(b))
	if err == nil {
		return active, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("checking active jobs: %w", err)
	}

	j := storage.Job{ID: uuid.NewString(), Type: JobType, PayloadJSON: string(b), Status: storage.JobPending}
	if err := store.EnqueueJob(j); err != nil {
		return nil, false, fmt.Errorf("enqueueing prefetch of resource %d: %w", id, err)
	}
	return &j, true, nil
}

// Worker processes resource_prefetch jobs from the SQLite job queue.
type Worker struct {
	store     JobStore
	resources Resources
	poll      time.Duration
	logger    zerolog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, resources Resources, pollInterval time.Duration, logger zerolog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		resources: resources,
		poll:      pollInterval,
		logger:    logger,
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("prefetch iteration failed")
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single prefetch job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn().Err(err).Str("job_id", job.ID).Int("attempt", job.Attempts+1).Msg("prefetch job failed")
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error().Err(failErr).Str("job_id", job.ID).Msg("failed to mark job as failed")
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var p payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if _, ok := w.resources.Get(p.ResourceID); !ok {
		return fmt.Errorf("resource %d: %w", p.ResourceID, resource.ErrNotFound)
	}

	// A failed fetch memoizes fallback content; a prefetch always retries it.
	if p.Refresh || job.Attempts > 0 || w.resources.Failed(p.ResourceID) {
		w.resources.Invalidate(p.ResourceID)
	}
	if _, err := w.resources.Content(ctx, p.ResourceID); err != nil {
		return err
	}
	w.logger.Debug().Int("resource_id", p.ResourceID).Msg("resource content prefetched")
	return nil
}

// All loads the content of every resource with at most concurrency
// fetches in flight. Failures are counted, not returned; the only error is
// ctx's.
func All(ctx context.Context, resources Resources, concurrency int, logger zerolog.Logger) (warmed, failed int, err error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	all := resources.All()
	results := make([]error, len(all))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, r := range all {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			_, results[i] = resources.Content(gctx, r.ID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	for _, e := range results {
		if e != nil {
			failed++
		} else {
			warmed++
		}
	}
	logger.Info().Int("warmed", warmed).Int("failed", failed).Msg("resource prefetch finished")
	return warmed, failed, nil
}
