// Package jobs executes queued background jobs and polls for due ones.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/knowstack/internal/apperr"
	"github.com/kalambet/knowstack/internal/ingest"
	"github.com/kalambet/knowstack/internal/storage"
)

// DefaultRetryBase is the delay before the first retry. Each further retry
// doubles it.
const DefaultRetryBase = 10 * time.Second

// Store is the job persistence the runner drives.
type Store interface {
	GetJob(ctx context.Context, id string) (storage.Job, error)
	ClaimJob(ctx context.Context, id string) (*storage.Job, error)
	ClaimNextJob(ctx context.Context) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string, attempt int) error
	RetryJob(ctx context.Context, id string, attempt int, errMsg string, nextRunAt time.Time) error
	FailJob(ctx context.Context, id string, attempt int, errMsg string) error
}

// DocumentProcessor runs the document pipeline.
type DocumentProcessor interface {
	Process(ctx context.Context, ownerID, documentID string) (int, error)
}

// Runner claims a job, executes it and records the outcome.
type Runner struct {
	store     Store
	processor DocumentProcessor
	retryBase time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

func NewRunner(store Store, processor DocumentProcessor, retryBase time.Duration, logger *zap.Logger) *Runner {
	if retryBase <= 0 {
		retryBase = DefaultRetryBase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store:     store,
		processor: processor,
		retryBase: retryBase,
		now:       time.Now,
		logger:    logger.Named("jobs"),
	}
}

// SetClock replaces the time source used to schedule retries.
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// Run executes the job with the given id and returns its resulting state.
// Terminal jobs and jobs that cannot be claimed right now are returned
// unchanged. Job failures are recorded on the job, not returned.
func (r *Runner) Run(ctx context.Context, jobID string) (storage.Job, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return storage.Job{}, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	claimed, err := r.store.ClaimJob(ctx, jobID)
	if err != nil {
		return storage.Job{}, err
	}
	if claimed == nil {
		return r.store.GetJob(ctx, jobID)
	}
	return r.execute(ctx, claimed)
}

// RunNext claims and runs the oldest due job. ok is false when nothing was
// due.
func (r *Runner) RunNext(ctx context.Context) (job storage.Job, ok bool, err error) {
	claimed, err := r.store.ClaimNextJob(ctx)
	if err != nil || claimed == nil {
		return storage.Job{}, false, err
	}
	job, err = r.execute(ctx, claimed)
	return job, true, err
}

// Trigger runs the job and discards its state. It lets a Runner serve as
// the in-process poller trigger.
func (r *Runner) Trigger(ctx context.Context, jobID string) error {
	_, err := r.Run(ctx, jobID)
	return err
}

// execute runs a claimed job to its next state. Once claimed, a job is not
// cancellable: the caller's cancellation is dropped so the outcome is always
// recorded.
func (r *Runner) execute(ctx context.Context, job *storage.Job) (storage.Job, error) {
	ctx = context.WithoutCancel(ctx)
	log := r.logger.With(zap.String("job_id", job.ID), zap.String("job_type", string(job.Type)), zap.Int("attempt", job.Attempts))
	start := time.Now()

	var runErr error
	switch job.Type {
	case storage.JobTypeDocumentProcess:
		runErr = r.processDocument(ctx, job)
	default:
		err := apperr.New(apperr.KindConfig, "unknown job type %q", job.Type)
		log.Error("job failed permanently", zap.Error(err))
		if ferr := r.store.FailJob(ctx, job.ID, job.Attempts, err.Error()); ferr != nil {
			return storage.Job{}, ferr
		}
		return r.store.GetJob(ctx, job.ID)
	}

	if runErr == nil {
		if err := r.store.CompleteJob(ctx, job.ID, job.Attempts); err != nil {
			return storage.Job{}, err
		}
		log.Info("job completed", zap.Duration("took", time.Since(start)))
		return r.store.GetJob(ctx, job.ID)
	}

	if job.Attempts < job.MaxAttempts {
		next := r.now().UTC().Add(r.Backoff(job.Attempts))
		log.Warn("job failed, retrying", zap.Time("next_run_at", next), zap.Error(runErr))
		if err := r.store.RetryJob(ctx, job.ID, job.Attempts, runErr.Error(), next); err != nil {
			return storage.Job{}, err
		}
	} else {
		log.Error("job failed permanently", zap.Error(runErr))
		if err := r.store.FailJob(ctx, job.ID, job.Attempts, runErr.Error()); err != nil {
			return storage.Job{}, err
		}
	}
	return r.store.GetJob(ctx, job.ID)
}

// Backoff returns the delay after the given attempt number: base for the
// first attempt, doubling after each one.
func (r *Runner) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return r.retryBase << (attempts - 1)
}

func (r *Runner) processDocument(ctx context.Context, job *storage.Job) error {
	var payload ingest.DocumentProcessPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.DocumentID == "" {
		return errors.New("payload has no document_id")
	}
	_, err := r.processor.Process(ctx, job.OwnerID, payload.DocumentID)
	return err
}
