package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/knowstack/internal/apperr"
)

const jobColumns = `id, owner_id, job_type, payload, status, attempts, max_attempts, next_run_at, error, created_at, started_at, finished_at`

// DefaultMaxAttempts is used when an enqueued job does not set MaxAttempts.
const DefaultMaxAttempts = 3

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var jobType, status, nextRunAt, createdAt string
	var errMsg, startedAt, finishedAt sql.NullString
	if err := row.Scan(&j.ID, &j.OwnerID, &jobType, &j.Payload, &status, &j.Attempts, &j.MaxAttempts,
		&nextRunAt, &errMsg, &createdAt, &startedAt, &finishedAt); err != nil {
		return Job{}, err
	}
	j.Type = JobType(jobType)
	j.Status = JobStatus(status)
	j.Error = errMsg.String

	var err error
	if j.NextRunAt, err = parseTime(nextRunAt); err != nil {
		return Job{}, fmt.Errorf("parsing next_run_at for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.StartedAt, err = parseNullTime(startedAt); err != nil {
		return Job{}, fmt.Errorf("parsing started_at for job %s: %w", j.ID, err)
	}
	if j.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return Job{}, fmt.Errorf("parsing finished_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

// EnqueueJob inserts a queued job that is due immediately unless NextRunAt
// is set.
func (s *Store) EnqueueJob(ctx context.Context, job Job) (Job, error) {
	now := s.Now()
	job.Status = JobQueued
	job.Attempts = 0
	job.Error = ""
	job.StartedAt = nil
	job.FinishedAt = nil
	job.CreatedAt = now
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	if job.Payload == "" {
		job.Payload = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, owner_id, job_type, payload, status, attempts, max_attempts, next_run_at, created_at)
		VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		job.ID, job.OwnerID, string(job.Type), job.Payload, job.MaxAttempts,
		formatTime(job.NextRunAt), formatTime(job.CreatedAt),
	)
	if err != nil {
		return Job{}, fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return job, nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, apperr.New(apperr.KindNotFound, "job %s not found", id)
	}
	return j, err
}

// DueJobIDs returns up to limit ids of queued jobs whose next_run_at has
// passed, oldest schedule first.
func (s *Store) DueJobIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE status = 'queued' AND next_run_at <= ?
		ORDER BY next_run_at ASC, created_at ASC
		LIMIT ?`, formatTime(s.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("querying due jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimJob moves a due queued job to processing and increments its
// attempts in one conditional update. It returns nil, nil when the job is
// not claimable: already claimed, terminal, not yet due or out of attempts.
func (s *Store) ClaimJob(ctx context.Context, id string) (*Job, error) {
	now := formatTime(s.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'processing', attempts = attempts + 1, started_at = ?, finished_at = NULL
		WHERE id = ? AND status = 'queued' AND next_run_at <= ? AND attempts < max_attempts`,
		now, id, now)
	if err != nil {
		return nil, fmt.Errorf("claiming job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking claimed job rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}

	j, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ClaimNextJob claims the oldest due job. It returns nil, nil when no job is due.
func (s *Store) ClaimNextJob(ctx context.Context) (*Job, error) {
	// A lost race only happens when another claimer took the same row; the
	// next iteration sees the following job.
	for range 5 {
		ids, err := s.DueJobIDs(ctx, 1)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}
		job, err := s.ClaimJob(ctx, ids[0])
		if err != nil || job != nil {
			return job, err
		}
	}
	return nil, nil
}

// CompleteJob marks a processing job completed. attempt is the Attempts
// value of the claim being finished; an update from a claim that stale
// recovery has since handed to another runner is refused.
func (s *Store) CompleteJob(ctx context.Context, id string, attempt int) error {
	now := formatTime(s.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', error = NULL, finished_at = ?
		WHERE id = ? AND status = 'processing' AND attempts = ?`, now, id, attempt)
	return s.checkTransition(res, err, id, "completing")
}

// RetryJob returns a processing job to the queue, due at nextRunAt. It is
// refused once the job has used all of its attempts.
func (s *Store) RetryJob(ctx context.Context, id string, attempt int, errMsg string, nextRunAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', error = ?, next_run_at = ?, finished_at = NULL
		WHERE id = ? AND status = 'processing' AND attempts = ? AND attempts < max_attempts`,
		errMsg, formatTime(nextRunAt), id, attempt)
	return s.checkTransition(res, err, id, "rescheduling")
}

// FailJob marks a processing job permanently failed.
func (s *Store) FailJob(ctx context.Context, id string, attempt int, errMsg string) error {
	now := formatTime(s.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', error = ?, finished_at = ?
		WHERE id = ? AND status = 'processing' AND attempts = ?`, errMsg, now, id, attempt)
	return s.checkTransition(res, err, id, "failing")
}

func (s *Store) checkTransition(res sql.Result, err error, id, action string) error {
	if err != nil {
		return fmt.Errorf("%s job %s: %w", action, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.New(apperr.KindConflict, "job %s is not in a state that allows %s", id, action)
	}
	return nil
}

// RecoverStaleJobs handles jobs left in processing by a runner that died.
// Jobs started before the cutoff go back to the queue when they have
// attempts left and are failed otherwise. It returns the number of jobs
// touched.
func (s *Store) RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	now := s.Now()
	cutoff := formatTime(now.Add(-staleAfter))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning recovery transaction: %w", err)
	}
	defer tx.Rollback()

	requeued, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'queued', error = 'worker lost while processing', next_run_at = ?
		WHERE status = 'processing' AND started_at < ? AND attempts < max_attempts`,
		formatTime(now), cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeueing stale jobs: %w", err)
	}
	failed, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', error = 'worker lost while processing', finished_at = ?
		WHERE status = 'processing' AND started_at < ? AND attempts >= max_attempts`,
		formatTime(now), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failing stale jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing recovery: %w", err)
	}

	n1, _ := requeued.RowsAffected()
	n2, _ := failed.RowsAffected()
	return int(n1 + n2), nil
}
