package storage

import (
	"context"
	"fmt"
	"time"
)

// Metrics are deployment-wide counts for operators.
type Metrics struct {
	TotalOwners       int
	TotalDocuments    int
	JobsQueued        int
	JobsFailedInRange int
}

// Metrics counts owners and documents across all owners, queued jobs, and
// jobs created at or after since that ended failed.
func (s *Store) Metrics(ctx context.Context, since time.Time) (Metrics, error) {
	var m Metrics
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT owner_id), COUNT(*) FROM documents`).Scan(&m.TotalOwners, &m.TotalDocuments)
	if err != nil {
		return Metrics{}, fmt.Errorf("counting documents: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' AND created_at >= ? THEN 1 ELSE 0 END), 0)
		FROM jobs`, formatTime(since)).Scan(&m.JobsQueued, &m.JobsFailedInRange)
	if err != nil {
		return Metrics{}, fmt.Errorf("counting jobs: %w", err)
	}
	return m, nil
}
