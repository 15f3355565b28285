package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultBatchSize    = 5
)

// Trigger starts execution of one job, in process or through the API.
type Trigger interface {
	Trigger(ctx context.Context, jobID string) error
}

// DueSource lists due jobs.
type DueSource interface {
	DueJobIDs(ctx context.Context, limit int) ([]string, error)
}

// StaleRecoverer requeues jobs abandoned in processing.
type StaleRecoverer interface {
	RecoverStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error)
}

type PollerOptions struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	// StaleAfter enables recovery of jobs stuck in processing for longer
	// than this. Zero disables it.
	StaleAfter time.Duration
}

// Poller hands due jobs to a Trigger on a fixed interval.
type Poller struct {
	source  DueSource
	trigger Trigger
	opts    PollerOptions
	logger  *zap.Logger
}

func NewPoller(source DueSource, trigger Trigger, opts PollerOptions, logger *zap.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{source: source, trigger: trigger, opts: opts, logger: logger.Named("poller")}
}

// Run polls until ctx is cancelled. Errors of a cycle are logged and the
// next cycle runs as usual.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("poller started",
		zap.Duration("interval", p.opts.Interval),
		zap.Int("batch_size", p.opts.BatchSize),
		zap.Int("concurrency", p.opts.Concurrency))
	for {
		if ctx.Err() != nil {
			p.logger.Info("poller stopped")
			return
		}

		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("poll cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return
		case <-time.After(p.opts.Interval):
		}
	}
}

// Start runs the poller in a goroutine. The returned wait blocks until Run
// has returned, which includes every job it handed off.
func (p *Poller) Start(ctx context.Context) (wait func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	return func() { <-done }
}

// RunOnce triggers one batch of due jobs and returns how many were handed
// off. Individual trigger failures are logged, not returned.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	if r, ok := p.source.(StaleRecoverer); ok && p.opts.StaleAfter > 0 {
		n, err := r.RecoverStaleJobs(ctx, p.opts.StaleAfter)
		if err != nil {
			p.logger.Warn("stale job recovery failed", zap.Error(err))
		} else if n > 0 {
			p.logger.Warn("recovered stale jobs", zap.Int("count", n))
		}
	}

	ids, err := p.source.DueJobIDs(ctx, p.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := p.trigger.Trigger(gCtx, id); err != nil {
				p.logger.Warn("job trigger failed", zap.String("job_id", id), zap.Error(err))
			}
			return nil
		})
	}
	return len(ids), g.Wait()
}
