package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/knowstack/internal/answer"
	"github.com/kalambet/knowstack/internal/api"
	"github.com/kalambet/knowstack/internal/blob"
	"github.com/kalambet/knowstack/internal/chunker"
	"github.com/kalambet/knowstack/internal/config"
	"github.com/kalambet/knowstack/internal/extract"
	"github.com/kalambet/knowstack/internal/ingest"
	"github.com/kalambet/knowstack/internal/jobs"
	"github.com/kalambet/knowstack/internal/logging"
	"github.com/kalambet/knowstack/internal/qa"
	"github.com/kalambet/knowstack/internal/ratelimit"
	"github.com/kalambet/knowstack/internal/retrieval"
	"github.com/kalambet/knowstack/internal/storage"
	"github.com/kalambet/knowstack/internal/vector"
)

// staleJobAfter is how long a job may sit in processing before a poller
// assumes its runner died.
const staleJobAfter = 15 * time.Minute

// app holds the wired components shared by serve, worker and mcp.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	store     *storage.Store
	index     vector.Index
	documents *ingest.Service
	runner    *jobs.Runner
	retriever *retrieval.Retriever
	qa        *qa.Service

	closers []func() error
}

func loadConfigAndLogger() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("initializing logger: %w", err)
	}
	return cfg, logger, nil
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	blobs, err := blob.NewLocalStore(cfg.Storage.UploadDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening upload dir: %w", err)
	}

	index, err := newVectorIndex(cfg.Vector, store)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.index = index

	pipeline := ingest.NewPipeline(store, extract.New(blobs), chunker.New(), index, logger)
	a.documents = ingest.NewService(store, blobs, pipeline, ingest.Options{
		MaxUploadBytes: cfg.Upload.MaxBytes(),
		MaxAttempts:    cfg.Jobs.MaxAttempts,
	}, logger)
	a.runner = jobs.NewRunner(store, pipeline, cfg.Jobs.RetryBase(), logger)

	a.retriever = retrieval.New(store, index, retrieval.Options{
		CandidateLimit: cfg.Retrieval.CandidateLimit,
		VectorLimit:    cfg.Retrieval.VectorLimit,
		TopK:           cfg.Retrieval.TopK,
	}, logger.Named("retrieval"))

	limiter, err := a.newLimiter(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.qa = qa.NewService(a.retriever, newGenerator(cfg.LLM, logger), limiter, logger)

	return a, nil
}

func newVectorIndex(cfg config.VectorConfig, store *storage.Store) (vector.Index, error) {
	embedder := vector.NewHashEmbedder(cfg.EmbeddingDim)
	switch cfg.Backend {
	case config.VectorBackendQdrant:
		return vector.NewQdrantIndex(vector.QdrantConfig{
			URL:        cfg.QdrantURL,
			Collection: cfg.QdrantCollection,
			APIKey:     cfg.QdrantAPIKey,
			Timeout:    cfg.Timeout,
		}, embedder)
	default:
		return vector.NewSQLiteIndex(store.DB(), embedder, cfg.Timeout), nil
	}
}

func (a *app) newLimiter(ctx context.Context) (ratelimit.Limiter, error) {
	cfg := a.cfg.RateLimit
	if cfg.Backend != config.RateLimitRedis {
		return ratelimit.NewSlidingWindow(cfg.PerMinute, time.Minute), nil
	}
	rw, err := ratelimit.NewRedisWindow(cfg.RedisURL, cfg.PerMinute, time.Minute)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, rw.Close)
	if err := rw.Ping(ctx); err != nil {
		// Ask admits requests while Redis is down.
		a.logger.Warn("redis rate limiter unreachable", zap.Error(err))
	}
	return rw, nil
}

// newGenerator chains the LLM client, when a key is configured, in front of
// the extractive fallback.
func newGenerator(cfg config.LLMConfig, logger *zap.Logger) answer.Generator {
	var gens []answer.Generator
	if cfg.APIKey != "" {
		gens = append(gens, answer.NewChatClient(answer.ChatConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}))
	}
	gens = append(gens, answer.Extractive{})
	return answer.NewChain(logger, gens...)
}

func (a *app) apiDeps() api.Deps {
	return api.Deps{
		Documents: a.documents,
		Jobs:      a.store,
		Runner:    a.runner,
		QA:        a.qa,
		Metrics:   a.store,
		Auth: api.AuthConfig{
			JWTSecret:    a.cfg.Auth.JWTSecret,
			AllowDevAuth: a.cfg.Auth.AllowDevAuth,
			DefaultRole:  a.cfg.Auth.DefaultRole,
		},
		MaxUploadBytes: a.cfg.Upload.MaxBytes(),
		Logger:         a.logger,
	}
}

// poller builds the job poller for the configured worker mode.
func (a *app) poller() *jobs.Poller {
	w := a.cfg.Worker
	var trigger jobs.Trigger = a.runner
	if w.Mode == config.WorkerRemote {
		trigger = jobs.NewHTTPTrigger(jobs.HTTPTriggerConfig{
			BaseURL: w.APIBaseURL,
			Token:   a.cfg.Client.Token,
			UserID:  w.UserID,
			RPS:     w.TriggerRPS,
		})
	}
	return jobs.NewPoller(a.store, trigger, jobs.PollerOptions{
		Interval:    w.PollInterval(),
		BatchSize:   w.BatchSize,
		Concurrency: w.Concurrency,
		StaleAfter:  staleJobAfter,
	}, a.logger)
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	a.logger.Sync()
	return errors.Join(errs...)
}
