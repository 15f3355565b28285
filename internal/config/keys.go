package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// specs lists every config key. Secrets are only read from the
// environment.
var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "KNOWSTACK_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "KNOWSTACK_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "KNOWSTACK_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.upload_dir", typ: kString, env: "KNOWSTACK_STORAGE_UPLOAD_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.UploadDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.UploadDir },
	},
	{
		key: "upload.max_mb", typ: kInt, env: "KNOWSTACK_UPLOAD_MAX_MB",
		apply:   func(cfg *Config, v any) { cfg.Upload.MaxMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Upload.MaxMB },
	},
	{
		key: "auth.allow_dev_auth", typ: kBool, env: "KNOWSTACK_AUTH_ALLOW_DEV_AUTH",
		apply:   func(cfg *Config, v any) { cfg.Auth.AllowDevAuth = v.(bool) },
		extract: func(cfg Config) any { return cfg.Auth.AllowDevAuth },
	},
	{
		key: "auth.default_role", typ: kString, env: "KNOWSTACK_AUTH_DEFAULT_ROLE",
		apply:   func(cfg *Config, v any) { cfg.Auth.DefaultRole = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.DefaultRole },
	},
	{
		key: "auth.jwt_secret", typ: kString, env: "KNOWSTACK_AUTH_JWT_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.JWTSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.JWTSecret },
	},
	{
		key: "log.level", typ: kString, env: "KNOWSTACK_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "KNOWSTACK_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "log.file", typ: kString, env: "KNOWSTACK_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
	{
		key: "vector.backend", typ: kString, env: "KNOWSTACK_VECTOR_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Vector.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.Backend },
	},
	{
		key: "vector.qdrant_url", typ: kString, env: "KNOWSTACK_VECTOR_QDRANT_URL",
		apply:   func(cfg *Config, v any) { cfg.Vector.QdrantURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.QdrantURL },
	},
	{
		key: "vector.qdrant_collection", typ: kString, env: "KNOWSTACK_VECTOR_QDRANT_COLLECTION",
		apply:   func(cfg *Config, v any) { cfg.Vector.QdrantCollection = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.QdrantCollection },
	},
	{
		key: "vector.qdrant_api_key", typ: kString, env: "KNOWSTACK_VECTOR_QDRANT_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Vector.QdrantAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.QdrantAPIKey },
	},
	{
		key: "vector.embedding_dim", typ: kInt, env: "KNOWSTACK_VECTOR_EMBEDDING_DIM",
		apply:   func(cfg *Config, v any) { cfg.Vector.EmbeddingDim = v.(int) },
		extract: func(cfg Config) any { return cfg.Vector.EmbeddingDim },
	},
	{
		key: "vector.timeout", typ: kDuration, env: "KNOWSTACK_VECTOR_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Vector.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Vector.Timeout },
	},
	{
		key: "retrieval.candidate_limit", typ: kInt, env: "KNOWSTACK_RETRIEVAL_CANDIDATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.CandidateLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.CandidateLimit },
	},
	{
		key: "retrieval.vector_limit", typ: kInt, env: "KNOWSTACK_RETRIEVAL_VECTOR_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.VectorLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.VectorLimit },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "KNOWSTACK_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "jobs.max_attempts", typ: kInt, env: "KNOWSTACK_JOBS_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Jobs.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.MaxAttempts },
	},
	{
		key: "jobs.retry_base_seconds", typ: kInt, env: "KNOWSTACK_JOBS_RETRY_BASE_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Jobs.RetryBaseSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.RetryBaseSeconds },
	},
	{
		key: "worker.mode", typ: kString, env: "KNOWSTACK_WORKER_MODE",
		apply:   func(cfg *Config, v any) { cfg.Worker.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.Mode },
	},
	{
		key: "worker.poll_seconds", typ: kInt, env: "KNOWSTACK_WORKER_POLL_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.PollSeconds },
	},
	{
		key: "worker.batch_size", typ: kInt, env: "KNOWSTACK_WORKER_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Worker.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.BatchSize },
	},
	{
		key: "worker.concurrency", typ: kInt, env: "KNOWSTACK_WORKER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Worker.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Concurrency },
	},
	{
		key: "worker.api_base_url", typ: kString, env: "KNOWSTACK_WORKER_API_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Worker.APIBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.APIBaseURL },
	},
	{
		key: "worker.user_id", typ: kString, env: "KNOWSTACK_WORKER_USER_ID",
		apply:   func(cfg *Config, v any) { cfg.Worker.UserID = v.(string) },
		extract: func(cfg Config) any { return cfg.Worker.UserID },
	},
	{
		key: "worker.trigger_rps", typ: kFloat, env: "KNOWSTACK_WORKER_TRIGGER_RPS",
		apply:   func(cfg *Config, v any) { cfg.Worker.TriggerRPS = v.(float64) },
		extract: func(cfg Config) any { return cfg.Worker.TriggerRPS },
	},
	{
		key: "ratelimit.backend", typ: kString, env: "KNOWSTACK_RATELIMIT_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.RateLimit.Backend },
	},
	{
		key: "ratelimit.per_minute", typ: kInt, env: "KNOWSTACK_RATELIMIT_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.PerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.PerMinute },
	},
	{
		key: "ratelimit.redis_url", typ: kString, env: "KNOWSTACK_RATELIMIT_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.RateLimit.RedisURL },
	},
	{
		key: "llm.base_url", typ: kString, env: "KNOWSTACK_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString, env: "KNOWSTACK_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "KNOWSTACK_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "llm.api_key", typ: kString, env: "KNOWSTACK_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "mcp.owner_id", typ: kString, env: "KNOWSTACK_MCP_OWNER_ID",
		apply:   func(cfg *Config, v any) { cfg.MCP.OwnerID = v.(string) },
		extract: func(cfg Config) any { return cfg.MCP.OwnerID },
	},
	{
		key: "client.user_id", typ: kString, env: "KNOWSTACK_CLIENT_USER_ID",
		apply:   func(cfg *Config, v any) { cfg.Client.UserID = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.UserID },
	},
	{
		key: "client.token", typ: kString, env: "KNOWSTACK_CLIENT_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Client.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Client.Token },
	},
}

// parse converts a raw string to the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return nil, fmt.Errorf("unsupported key type %d", s.typ)
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			return fmt.Errorf("invalid value %q for %s: %w", raw, s.key, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
