// Package config loads knowstack settings from defaults, a YAML file, a
// .env file and KNOWSTACK_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Upload    UploadConfig
	Auth      AuthConfig
	Log       LogConfig
	Vector    VectorConfig
	Retrieval RetrievalConfig
	Jobs      JobsConfig
	Worker    WorkerConfig
	RateLimit RateLimitConfig
	LLM       LLMConfig
	MCP       MCPConfig
	Client    ClientConfig
}

type ServerConfig struct {
	Host string
	Port int
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StorageConfig struct {
	DataDir   string
	UploadDir string
}

type UploadConfig struct {
	MaxMB int
}

// MaxBytes returns the upload limit in bytes.
func (u UploadConfig) MaxBytes() int64 { return int64(u.MaxMB) << 20 }

type AuthConfig struct {
	AllowDevAuth bool
	DefaultRole  string
	JWTSecret    string
}

type LogConfig struct {
	Level  string
	Format string
	File   string
}

type VectorConfig struct {
	Backend          string
	QdrantURL        string
	QdrantCollection string
	QdrantAPIKey     string
	EmbeddingDim     int
	Timeout          time.Duration
}

type RetrievalConfig struct {
	CandidateLimit int
	VectorLimit    int
	TopK           int
}

type JobsConfig struct {
	MaxAttempts      int
	RetryBaseSeconds int
}

// RetryBase returns the first retry delay.
func (j JobsConfig) RetryBase() time.Duration {
	return time.Duration(j.RetryBaseSeconds) * time.Second
}

type WorkerConfig struct {
	Mode        string
	PollSeconds int
	BatchSize   int
	Concurrency int
	APIBaseURL  string
	UserID      string
	TriggerRPS  float64
}

// PollInterval returns the delay between poll cycles.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollSeconds) * time.Second
}

type RateLimitConfig struct {
	Backend   string
	PerMinute int
	RedisURL  string
}

type LLMConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
	APIKey  string
}

type MCPConfig struct {
	OwnerID string
}

type ClientConfig struct {
	UserID string
	Token  string
}

const (
	VectorBackendSQLite = "sqlite"
	VectorBackendQdrant = "qdrant"

	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"

	WorkerInProcess = "inprocess"
	WorkerRemote    = "remote"
)

func defaults() Config {
	return Config{
		Server:    ServerConfig{Host: "127.0.0.1", Port: 8000},
		Storage:   StorageConfig{DataDir: defaultDataDir()},
		Upload:    UploadConfig{MaxMB: 25},
		Auth:      AuthConfig{AllowDevAuth: true, DefaultRole: "user"},
		Log:       LogConfig{Level: "info", Format: "console"},
		Vector: VectorConfig{
			Backend:          VectorBackendSQLite,
			QdrantCollection: "knowstack_chunks",
			EmbeddingDim:     128,
			Timeout:          5 * time.Second,
		},
		Retrieval: RetrievalConfig{CandidateLimit: 200, VectorLimit: 20, TopK: 5},
		Jobs:      JobsConfig{MaxAttempts: 3, RetryBaseSeconds: 10},
		Worker: WorkerConfig{
			Mode:        WorkerInProcess,
			PollSeconds: 5,
			BatchSize:   5,
			Concurrency: 1,
			APIBaseURL:  "http://127.0.0.1:8000",
			UserID:      "worker-service",
			TriggerRPS:  5,
		},
		RateLimit: RateLimitConfig{Backend: RateLimitMemory, PerMinute: 60},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4.1-mini",
			Timeout: 30 * time.Second,
		},
		MCP:    MCPConfig{OwnerID: "local"},
		Client: ClientConfig{UserID: "local"},
	}
}

// Load reads configuration. A .env file in the working directory is loaded
// first without overriding variables that are already set. The YAML file
// lives at $XDG_CONFIG_HOME/knowstack/config.yaml unless KNOWSTACK_CONFIG
// names another path.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	b, err := newFileBackend(ConfigFilePath())
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if cfg.Storage.UploadDir == "" {
		cfg.Storage.UploadDir = filepath.Join(cfg.Storage.DataDir, "uploads")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	var problems []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if c.Upload.MaxMB <= 0 {
		problems = append(problems, "upload.max_mb must be positive")
	}
	switch c.Vector.Backend {
	case VectorBackendSQLite:
	case VectorBackendQdrant:
		if c.Vector.QdrantURL == "" {
			problems = append(problems, "vector.qdrant_url is required for the qdrant backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown vector.backend %q", c.Vector.Backend))
	}
	if c.Vector.EmbeddingDim <= 0 {
		problems = append(problems, "vector.embedding_dim must be positive")
	}
	switch c.RateLimit.Backend {
	case RateLimitMemory:
	case RateLimitRedis:
		if c.RateLimit.RedisURL == "" {
			problems = append(problems, "ratelimit.redis_url is required for the redis backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown ratelimit.backend %q", c.RateLimit.Backend))
	}
	switch c.Worker.Mode {
	case WorkerInProcess, WorkerRemote:
	default:
		problems = append(problems, fmt.Sprintf("unknown worker.mode %q", c.Worker.Mode))
	}
	if c.Jobs.MaxAttempts < 1 {
		problems = append(problems, "jobs.max_attempts must be at least 1")
	}
	if !c.Auth.AllowDevAuth && c.Auth.JWTSecret == "" {
		problems = append(problems, "auth: set KNOWSTACK_AUTH_JWT_SECRET or enable auth.allow_dev_auth")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "knowstack-data"
		}
	}
	return filepath.Join(dir, "knowstack")
}

// ConfigFilePath returns the YAML config location.
func ConfigFilePath() string {
	if p := os.Getenv("KNOWSTACK_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "knowstack", "config.yaml")
}
