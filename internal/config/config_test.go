package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func loadFromPath(t *testing.T, path string) (Config, error) {
	t.Helper()
	b, err := newFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func TestDefaults(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")
	cfg, err := loadFromPath(t, filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8000", cfg.Server.Addr())
	assert.Equal(t, "/tmp/xdg-data/knowstack", cfg.Storage.DataDir)
	assert.Equal(t, "/tmp/xdg-data/knowstack/uploads", cfg.Storage.UploadDir)
	assert.Equal(t, int64(25<<20), cfg.Upload.MaxBytes())
	assert.True(t, cfg.Auth.AllowDevAuth)
	assert.Equal(t, VectorBackendSQLite, cfg.Vector.Backend)
	assert.Equal(t, 5*time.Second, cfg.Vector.Timeout)
	assert.Equal(t, 128, cfg.Vector.EmbeddingDim)
	assert.Equal(t, RetrievalConfig{CandidateLimit: 200, VectorLimit: 20, TopK: 5}, cfg.Retrieval)
	assert.Equal(t, 3, cfg.Jobs.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Jobs.RetryBase())
	assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval())
	assert.Equal(t, 60, cfg.RateLimit.PerMinute)
	assert.Equal(t, "gpt-4.1-mini", cfg.LLM.Model)
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, "local", cfg.MCP.OwnerID)
}

func TestYAMLParsing(t *testing.T) {
	path := writeTempConfig(t, `
server:
  host: 0.0.0.0
  port: 9100
auth:
  allow_dev_auth: false
vector:
  backend: qdrant
  qdrant_url: http://qdrant:6333
  timeout: 2s
worker:
  trigger_rps: 2.5
llm:
  api_key: from-file-ignored
`)
	t.Setenv("KNOWSTACK_AUTH_JWT_SECRET", "s3cret")

	cfg, err := loadFromPath(t, path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9100", cfg.Server.Addr())
	assert.False(t, cfg.Auth.AllowDevAuth)
	assert.Equal(t, VectorBackendQdrant, cfg.Vector.Backend)
	assert.Equal(t, "http://qdrant:6333", cfg.Vector.QdrantURL)
	assert.Equal(t, 2*time.Second, cfg.Vector.Timeout)
	assert.InDelta(t, 2.5, cfg.Worker.TriggerRPS, 1e-9)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Empty(t, cfg.LLM.APIKey, "secrets are never read from the file")
}

func TestEnvOverride(t *testing.T) {
	path := writeTempConfig(t, "server:\n  port: 9100\n")
	t.Setenv("KNOWSTACK_SERVER_PORT", "9200")
	t.Setenv("KNOWSTACK_LLM_API_KEY", "sk-test")
	t.Setenv("KNOWSTACK_LLM_TIMEOUT", "45s")
	t.Setenv("KNOWSTACK_RETRIEVAL_TOP_K", "not-a-number")

	cfg, err := loadFromPath(t, path)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 45*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 5, cfg.Retrieval.TopK, "unparsable env keeps the default")
}

func TestInvalidFileValue(t *testing.T) {
	path := writeTempConfig(t, "vector:\n  timeout: soon\n")
	_, err := loadFromPath(t, path)
	assert.ErrorContains(t, err, "vector.timeout")
}

func TestMalformedYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [port\n")
	_, err := newFileBackend(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"qdrant without url", func(c *Config) { c.Vector.Backend = VectorBackendQdrant }, "vector.qdrant_url"},
		{"unknown vector backend", func(c *Config) { c.Vector.Backend = "faiss" }, "vector.backend"},
		{"redis without url", func(c *Config) { c.RateLimit.Backend = RateLimitRedis }, "ratelimit.redis_url"},
		{"bad worker mode", func(c *Config) { c.Worker.Mode = "cron" }, "worker.mode"},
		{"no auth", func(c *Config) { c.Auth.AllowDevAuth = false }, "JWT_SECRET"},
		{"port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
	assert.NoError(t, defaults().Validate())
}

func TestSetKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	b, err := newFileBackend(path)
	require.NoError(t, err)

	require.NoError(t, setKey(b, "server.port", "9300"))
	require.NoError(t, setKey(b, "vector.timeout", "3s"))
	require.NoError(t, setKey(b, "auth.allow_dev_auth", "false"))
	assert.ErrorContains(t, setKey(b, "llm.api_key", "x"), "KNOWSTACK_LLM_API_KEY")
	assert.ErrorContains(t, setKey(b, "nope.key", "x"), "unknown config key")
	assert.Error(t, setKey(b, "server.port", "eighty"))

	t.Setenv("KNOWSTACK_AUTH_JWT_SECRET", "s")
	cfg, err := loadFromPath(t, path)
	require.NoError(t, err)
	assert.Equal(t, 9300, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Vector.Timeout)
	assert.False(t, cfg.Auth.AllowDevAuth)

	require.NoError(t, b.Delete("server.port"))
	cfg, err = loadFromPath(t, path)
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.Port)
}

func TestShowAllMasksSecrets(t *testing.T) {
	cfg := defaults()
	cfg.LLM.APIKey = "sk-live"
	var found bool
	for _, ki := range ShowAll(cfg) {
		if ki.Key == "llm.api_key" {
			found = true
			assert.Equal(t, "********", ki.Value)
			assert.Equal(t, "KNOWSTACK_LLM_API_KEY", ki.EnvVar)
		}
	}
	assert.True(t, found)
	assert.NotContains(t, ValidKeys(), "llm.api_key")
	assert.Contains(t, ValidKeys(), "worker.mode")
}

func TestConfigFilePath(t *testing.T) {
	t.Setenv("KNOWSTACK_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-config")
	assert.Equal(t, "/tmp/xdg-config/knowstack/config.yaml", ConfigFilePath())

	t.Setenv("KNOWSTACK_CONFIG", "/etc/knowstack.yaml")
	assert.Equal(t, "/etc/knowstack.yaml", ConfigFilePath())
}
