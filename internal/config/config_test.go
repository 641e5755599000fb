package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "config.json", `{}`))
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, StoragePostgres, cfg.Storage.Driver)
	assert.Equal(t, 5000, cfg.Session.MaxUnsummarisedTokens)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, 60*time.Second, cfg.Session.RollupTimeout)
	assert.Equal(t, "@every 5m", cfg.Session.PruneSchedule)
	assert.Equal(t, 100, cfg.Writers.Users.MaxBatch)
	assert.Equal(t, 200, cfg.Writers.ChatLogs.MaxBatch)
	assert.Equal(t, 30*time.Second, cfg.Writers.ChatLogs.Interval)
	assert.Equal(t, int64(64), cfg.Supervisor.MaxConcurrent)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  port: 9090
session:
  max_unsummarised_tokens: 3000
  idle_timeout: 45m
writers:
  users:
    max_batch: 50
    interval: 10s
storage:
  driver: memory
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
	assert.Equal(t, 3000, cfg.Session.MaxUnsummarisedTokens)
	assert.Equal(t, 45*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, 50, cfg.Writers.Users.MaxBatch)
	assert.Equal(t, 10*time.Second, cfg.Writers.Users.Interval)
	assert.Equal(t, StorageMemory, cfg.Storage.Driver)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("WHATSAPP_VERIFY_TOKEN", "verify-me")
	t.Setenv("MIR_SESSION_IDLE_TIMEOUT", "10m")
	t.Setenv("MIR_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, "config.json", `{"database": {"host": "from-file"}}`))
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "sk-test", cfg.OpenAI.APIKey)
	assert.Equal(t, "verify-me", cfg.WhatsApp.VerifyToken)
	assert.Equal(t, 10*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown driver", `{"storage": {"driver": "mongo"}}`},
		{"supabase without credentials", `{"storage": {"driver": "supabase"}}`},
		{"zero threshold", `{"session": {"max_unsummarised_tokens": 0}}`},
		{"zero batch", `{"writers": {"chat_logs": {"max_batch": 0}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.json", tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
