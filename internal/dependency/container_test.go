package dependency

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirchat/mir-backend/internal/config"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func memoryConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Driver: config.StorageMemory},
		Session: config.SessionConfig{
			MaxUnsummarisedTokens: 5000,
			IdleTimeout:           30 * time.Minute,
			PruneSchedule:         "@every 5m",
		},
		Writers: config.WritersConfig{
			QueueCapacity: 16,
			Users:         config.WriterConfig{MaxBatch: 10, Interval: time.Second},
			ChatLogs:      config.WriterConfig{MaxBatch: 10, Interval: time.Second},
		},
		OpenAI:   config.OpenAIConfig{APIKey: "sk-test"},
		WhatsApp: config.WhatsAppConfig{Token: "token", PhoneNumberID: "123"},
	}
}

func TestNew_MemoryStorage(t *testing.T) {
	c, err := New(context.Background(), memoryConfig(), testLogger())
	require.NoError(t, err)
	defer c.Close()

	svc := c.Services()
	require.NotNil(t, svc)
	assert.NotNil(t, svc.Chat)
	assert.Same(t, svc.Sessions, svc.Chat.Store())
	assert.NotNil(t, c.Supervisor())
	assert.NotNil(t, c.UserWriter())
	assert.NotNil(t, c.ChatLogWriter())
	assert.NotNil(t, c.Pruner())
	assert.Nil(t, c.JWT(), "admin API stays disabled without a secret")

	queues := svc.Queues()
	require.Len(t, queues, 2)
	assert.Equal(t, "users", queues[0].Name)
	assert.Equal(t, 16, queues[0].Capacity)
	assert.Equal(t, "chat_logs", queues[1].Name)

	statuses, healthy := svc.Health.Check(context.Background())
	assert.Empty(t, statuses)
	assert.True(t, healthy)
}

func TestNew_AdminSecretEnablesJWT(t *testing.T) {
	cfg := memoryConfig()
	cfg.Admin = config.AdminConfig{JWTSecret: "secret", Issuer: "mir-test"}

	c, err := New(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer c.Close()

	require.NotNil(t, c.JWT())
	token, err := c.JWT().GenerateAdminToken("ops", time.Minute)
	require.NoError(t, err)
	claims, err := c.JWT().ValidateAdminToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Subject)
}

func TestNew_MissingCredentials(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"openai key", func(c *config.Config) { c.OpenAI.APIKey = "" }},
		{"whatsapp token", func(c *config.Config) { c.WhatsApp.Token = "" }},
		{"prune schedule", func(c *config.Config) { c.Session.PruneSchedule = "not a schedule" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := memoryConfig()
			tt.mutate(cfg)

			_, err := New(context.Background(), cfg, testLogger())
			assert.Error(t, err)
		})
	}
}

func TestClosers_ReverseOrderAndAggregate(t *testing.T) {
	var order []int
	c := &closers{}
	c.add(func() error { order = append(order, 1); return nil })
	c.add(func() error { order = append(order, 2); return errors.New("two") })
	c.add(func() error { order = append(order, 3); return errors.New("three") })

	err := c.close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "two")
	assert.Contains(t, err.Error(), "three")
	assert.Equal(t, []int{3, 2, 1}, order)

	assert.NoError(t, c.close(), "second close is a no-op")
}
