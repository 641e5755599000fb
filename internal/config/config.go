package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	StoragePostgres = "postgres"
	StorageSupabase = "supabase"
	StorageMemory   = "memory"
)

type Config struct {
	Server     ServerConfig     `json:"server" mapstructure:"server"`
	Database   DatabaseConfig   `json:"database" mapstructure:"database"`
	Redis      RedisConfig      `json:"redis" mapstructure:"redis"`
	Storage    StorageConfig    `json:"storage" mapstructure:"storage"`
	Session    SessionConfig    `json:"session" mapstructure:"session"`
	Writers    WritersConfig    `json:"writers" mapstructure:"writers"`
	Supervisor SupervisorConfig `json:"supervisor" mapstructure:"supervisor"`
	OpenAI     OpenAIConfig     `json:"openai" mapstructure:"openai"`
	WhatsApp   WhatsAppConfig   `json:"whatsapp" mapstructure:"whatsapp"`
	Admin      AdminConfig      `json:"admin" mapstructure:"admin"`
	Log        LogConfig        `json:"log" mapstructure:"log"`
}

type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
	// RateLimit is the number of webhook requests allowed per client per
	// minute. Zero disables limiting.
	RateLimit    int           `json:"rate_limit" mapstructure:"rate_limit"`
	AllowOrigins string        `json:"allow_origins" mapstructure:"allow_origins"`
	ReadTimeout  time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	User     string `json:"user" mapstructure:"user"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
	SSLMode  string `json:"sslmode" mapstructure:"sslmode"`
	MaxConns int    `json:"max_conns" mapstructure:"max_conns"`
}

type RedisConfig struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	Addr     string        `json:"addr" mapstructure:"addr"`
	Password string        `json:"password" mapstructure:"password"`
	DB       int           `json:"db" mapstructure:"db"`
	StateTTL time.Duration `json:"state_ttl" mapstructure:"state_ttl"`
}

type StorageConfig struct {
	// Driver selects the durable store: postgres, supabase or memory.
	Driver      string `json:"driver" mapstructure:"driver"`
	SupabaseURL string `json:"supabase_url" mapstructure:"supabase_url"`
	SupabaseKey string `json:"supabase_key" mapstructure:"supabase_key"`
}

type SessionConfig struct {
	MaxUnsummarisedTokens int           `json:"max_unsummarised_tokens" mapstructure:"max_unsummarised_tokens"`
	RollupIdleTTL         time.Duration `json:"rollup_idle_ttl" mapstructure:"rollup_idle_ttl"`
	RollupTimeout         time.Duration `json:"rollup_timeout" mapstructure:"rollup_timeout"`
	IdleTimeout           time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	PruneSchedule         string        `json:"prune_schedule" mapstructure:"prune_schedule"`
	PersistTimeout        time.Duration `json:"persist_timeout" mapstructure:"persist_timeout"`
}

type WriterConfig struct {
	MaxBatch int           `json:"max_batch" mapstructure:"max_batch"`
	Interval time.Duration `json:"interval" mapstructure:"interval"`
}

type WritersConfig struct {
	QueueCapacity   int           `json:"queue_capacity" mapstructure:"queue_capacity"`
	FlushTimeout    time.Duration `json:"flush_timeout" mapstructure:"flush_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	Users           WriterConfig  `json:"users" mapstructure:"users"`
	ChatLogs        WriterConfig  `json:"chat_logs" mapstructure:"chat_logs"`
}

type SupervisorConfig struct {
	MaxConcurrent  int64         `json:"max_concurrent" mapstructure:"max_concurrent"`
	AcquireTimeout time.Duration `json:"acquire_timeout" mapstructure:"acquire_timeout"`
	TaskTimeout    time.Duration `json:"task_timeout" mapstructure:"task_timeout"`
}

type OpenAIConfig struct {
	APIKey       string  `json:"api_key,omitempty" mapstructure:"api_key"`
	BaseURL      string  `json:"base_url,omitempty" mapstructure:"base_url"`
	Model        string  `json:"model" mapstructure:"model"`
	SummaryModel string  `json:"summary_model" mapstructure:"summary_model"`
	Temperature  float32 `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt string  `json:"system_prompt,omitempty" mapstructure:"system_prompt"`
}

type WhatsAppConfig struct {
	Token         string `json:"token,omitempty" mapstructure:"token"`
	PhoneNumberID string `json:"phone_number_id" mapstructure:"phone_number_id"`
	VerifyToken   string `json:"verify_token,omitempty" mapstructure:"verify_token"`
	AppSecret     string `json:"app_secret,omitempty" mapstructure:"app_secret"`
	GraphURL      string `json:"graph_url" mapstructure:"graph_url"`
}

type AdminConfig struct {
	// JWTSecret enables the admin API; it stays disabled when empty.
	JWTSecret string `json:"jwt_secret,omitempty" mapstructure:"jwt_secret"`
	Issuer    string `json:"issuer" mapstructure:"issuer"`
}

type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	Format string `json:"format" mapstructure:"format"`
}

// Load reads configuration from configFile, or from config.{json,yaml}
// found in ".", "./config" or "~/.mir" when configFile is empty. A missing
// config file is not an error: defaults and environment variables apply.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if homeDir, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".mir"))
		}
	}

	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.rate_limit", 120)
	v.SetDefault("server.allow_origins", "*")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "mir")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "mir")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.state_ttl", 24*time.Hour)

	v.SetDefault("storage.driver", StoragePostgres)
	v.SetDefault("storage.supabase_url", "")
	v.SetDefault("storage.supabase_key", "")

	v.SetDefault("session.max_unsummarised_tokens", 5000)
	v.SetDefault("session.rollup_idle_ttl", time.Duration(0))
	v.SetDefault("session.rollup_timeout", 60*time.Second)
	v.SetDefault("session.idle_timeout", 30*time.Minute)
	v.SetDefault("session.prune_schedule", "@every 5m")
	v.SetDefault("session.persist_timeout", 10*time.Second)

	v.SetDefault("writers.queue_capacity", 10000)
	v.SetDefault("writers.flush_timeout", 20*time.Second)
	v.SetDefault("writers.shutdown_timeout", 10*time.Second)
	v.SetDefault("writers.users.max_batch", 100)
	v.SetDefault("writers.users.interval", 30*time.Second)
	v.SetDefault("writers.chat_logs.max_batch", 200)
	v.SetDefault("writers.chat_logs.interval", 30*time.Second)

	v.SetDefault("supervisor.max_concurrent", 64)
	v.SetDefault("supervisor.acquire_timeout", 2*time.Second)
	v.SetDefault("supervisor.task_timeout", 2*time.Minute)

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.summary_model", "gpt-3.5-turbo")
	v.SetDefault("openai.temperature", 0.2)
	v.SetDefault("openai.max_tokens", 0)
	v.SetDefault("openai.system_prompt", "")

	v.SetDefault("whatsapp.token", "")
	v.SetDefault("whatsapp.phone_number_id", "")
	v.SetDefault("whatsapp.verify_token", "")
	v.SetDefault("whatsapp.app_secret", "")
	v.SetDefault("whatsapp.graph_url", "https://graph.facebook.com/v22.0")

	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.issuer", "mir-backend")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// bindEnv maps MIR_<SECTION>_<KEY> onto every key and keeps the
// conventional variable names working.
func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix("MIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	aliases := map[string][]string{
		"database.host":            {"MIR_DATABASE_HOST", "POSTGRES_HOST"},
		"database.port":            {"MIR_DATABASE_PORT", "POSTGRES_PORT"},
		"database.user":            {"MIR_DATABASE_USER", "POSTGRES_USER"},
		"database.password":        {"MIR_DATABASE_PASSWORD", "POSTGRES_PASSWORD"},
		"database.database":        {"MIR_DATABASE_DATABASE", "POSTGRES_DB"},
		"openai.api_key":           {"MIR_OPENAI_API_KEY", "OPENAI_API_KEY"},
		"whatsapp.token":           {"MIR_WHATSAPP_TOKEN", "WHATSAPP_TOKEN"},
		"whatsapp.phone_number_id": {"MIR_WHATSAPP_PHONE_NUMBER_ID", "WHATSAPP_PHONE_NUMBER_ID"},
		"whatsapp.verify_token":    {"MIR_WHATSAPP_VERIFY_TOKEN", "WHATSAPP_VERIFY_TOKEN"},
		"whatsapp.app_secret":      {"MIR_WHATSAPP_APP_SECRET", "WHATSAPP_APP_SECRET"},
		"storage.supabase_url":     {"MIR_STORAGE_SUPABASE_URL", "SUPABASE_URL"},
		"storage.supabase_key":     {"MIR_STORAGE_SUPABASE_KEY", "SUPABASE_KEY"},
		"redis.addr":               {"MIR_REDIS_ADDR", "REDIS_ADDR"},
	}
	for key, envs := range aliases {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}

// Validate reports configuration values the service cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case StoragePostgres, StorageMemory:
	case StorageSupabase:
		if c.Storage.SupabaseURL == "" || c.Storage.SupabaseKey == "" {
			return errors.New("supabase storage requires storage.supabase_url and storage.supabase_key")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Session.MaxUnsummarisedTokens <= 0 {
		return errors.New("session.max_unsummarised_tokens must be positive")
	}
	if c.Session.IdleTimeout <= 0 {
		return errors.New("session.idle_timeout must be positive")
	}
	if c.Writers.Users.MaxBatch <= 0 || c.Writers.ChatLogs.MaxBatch <= 0 {
		return errors.New("writer batch sizes must be positive")
	}
	return nil
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
