// Package dependency wires the service graph from configuration.
package dependency

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/dig"

	"github.com/mirchat/mir-backend/internal/auth"
	"github.com/mirchat/mir-backend/internal/config"
	"github.com/mirchat/mir-backend/internal/database"
	"github.com/mirchat/mir-backend/internal/llm"
	"github.com/mirchat/mir-backend/internal/metrics"
	"github.com/mirchat/mir-backend/internal/models"
	"github.com/mirchat/mir-backend/internal/pruner"
	"github.com/mirchat/mir-backend/internal/repository"
	"github.com/mirchat/mir-backend/internal/repository/memory"
	"github.com/mirchat/mir-backend/internal/repository/postgres"
	"github.com/mirchat/mir-backend/internal/repository/rediscache"
	"github.com/mirchat/mir-backend/internal/repository/supabase"
	"github.com/mirchat/mir-backend/internal/services"
	"github.com/mirchat/mir-backend/internal/session"
	"github.com/mirchat/mir-backend/internal/supervisor"
	"github.com/mirchat/mir-backend/internal/whatsapp"
	"github.com/mirchat/mir-backend/internal/writebehind"
)

const healthCheckTimeout = 3 * time.Second

// UserWriter flushes queued user upserts.
type UserWriter = writebehind.BatchWriter[models.UserUpsert]

// ChatLogWriter flushes queued chat logs.
type ChatLogWriter = writebehind.BatchWriter[models.ChatLog]

// Container holds the resolved service singletons.
// Callers use the typed getter methods; they never need to import dig directly.
type Container struct {
	services      *services.Services
	supervisor    *supervisor.Supervisor
	userWriter    *UserWriter
	chatLogWriter *ChatLogWriter
	pruner        *pruner.Pruner
	jwt           *auth.JWTService
	closers       *closers
}

func (c *Container) Services() *services.Services       { return c.services }
func (c *Container) Supervisor() *supervisor.Supervisor { return c.supervisor }
func (c *Container) UserWriter() *UserWriter            { return c.userWriter }
func (c *Container) ChatLogWriter() *ChatLogWriter      { return c.chatLogWriter }
func (c *Container) Pruner() *pruner.Pruner             { return c.pruner }

// JWT returns the admin token service, or nil when the admin API is
// disabled.
func (c *Container) JWT() *auth.JWTService { return c.jwt }

// Close releases connections opened while building the container.
func (c *Container) Close() error {
	return c.closers.close()
}

// New builds and wires all services from cfg. Connections are opened with
// ctx; on error anything already opened is closed.
func New(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*Container, error) {
	d := dig.New()
	res := &closers{}

	providers := []interface{}{
		func() context.Context { return ctx },
		func() *config.Config { return cfg },
		func() logrus.FieldLogger { return logger },
		func() *closers { return res },
		metrics.NewCollector,
		newDatabase,
		newRedis,
		newSink,
		newSessionStore,
		newChatClient,
		newCircuitBreaker,
		newSummarizer,
		newReplier,
		newSender,
		newUserQueue,
		newChatLogQueue,
		newUserWriter,
		newChatLogWriter,
		newSupervisor,
		newPruner,
		newChatService,
		newHealthMonitor,
		newServices,
		newJWT,
	}
	for _, p := range providers {
		if err := d.Provide(p); err != nil {
			return nil, fmt.Errorf("dependency: provide: %w", err)
		}
	}

	c := &Container{closers: res}
	err := d.Invoke(func(
		svc *services.Services,
		sup *supervisor.Supervisor,
		uw *UserWriter,
		cw *ChatLogWriter,
		p *pruner.Pruner,
		jwt *auth.JWTService,
	) {
		c.services = svc
		c.supervisor = sup
		c.userWriter = uw
		c.chatLogWriter = cw
		c.pruner = p
		c.jwt = jwt
	})
	if err != nil {
		if cerr := res.close(); cerr != nil {
			logger.WithError(cerr).Warn("Failed to release resources after wiring error")
		}
		return nil, fmt.Errorf("dependency: %w", dig.RootCause(err))
	}
	return c, nil
}

type closers struct {
	fns []func() error
}

func (c *closers) add(fn func() error) {
	c.fns = append(c.fns, fn)
}

func (c *closers) close() error {
	var result *multierror.Error
	for i := len(c.fns) - 1; i >= 0; i-- {
		if err := c.fns[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.fns = nil
	return result.ErrorOrNil()
}

// newDatabase connects to Postgres when it is the storage driver and
// returns nil otherwise.
func newDatabase(ctx context.Context, cfg *config.Config, res *closers) (*database.DB, error) {
	if cfg.Storage.Driver != config.StoragePostgres {
		return nil, nil
	}
	db, err := database.NewConnection(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	res.add(db.Close)
	return db, nil
}

// newRedis returns nil when the state cache is disabled.
func newRedis(ctx context.Context, cfg *config.Config, res *closers) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	res.add(client.Close)
	return client, nil
}

func newSink(cfg *config.Config, db *database.DB, rdb *redis.Client, logger logrus.FieldLogger) (repository.Sink, error) {
	var sink repository.Sink
	switch cfg.Storage.Driver {
	case config.StoragePostgres:
		sink.Users = postgres.NewUserRepository(db.DB)
		sink.ChatLogs = postgres.NewChatLogRepository(db.Pool, logger)
	case config.StorageSupabase:
		client, err := supabase.New(supabase.Config{
			URL:    cfg.Storage.SupabaseURL,
			APIKey: cfg.Storage.SupabaseKey,
		})
		if err != nil {
			return sink, err
		}
		sink.Users = client
		sink.ChatLogs = client
	case config.StorageMemory:
		logger.Warn("Using in-memory storage; state is lost on restart")
		sink.Users = memory.NewUserRepository()
		sink.ChatLogs = memory.NewChatLogRepository()
	default:
		return sink, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if rdb != nil {
		sink.Users = rediscache.New(sink.Users, rdb, cfg.Redis.StateTTL, logger)
	}
	return sink, nil
}

func newSessionStore(cfg *config.Config, logger logrus.FieldLogger, m *metrics.Collector) *session.Store {
	return session.NewStore(
		session.WithLogger(logger.WithField("component", "session_store")),
		session.WithRollupTimeout(cfg.Session.RollupTimeout),
		session.WithMetrics(m),
	)
}

func newChatClient(cfg *config.Config) (llm.ChatClient, error) {
	return llm.NewClient(llm.ClientConfig{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
	})
}

func newCircuitBreaker(logger logrus.FieldLogger) *llm.CircuitBreaker {
	return llm.NewCircuitBreaker(llm.DefaultBreakerConfig, logger)
}

func newSummarizer(client llm.ChatClient, breaker *llm.CircuitBreaker, cfg *config.Config, logger logrus.FieldLogger, m *metrics.Collector) session.Summarizer {
	return llm.NewSummarizer(client, breaker, llm.SummarizerConfig{
		Model: cfg.OpenAI.SummaryModel,
	}, logger, m)
}

func newReplier(client llm.ChatClient, breaker *llm.CircuitBreaker, cfg *config.Config) services.Replier {
	return llm.NewAgent(client, breaker, llm.AgentConfig{
		Model:        cfg.OpenAI.Model,
		SystemPrompt: cfg.OpenAI.SystemPrompt,
		Temperature:  cfg.OpenAI.Temperature,
		MaxTokens:    cfg.OpenAI.MaxTokens,
	})
}

func newSender(cfg *config.Config) (services.Sender, error) {
	return whatsapp.NewClient(whatsapp.Config{
		Token:         cfg.WhatsApp.Token,
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		GraphURL:      cfg.WhatsApp.GraphURL,
	})
}

func newUserQueue(cfg *config.Config, logger logrus.FieldLogger, m *metrics.Collector) *writebehind.Queue[models.UserUpsert] {
	return writebehind.NewQueue[models.UserUpsert]("users", cfg.Writers.QueueCapacity, logger, m)
}

func newChatLogQueue(cfg *config.Config, logger logrus.FieldLogger, m *metrics.Collector) *writebehind.Queue[models.ChatLog] {
	return writebehind.NewQueue[models.ChatLog]("chat_logs", cfg.Writers.QueueCapacity, logger, m)
}

func writerConfig(w config.WritersConfig, c config.WriterConfig) writebehind.WriterConfig {
	return writebehind.WriterConfig{
		MaxBatch:        c.MaxBatch,
		Interval:        c.Interval,
		FlushTimeout:    w.FlushTimeout,
		ShutdownTimeout: w.ShutdownTimeout,
	}
}

func newUserWriter(q *writebehind.Queue[models.UserUpsert], sink repository.Sink, cfg *config.Config, logger logrus.FieldLogger, m *metrics.Collector) *UserWriter {
	return writebehind.NewBatchWriter(q, writebehind.UserFlusher(sink.Users),
		writerConfig(cfg.Writers, cfg.Writers.Users), logger, m)
}

func newChatLogWriter(q *writebehind.Queue[models.ChatLog], sink repository.Sink, cfg *config.Config, logger logrus.FieldLogger, m *metrics.Collector) *ChatLogWriter {
	return writebehind.NewBatchWriter(q, writebehind.ChatLogFlusher(sink.ChatLogs),
		writerConfig(cfg.Writers, cfg.Writers.ChatLogs), logger, m)
}

func newSupervisor(cfg *config.Config, logger logrus.FieldLogger, m *metrics.Collector) *supervisor.Supervisor {
	return supervisor.New(supervisor.Config{
		MaxConcurrent:  cfg.Supervisor.MaxConcurrent,
		AcquireTimeout: cfg.Supervisor.AcquireTimeout,
		TaskTimeout:    cfg.Supervisor.TaskTimeout,
	}, logger, m)
}

func newPruner(store *session.Store, sum session.Summarizer, sink repository.Sink, cfg *config.Config, logger logrus.FieldLogger, m *metrics.Collector) (*pruner.Pruner, error) {
	return pruner.New(store, sum, sink.Users, pruner.Config{
		IdleTimeout:    cfg.Session.IdleTimeout,
		Schedule:       cfg.Session.PruneSchedule,
		PersistTimeout: cfg.Session.PersistTimeout,
	}, logger, m)
}

func newChatService(
	store *session.Store,
	replier services.Replier,
	sender services.Sender,
	sum session.Summarizer,
	sink repository.Sink,
	users *writebehind.Queue[models.UserUpsert],
	chatLogs *writebehind.Queue[models.ChatLog],
	sup *supervisor.Supervisor,
	cfg *config.Config,
	logger logrus.FieldLogger,
) *services.ChatService {
	return services.NewChatService(store, replier, sender, sum, sink.Users, users, chatLogs, sup, services.ChatConfig{
		MaxUnsummarisedTokens: cfg.Session.MaxUnsummarisedTokens,
		RollupIdleTTL:         cfg.Session.RollupIdleTTL,
	}, logger)
}

func newHealthMonitor(db *database.DB, rdb *redis.Client) *services.HealthMonitor {
	hm := services.NewHealthMonitor(healthCheckTimeout)
	if db != nil {
		hm.Register("postgres", db.Ping)
	}
	if rdb != nil {
		hm.Register("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}
	return hm
}

func newServices(
	chat *services.ChatService,
	store *session.Store,
	hm *services.HealthMonitor,
	m *metrics.Collector,
	users *writebehind.Queue[models.UserUpsert],
	chatLogs *writebehind.Queue[models.ChatLog],
) *services.Services {
	return &services.Services{
		Chat:         chat,
		Sessions:     store,
		Health:       hm,
		Metrics:      m,
		UserQueue:    users,
		ChatLogQueue: chatLogs,
	}
}

// newJWT returns nil when no admin secret is configured.
func newJWT(cfg *config.Config) *auth.JWTService {
	if cfg.Admin.JWTSecret == "" {
		return nil
	}
	return auth.NewJWTService(cfg.Admin.JWTSecret, cfg.Admin.Issuer)
}
