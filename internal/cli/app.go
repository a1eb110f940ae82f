package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jdziat/durable-research/internal/config"
	"github.com/jdziat/durable-research/pkg/clarify"
	"github.com/jdziat/durable-research/pkg/core"
	"github.com/jdziat/durable-research/pkg/notes"
	"github.com/jdziat/durable-research/pkg/pipeline"
	"github.com/jdziat/durable-research/pkg/providers/llm"
	"github.com/jdziat/durable-research/pkg/providers/search"
	"github.com/jdziat/durable-research/pkg/providers/telegram"
	"github.com/jdziat/durable-research/pkg/queue"
	"github.com/jdziat/durable-research/pkg/quota"
	"github.com/jdziat/durable-research/pkg/ratelimit"
	"github.com/jdziat/durable-research/pkg/service"
	"github.com/jdziat/durable-research/pkg/storage"
	"github.com/jdziat/durable-research/pkg/worker"
)

// openDB opens the configured database and applies the pool settings.
func openDB(cfg config.Database) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if err := cfg.PoolConfig().Apply(db); err != nil {
		return nil, err
	}
	return db, nil
}

// pipelineStore is the GORM job store with the note store in front of it,
// which may keep note bodies elsewhere.
type pipelineStore struct {
	core.JobStore
	core.NoteStore
}

// app is everything a command may need. Providers and the rate limiter are
// only built for serve.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	store       *storage.GormStorage
	queue       *queue.Queue
	dispatcher  *pipeline.Dispatcher
	gate        *clarify.Gate
	ledger      *quota.Ledger
	service     *service.Service
	maintenance *service.Maintenance

	bot   *telegram.Bot // nil without a token
	redis *redis.Client // nil without an address
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	db, err := openDB(cfg.Database)
	if err != nil {
		return nil, err
	}
	store := storage.NewGormStorage(db)
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: store}

	var notifier core.Notifier
	if cfg.Telegram.Token != "" {
		bot, err := telegram.New(nil, cfg.Telegram)
		if err != nil {
			return nil, err
		}
		a.bot = bot
		notifier = bot
	} else {
		logger.Warn("no telegram token, notifications disabled")
	}

	policy, err := clarify.ParseExpiryPolicy(cfg.Clarification.ExpiryPolicy)
	if err != nil {
		return nil, err
	}

	a.queue = queue.New(store)
	a.queue.SetRetention(cfg.Queue.Retention)
	a.dispatcher = pipeline.NewDispatcher(a.queue, cfg.Queue.Attempts)
	a.gate = clarify.NewGate(store, notifier, a.dispatcher,
		clarify.WithExpiryPolicy(policy),
		clarify.WithLogger(logger),
	)
	a.ledger = quota.NewLedger(store,
		quota.WithDefaultCap(cfg.Quota.DailyCap),
		quota.WithLocation(cfg.Quota.Location()),
	)
	a.service = service.New(store, a.queue, a.dispatcher, a.ledger, a.gate, logger)
	a.maintenance = service.NewMaintenance(a.queue, a.gate, cfg.Clarification.Maintenance, logger)
	return a, nil
}

// wirePipeline builds the providers and registers the research handler.
func (a *app) wirePipeline(ctx context.Context) error {
	model, err := llm.NewModel(a.cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	provider := llm.New(model, a.cfg.LLM)

	var noteStore core.NoteStore = a.store
	if a.cfg.Minio.Endpoint != "" {
		blobs, err := notes.NewMinio(a.cfg.Minio)
		if err != nil {
			return fmt.Errorf("minio: %w", err)
		}
		if err := blobs.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("minio: %w", err)
		}
		noteStore = notes.Wrap(a.store, blobs, a.cfg.Minio.Prefix)
	}

	providers := pipeline.Providers{
		Understander: provider,
		Researcher:   search.New(nil, a.cfg.Search),
		Synthesizer:  provider,
	}
	if a.bot != nil {
		providers.Notifier = a.bot
	}

	orch := pipeline.NewOrchestrator(pipelineStore{JobStore: a.store, NoteStore: noteStore}, a.gate, providers,
		pipeline.WithClarifyTimeouts(a.cfg.Clarification.Timeout, a.cfg.Clarification.UnrequestedTimeout),
		pipeline.WithLogger(a.logger),
		pipeline.WithEvents(a.queue),
	)
	pipeline.Register(a.queue, orch)
	return nil
}

// limiter returns the run-start limiter, shared through Redis when an
// address is configured. Nil when rate limiting is off.
func (a *app) limiter(ctx context.Context) (worker.Limiter, error) {
	rl := a.cfg.Queue.RateLimit
	if rl.Limit <= 0 {
		return nil, nil
	}
	if a.cfg.Redis.Addr == "" {
		return ratelimit.NewSlidingWindow(rl.Limit, rl.Window), nil
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return ratelimit.NewRedisWindow(a.redis, a.cfg.Redis.Key, rl.Limit, rl.Window), nil
}

// workers returns the pipeline worker and the maintenance worker. Only the
// pipeline worker is rate limited; the maintenance worker runs the scheduler.
func (a *app) workers(limiter worker.Limiter) (*worker.Worker, *worker.Worker) {
	common := []worker.WorkerOption{
		worker.WithBackoff(a.cfg.Queue.Backoff),
		worker.WithLogger(a.logger),
	}
	if a.cfg.Queue.PollInterval > 0 {
		common = append(common, worker.WithPollInterval(a.cfg.Queue.PollInterval))
	}

	pipelineOpts := append([]worker.WorkerOption{
		worker.WorkerQueue(pipeline.QueueName, worker.Concurrency(a.cfg.Queue.Concurrency)),
	}, common...)
	if limiter != nil {
		pipelineOpts = append(pipelineOpts, worker.WithLimiter(limiter))
	}

	maintenanceOpts := append([]worker.WorkerOption{
		worker.WorkerQueue(service.MaintenanceQueue, worker.Concurrency(1)),
		worker.WithScheduler(true),
	}, common...)

	return worker.NewWorker(a.queue, pipelineOpts...), worker.NewWorker(a.queue, maintenanceOpts...)
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", "error", err)
		}
	}
	if a.store == nil {
		return
	}
	sqlDB, err := a.store.DB().DB()
	if err == nil {
		err = sqlDB.Close()
	}
	if err != nil {
		a.logger.Warn("failed to close database", "error", err)
	}
}
