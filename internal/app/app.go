// Package app wires configuration into a running engine: storage
// backends, the Redis guard and locks, external clients and notification
// senders. cmd/server and cmd/worker share it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/repricer/internal/config"
	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/engine"
	"github.com/ignite/repricer/internal/forecast"
	"github.com/ignite/repricer/internal/marketplace"
	"github.com/ignite/repricer/internal/notify"
	"github.com/ignite/repricer/internal/pkg/distlock"
	"github.com/ignite/repricer/internal/pkg/logger"
	"github.com/ignite/repricer/internal/repository/memory"
	"github.com/ignite/repricer/internal/repository/postgres"
	"github.com/ignite/repricer/internal/service/rules"
	"github.com/ignite/repricer/internal/storage"
)

// Options selects which background loops this process runs.
type Options struct {
	Monitor   bool
	Scheduler bool
}

// App is a fully wired process.
type App struct {
	Config      *config.Config
	DB          *sql.DB
	Redis       *redis.Client
	Engine      *engine.Orchestrator
	Rules       *rules.Service
	Competitors engine.CompetitorStore
	Forecast    *forecast.Client
	Archive     *storage.S3Archive

	closers []func()
}

// ruleRepo is what both the engine and the rule service need from rule storage.
type ruleRepo interface {
	engine.RuleStore
	rules.Repository
}

// New connects every configured backend and builds the engine. Backends
// left unconfigured fall back to in-process implementations.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	a := &App{Config: cfg}
	deps := engine.Deps{}

	var ruleStore ruleRepo
	if cfg.Database.URL != "" {
		db, err := openDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.DB = db
		a.closers = append(a.closers, func() { db.Close() })
		s := postgres.NewStores(db)
		ruleStore = s.Rules
		deps.Sessions = s.Sessions
		deps.Competitors = s.Competitors
		deps.Events = s.Events
		deps.Changes = s.Changes
		deps.Catalog = s.Products
		log.Println("Connected to database")
	} else {
		mem := memory.NewStore()
		ruleStore = mem
		deps.Sessions = mem
		deps.Competitors = mem
		deps.Events = mem
		deps.Changes = mem
		deps.Catalog = mem
		log.Println("DATABASE_URL not set, using the in-memory store")
	}
	deps.Rules = ruleStore
	a.Competitors = deps.Competitors

	if cfg.Redis.URL != "" {
		client, err := openRedis(ctx, cfg.Redis.URL)
		if err != nil {
			log.Printf("Warning: Redis connection failed: %v; falling back to local guards", err)
		} else {
			a.Redis = client
			a.closers = append(a.closers, func() { client.Close() })
			deps.Guard = engine.NewRedisGuard(client, cfg.Redis.KeyPrefix)
			log.Println("Redis connected (distributed guard and locks enabled)")
		}
	}
	deps.Locks = distlock.NewFactory(a.Redis, a.DB)

	deps.Marketplace = marketplace.NewClient(marketplace.Config{
		BaseURL:       cfg.Marketplace.BaseURL,
		APIKey:        cfg.Marketplace.APIKey,
		SellerID:      cfg.Marketplace.SellerID,
		Timeout:       cfg.Marketplace.Timeout(),
		RatePerSecond: cfg.Marketplace.RatePerSecond,
		Burst:         cfg.Marketplace.Burst,
		DryRun:        cfg.Engine.DryRun,
	})
	if cfg.Engine.DryRun {
		log.Println("Dry run: price updates are logged, not sent")
	}

	if cfg.Forecast.Enabled {
		a.Forecast = forecast.NewClient(forecast.Config{
			BaseURL:         cfg.Forecast.BaseURL,
			APIKey:          cfg.Forecast.APIKey,
			Timeout:         cfg.Forecast.Timeout(),
			SentimentWeight: cfg.Forecast.SentimentWeight,
		})
		deps.Forecast = a.Forecast
	}

	if err := a.wireStorage(ctx, &deps); err != nil {
		a.Close()
		return nil, err
	}

	notifier, err := a.notifier(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	deps.Notifier = notifier

	a.Engine = engine.NewOrchestrator(deps, engine.Options{
		SessionConcurrency: cfg.Engine.SessionConcurrency,
		SessionLockTTL:     cfg.Engine.SessionLockTTL(),
		MarketplaceTimeout: cfg.Engine.MarketplaceTimeout(),
		SignalBuffer:       cfg.Engine.SignalBuffer,
		SignalWorkers:      cfg.Engine.SignalWorkers,
		SchedulerTick:      cfg.Engine.SchedulerTick(),
		MonitorJitter:      cfg.Engine.MonitorJitter,
		MonitorResync:      cfg.Engine.MonitorResync(),
		OurSellerID:        cfg.Marketplace.SellerID,
		DisableMonitor:     !opts.Monitor,
		DisableScheduler:   !opts.Scheduler,
	})
	a.Rules = rules.NewService(ruleStore,
		rules.WithNotificationChecker(notifier),
		rules.WithExpressionChecker(engine.ExpressionEvaluator{}),
	)
	return a, nil
}

func (a *App) wireStorage(ctx context.Context, deps *engine.Deps) error {
	sc := a.Config.Storage
	if sc.ArchiveBucket == "" && sc.PriceHistoryTable == "" {
		return nil
	}
	awsCfg, err := storage.LoadAWSConfig(ctx, sc.AWSRegion, sc.AWSProfile)
	if err != nil {
		return err
	}
	if sc.ArchiveBucket != "" {
		a.Archive = storage.NewS3Archive(s3.NewFromConfig(awsCfg), storage.ArchiveConfig{
			Bucket: sc.ArchiveBucket,
			Prefix: sc.ArchivePrefix,
		})
		deps.Archive = a.Archive
		log.Printf("Archiving sessions and buy-box events to s3://%s/%s", sc.ArchiveBucket, sc.ArchivePrefix)
	}
	if sc.PriceHistoryTable != "" {
		deps.History = storage.NewPriceHistory(dynamodb.NewFromConfig(awsCfg), sc.PriceHistoryTable, sc.PriceHistoryTTLDays)
		log.Printf("Recording competitor price history in DynamoDB table %s", sc.PriceHistoryTable)
	}
	return nil
}

func (a *App) notifier(ctx context.Context) (*engine.Notifier, error) {
	n, err := engine.NewNotifier()
	if err != nil {
		return nil, err
	}
	n.Register(domain.ChannelLog, notify.NewLogSender(nil))

	nc := a.Config.Notifications
	if !nc.Enabled {
		return n, nil
	}
	if nc.FromAddress != "" {
		ses, err := notify.NewSESSender(ctx, notify.SESConfig{
			Region:    nc.SESRegion,
			AccessKey: nc.SESAccessKey,
			SecretKey: nc.SESSecretKey,
			From:      nc.FromAddress,
		})
		if err != nil {
			return nil, fmt.Errorf("ses sender: %w", err)
		}
		n.Register(domain.ChannelEmail, ses)
	}
	n.Register(domain.ChannelWebhook, notify.NewWebhookSender(nc.WebhookURL, 0))
	return n, nil
}

// Start launches the engine and, when configured, the archive flusher.
func (a *App) Start(ctx context.Context) error {
	if err := a.Engine.Start(ctx); err != nil {
		return err
	}
	a.closers = append(a.closers, a.Engine.Stop)
	if a.Archive != nil {
		flushCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			a.Archive.Run(flushCtx, a.Config.Storage.ArchiveFlushInterval())
		}()
		a.closers = append(a.closers, func() { cancel(); <-done })
	}
	return nil
}

// SeedRules loads the configured rule pack, if any.
func (a *App) SeedRules(ctx context.Context) error {
	path := a.Config.RulesSeedPath
	if path == "" {
		return nil
	}
	pack, err := rules.LoadPack(path)
	if err != nil {
		return err
	}
	if _, err := a.Rules.Seed(ctx, pack); err != nil {
		return fmt.Errorf("seed %s: %w", path, err)
	}
	return nil
}

// Close releases everything in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openDB(ctx context.Context, dc config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", dc.URL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	db.SetMaxOpenConns(dc.MaxOpenConns)
	db.SetMaxIdleConns(dc.MaxIdleConns)
	db.SetConnMaxLifetime(dc.ConnMaxLifetime())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}
