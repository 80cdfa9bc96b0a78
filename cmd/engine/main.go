// Package main is the entrypoint of the progression engine.
//
// One process serves the REST interface, consumes domain events and runs the
// background jobs: parked activity reprocessing, reward retries and the
// nightly challenge audit. Several instances can run side by side; Redis
// carries events between them and elects a single runner per job tick.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/stamptrail/progression-engine/config"
	"github.com/stamptrail/progression-engine/internal/application/command"
	"github.com/stamptrail/progression-engine/internal/application/eventhandler"
	"github.com/stamptrail/progression-engine/internal/application/query"
	"github.com/stamptrail/progression-engine/internal/application/saga"
	"github.com/stamptrail/progression-engine/internal/domain/progress"
	"github.com/stamptrail/progression-engine/internal/domain/reward"
	"github.com/stamptrail/progression-engine/internal/domain/shared"
	"github.com/stamptrail/progression-engine/internal/infrastructure/external/issuer"
	"github.com/stamptrail/progression-engine/internal/infrastructure/messaging"
	"github.com/stamptrail/progression-engine/internal/infrastructure/persistence/postgres"
	"github.com/stamptrail/progression-engine/internal/infrastructure/persistence/redis"
	"github.com/stamptrail/progression-engine/internal/infrastructure/scheduler"
	"github.com/stamptrail/progression-engine/internal/infrastructure/scheduler/jobs"
	"github.com/stamptrail/progression-engine/internal/infrastructure/service"
	httpserver "github.com/stamptrail/progression-engine/internal/interface/http"
	"github.com/stamptrail/progression-engine/internal/interface/http/handlers"
	"github.com/stamptrail/progression-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

// eventBus is what both bus implementations offer.
type eventBus interface {
	shared.EventBus
	Close() error
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. Configuration
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. Logger
	// ─────────────────────────────────────────────────────────────────────────
	log := logger.New(logger.Options{
		Output:    os.Stdout,
		Level:     cfg.Observability.LogLevel,
		Format:    cfg.Observability.LogFormat,
		AddSource: cfg.Observability.AddSource,
		Service:   cfg.App.Name,
	})
	slog.SetDefault(log)

	log.Info("starting progression engine",
		slog.String("env", string(cfg.App.Environment)),
		slog.String("version", cfg.App.Version),
		slog.String("event_bus", cfg.Engine.EventBus),
	)

	clock := shared.SystemClock{}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. PostgreSQL
	// ─────────────────────────────────────────────────────────────────────────
	pgCfg := postgres.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Database:        cfg.Database.Name,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	}

	var db *postgres.Connection
	if cfg.Database.URL != "" {
		db, err = postgres.NewConnectionFromURL(ctx, cfg.Database.URL, pgCfg)
	} else {
		db, err = postgres.NewConnection(ctx, pgCfg)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	log.Info("connected to PostgreSQL")

	if cfg.Database.AutoMigrate {
		applied, err := postgres.NewMigrator(db).Migrate(ctx)
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("database migrations applied", slog.Any("versions", applied))
	}

	activityRepo := postgres.NewActivityRepository(db)
	parkingLot := postgres.NewParkingLot(db)
	challengeRepo := postgres.NewChallengeRepository(db)
	progressRepo := postgres.NewProgressRepository(db)
	catalogRepo := postgres.NewCatalogRepository(db)

	// ─────────────────────────────────────────────────────────────────────────
	// 4. Redis (optional)
	// ─────────────────────────────────────────────────────────────────────────
	var (
		cache       *redis.Cache
		existence   service.ExistenceCache
		viewCache   query.ChallengeViewCache
		jobLocker   scheduler.Locker
		viewHandler *eventhandler.OnProgressChangedHandler
		defsHandler *eventhandler.OnChallengesChangedHandler
	)
	if !cfg.Redis.Disabled {
		cache, err = redis.NewCache(redis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   3,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			KeyPrefix:    cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer cache.Close()

		existence = redis.NewCatalogCache(cache)
		vc := redis.NewChallengeViewCache(cache, cfg.Engine.ViewCacheTTL)
		viewCache = vc
		viewHandler = eventhandler.NewOnProgressChangedHandler(vc, log)
		defsHandler = eventhandler.NewOnChallengesChangedHandler(vc, log)
		jobLocker = redis.NewLocker(cache)
		log.Info("connected to Redis", slog.String("addr", cfg.Redis.Addr))
	} else {
		log.Warn("redis disabled, running without caches or job locks")
	}

	catalogService := service.NewCatalogService(catalogRepo, existence, log)

	// ─────────────────────────────────────────────────────────────────────────
	// 5. Reward issuer
	// ─────────────────────────────────────────────────────────────────────────
	var (
		rewardIssuer reward.Issuer
		issuerClient *issuer.Client
	)
	if cfg.Issuer.BaseURL != "" {
		issuerCfg := issuer.DefaultClientConfig(cfg.Issuer.BaseURL)
		issuerCfg.APIKey = cfg.Issuer.APIKey
		issuerCfg.Timeout = cfg.Issuer.Timeout
		issuerCfg.RequestsPerSecond = cfg.Issuer.RequestsPerSecond
		issuerCfg.Burst = cfg.Issuer.Burst
		issuerCfg.Logger = log
		issuerClient = issuer.NewClient(issuerCfg)
		rewardIssuer = issuerClient
		log.Info("reward issuer configured", slog.String("base_url", cfg.Issuer.BaseURL))
	} else {
		rewardIssuer = issuer.NewLogIssuer(log)
		log.Warn("ISSUER_BASE_URL not set, rewards are only logged")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. Event bus
	// ─────────────────────────────────────────────────────────────────────────
	localBusCfg := messaging.InMemoryEventBusConfig{
		AsyncMode:      true,
		WorkerPoolSize: cfg.Engine.PreflightConcurrency,
		Logger:         log,
		LogHandlers:    true,
		EnableMetrics:  true,
	}

	var bus eventBus
	if cfg.Engine.EventBus == config.EventBusRedis {
		bus, err = messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
			PubSub:         messaging.NewGoRedisPubSub(cache.Client()),
			Channel:        cfg.Engine.EventChannel,
			InstanceID:     uuid.NewString(),
			LocalBusConfig: localBusCfg,
			Logger:         log,
		})
		if err != nil {
			return fmt.Errorf("failed to create event bus: %w", err)
		}
	} else {
		bus = messaging.NewInMemoryEventBus(localBusCfg)
	}
	defer bus.Close()

	// ─────────────────────────────────────────────────────────────────────────
	// 7. Engine core
	// ─────────────────────────────────────────────────────────────────────────
	evaluator := progress.NewEvaluator(activityRepo, progressRepo, catalogService, challengeRepo)
	dispenser := saga.NewRewardDispenser(rewardIssuer, progressRepo, bus, clock, log)
	flow := saga.NewCompletionFlow(evaluator, progressRepo, challengeRepo, dispenser, bus, clock, saga.CompletionFlowConfig{
		ContentionAttempts: cfg.Engine.ContentionAttempts,
		ContentionDelay:    cfg.Engine.ContentionDelay,
		ContentionMaxDelay: cfg.Engine.ContentionMaxDelay,
	}, log)

	if err := eventhandler.Register(bus, eventhandler.Handlers{
		Completed:   eventhandler.NewOnChallengeCompletedHandler(challengeRepo, flow, log),
		Changed:     viewHandler,
		Definitions: defsHandler,
	}); err != nil {
		return fmt.Errorf("failed to register event handlers: %w", err)
	}

	recordActivity := command.NewRecordActivityHandler(activityRepo, parkingLot, challengeRepo, flow, bus, clock,
		command.RecordActivityHandlerConfig{PreflightConcurrency: cfg.Engine.PreflightConcurrency}, log)
	publishChallenge := command.NewPublishChallengeHandler(challengeRepo, catalogService, nil, flow, bus, clock, log)
	dispenseReward := command.NewDispenseRewardHandler(progressRepo, flow, clock, log)
	userChallenges := query.NewGetUserChallengesHandler(challengeRepo, progressRepo, nil, viewCache, clock, log)
	progression := query.NewGetProgressionHandler(progressRepo)

	// ─────────────────────────────────────────────────────────────────────────
	// 8. Scheduler
	// ─────────────────────────────────────────────────────────────────────────
	var jobRunner httpserver.JobRunner
	if cfg.Scheduler.Enabled {
		sched := scheduler.NewScheduler(scheduler.SchedulerConfig{
			Logger:         log,
			Locker:         jobLocker,
			LockTTL:        cfg.Scheduler.LockTTL,
			TickInterval:   cfg.Scheduler.TickInterval,
			MaxHistorySize: 200,
		})

		auditSchedule, err := scheduler.ParseCron(cfg.Scheduler.AuditCron)
		if err != nil {
			return fmt.Errorf("invalid audit schedule: %w", err)
		}

		registrations := []struct {
			job      scheduler.Job
			schedule scheduler.Schedule
		}{
			{
				jobs.NewReprocessParkedJob(parkingLot, recordActivity, clock, log, jobs.ReprocessParkedConfig{
					BatchSize: cfg.Scheduler.ReprocessBatchSize,
					Timeout:   cfg.Scheduler.ReprocessInterval,
				}),
				scheduler.Every(cfg.Scheduler.ReprocessInterval),
			},
			{
				jobs.NewRetryRewardsJob(dispenseReward, log, jobs.RetryRewardsConfig{
					MinAge:    cfg.Scheduler.RetryRewardsMinAge,
					BatchSize: cfg.Scheduler.RetryRewardsBatch,
				}),
				scheduler.Every(cfg.Scheduler.RetryRewardsInterval),
			},
			{jobs.NewAuditChallengesJob(publishChallenge, log), auditSchedule},
			{jobs.NewReconcileCombosJob(flow, log), scheduler.Every(cfg.Scheduler.ReconcileCombosInterval)},
		}
		for _, reg := range registrations {
			if err := sched.Register(reg.job, reg.schedule); err != nil {
				return fmt.Errorf("failed to register job %s: %w", reg.job.Name(), err)
			}
		}

		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				log.Error("scheduler stop failed", logger.Err(err))
			}
		}()
		jobRunner = sched
	} else {
		log.Warn("scheduler disabled, parked activities and failed rewards are not retried")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 9. Health checks
	// ─────────────────────────────────────────────────────────────────────────
	health := handlers.NewCompositeHealthChecker(cfg.App.Version)
	health.AddCheck("postgres", handlers.NewPingCheck(db))
	if cache != nil {
		health.AddCheck("redis", handlers.NewPingCheck(cache))
	}
	if issuerClient != nil {
		health.AddOptionalCheck("issuer", handlers.NewProbeCheck("issuer", issuerClient))
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 10. HTTP server
	// ─────────────────────────────────────────────────────────────────────────
	httpCfg := httpserver.DefaultConfig()
	httpCfg.Host = cfg.HTTP.Host
	httpCfg.Port = cfg.HTTP.Port
	httpCfg.ReadTimeout = cfg.HTTP.ReadTimeout
	httpCfg.WriteTimeout = cfg.HTTP.WriteTimeout
	httpCfg.IdleTimeout = cfg.HTTP.IdleTimeout
	httpCfg.RequestTimeout = cfg.HTTP.RequestTimeout
	httpCfg.RateLimitPerSecond = cfg.HTTP.RateLimitPerSecond
	httpCfg.RateLimitBurst = cfg.HTTP.RateLimitBurst
	httpCfg.AdminAPIKeys = cfg.HTTP.AdminAPIKeys

	server := httpserver.NewServer(httpCfg, httpserver.Dependencies{
		RecordActivity:   recordActivity,
		PublishChallenge: publishChallenge,
		UserChallenges:   userChallenges,
		Progression:      progression,
		Jobs:             jobRunner,
		Logger:           log,
		HealthChecker:    health,
	})
	serverErr := server.StartAsync()

	// ─────────────────────────────────────────────────────────────────────────
	// 11. Graceful shutdown
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	log.Info("progression engine started", slog.String("addr", httpCfg.Address()))

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	start := time.Now()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", logger.Err(err))
	}
	log.Info("progression engine stopped", logger.Latency(time.Since(start)))

	return runErr
}
