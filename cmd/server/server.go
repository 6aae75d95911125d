package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	gormlogger "gorm.io/gorm/logger"

	"relay-server/services/conversation-api/internal/config"
	"relay-server/services/conversation-api/internal/domain/closure"
	"relay-server/services/conversation-api/internal/domain/conversation"
	"relay-server/services/conversation-api/internal/domain/handoff"
	"relay-server/services/conversation-api/internal/domain/lifecycle"
	"relay-server/services/conversation-api/internal/domain/optimistic"
	"relay-server/services/conversation-api/internal/infrastructure/agentclient"
	"relay-server/services/conversation-api/internal/infrastructure/auth"
	crontabinfra "relay-server/services/conversation-api/internal/infrastructure/crontab"
	"relay-server/services/conversation-api/internal/infrastructure/database"
	"relay-server/services/conversation-api/internal/infrastructure/logger"
	"relay-server/services/conversation-api/internal/infrastructure/observability"
	"relay-server/services/conversation-api/internal/infrastructure/queue"
	conversationrepo "relay-server/services/conversation-api/internal/infrastructure/repository/conversation"
	"relay-server/services/conversation-api/internal/interfaces/httpserver"
	"relay-server/services/conversation-api/internal/sweeper"
	"relay-server/services/conversation-api/internal/webhook"
	"relay-server/services/conversation-api/internal/worker"
)

type Application struct {
	httpServer *httpserver.HttpServer
	log        zerolog.Logger
}

func NewApplication(httpServer *httpserver.HttpServer, log zerolog.Logger) *Application {
	return &Application{
		httpServer: httpServer,
		log:        log,
	}
}

func (a *Application) Start(ctx context.Context) error {
	return a.httpServer.Run(ctx)
}

func main() {
	loadEnvFiles()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Setup(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize observability")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	db, err := database.Connect(database.Config{
		DSN:             cfg.DatabaseURL,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
		LogLevel:        gormlogger.Warn,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}

	if err := database.AutoMigrate(ctx, db, log); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	authValidator, err := auth.NewValidator(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize auth validator")
	}

	timers := cfg.Timers()
	repo := conversationrepo.NewRepository(db)
	messages := conversationrepo.NewMessageRepository(db)
	ctrl := optimistic.NewController(repo, cfg.RetryPolicy(), log)
	detector := closure.NewDetector(cfg.ClosureConfig())
	finder := conversation.NewFinder(repo, timers, log)
	notifier := webhook.NewNotifier(cfg.WebhookEndpoint, cfg.WebhookSecret, cfg.WebhookTimeout, log)
	taskQueue := queue.NewPostgresQueue(db, log)

	lifecycleService := lifecycle.NewService(repo, messages, finder, ctrl, detector, taskQueue, notifier, timers, log)
	handoffService := handoff.NewService(repo, ctrl, timers, log)

	sweep := sweeper.New(repo, lifecycleService, sweeper.Config{
		BatchSize:     cfg.SweepBatchSize,
		IdleThreshold: cfg.IdleThreshold,
	}, log)
	ctab := crontabinfra.NewCrontab(sweep, taskQueue, cfg.SweepIntervalMinutes, log)
	go func() {
		if err := ctab.Run(ctx); err != nil {
			log.Error().Err(err).Msg("crontab stopped with error")
		}
	}()

	agentClient := agentclient.NewClient(cfg.AgentAPIURL, cfg.AgentAPIKey, cfg.AgentAPITimeout)
	workerPool := worker.NewPool(
		taskQueue,
		lifecycleService,
		agentClient,
		worker.Config{
			WorkerCount: cfg.WorkerCount,
			TaskTimeout: cfg.TaskTimeout,
		},
		log,
	)

	if err := workerPool.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start worker pool")
	}
	defer func() {
		log.Info().Msg("stopping worker pool")
		workerPool.Stop()
	}()

	httpServer := httpserver.New(cfg, log, lifecycleService, handoffService, authValidator)
	app := NewApplication(httpServer, log)

	if err := app.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("application stopped with error")
	}

	log.Info().Msg("application exited cleanly")
}

func loadEnvFiles() {
	paths := []string{".env", "../.env"}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Overload(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}
