//go:build wireinject

package main

import (
	"context"

	"github.com/google/wire"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"relay-server/services/conversation-api/internal/config"
	"relay-server/services/conversation-api/internal/domain/closure"
	"relay-server/services/conversation-api/internal/domain/conversation"
	"relay-server/services/conversation-api/internal/domain/handoff"
	"relay-server/services/conversation-api/internal/domain/lifecycle"
	"relay-server/services/conversation-api/internal/domain/optimistic"
	"relay-server/services/conversation-api/internal/infrastructure/auth"
	"relay-server/services/conversation-api/internal/infrastructure/database"
	"relay-server/services/conversation-api/internal/infrastructure/logger"
	"relay-server/services/conversation-api/internal/infrastructure/queue"
	conversationrepo "relay-server/services/conversation-api/internal/infrastructure/repository/conversation"
	"relay-server/services/conversation-api/internal/interfaces/httpserver"
	"relay-server/services/conversation-api/internal/webhook"
)

var lifecycleSet = wire.NewSet(
	conversationrepo.NewRepository,
	wire.Bind(new(conversation.Repository), new(*conversationrepo.Repository)),
	conversationrepo.NewMessageRepository,
	wire.Bind(new(conversation.MessageRepository), new(*conversationrepo.MessageRepository)),
	newController,
	newDetector,
	newFinder,
	newNotifier,
	queue.NewPostgresQueue,
	wire.Bind(new(lifecycle.ReplyScheduler), new(*queue.PostgresQueue)),
	newLifecycleService,
	newHandoffService,
)

// BuildApplication demonstrates how to assemble the conversation service with Wire.
func BuildApplication(ctx context.Context) (*Application, error) {
	wire.Build(
		config.Load,
		logger.New,
		newDatabaseConfig,
		newGormDB,
		newAuthValidator,
		lifecycleSet,
		httpserver.New,
		NewApplication,
	)
	return nil, nil
}

func newDatabaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		DSN:             cfg.DatabaseURL,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
		LogLevel:        gormlogger.Warn,
	}
}

func newGormDB(ctx context.Context, cfg database.Config, log zerolog.Logger) (*gorm.DB, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := database.AutoMigrate(ctx, db, log); err != nil {
		return nil, err
	}
	return db, nil
}

func newAuthValidator(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*auth.Validator, error) {
	return auth.NewValidator(ctx, cfg, log)
}

func newController(repo conversation.Repository, cfg *config.Config, log zerolog.Logger) *optimistic.Controller {
	return optimistic.NewController(repo, cfg.RetryPolicy(), log)
}

func newDetector(cfg *config.Config) *closure.Detector {
	return closure.NewDetector(cfg.ClosureConfig())
}

func newFinder(repo conversation.Repository, cfg *config.Config, log zerolog.Logger) *conversation.Finder {
	return conversation.NewFinder(repo, cfg.Timers(), log)
}

func newNotifier(cfg *config.Config, log zerolog.Logger) *webhook.Notifier {
	return webhook.NewNotifier(cfg.WebhookEndpoint, cfg.WebhookSecret, cfg.WebhookTimeout, log)
}

func newLifecycleService(
	repo conversation.Repository,
	messages conversation.MessageRepository,
	finder *conversation.Finder,
	ctrl *optimistic.Controller,
	detector *closure.Detector,
	scheduler lifecycle.ReplyScheduler,
	notifier *webhook.Notifier,
	cfg *config.Config,
	log zerolog.Logger,
) lifecycle.Service {
	return lifecycle.NewService(repo, messages, finder, ctrl, detector, scheduler, notifier, cfg.Timers(), log)
}

func newHandoffService(
	repo conversation.Repository,
	ctrl *optimistic.Controller,
	cfg *config.Config,
	log zerolog.Logger,
) handoff.Service {
	return handoff.NewService(repo, ctrl, cfg.Timers(), log)
}
