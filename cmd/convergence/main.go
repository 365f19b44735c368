package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/trogers1052/convergence-service/internal/config"
	"github.com/trogers1052/convergence-service/internal/kafka"
	"github.com/trogers1052/convergence-service/internal/service"
	"github.com/trogers1052/convergence-service/internal/store"
	"github.com/trogers1052/convergence-service/internal/telegram"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// startupTimeout bounds the database connect and migration
	startupTimeout = 30 * time.Second
	// noticeTimeout bounds the startup and shutdown Telegram notices
	noticeTimeout = 10 * time.Second
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("starting convergence-service",
		zap.Strings("kafka_brokers", cfg.KafkaBrokers),
		zap.String("position_topic", cfg.KafkaPositionTopic),
		zap.String("notification_topic", cfg.KafkaNotificationTopic),
		zap.String("dead_letter_topic", cfg.KafkaDeadLetterTopic),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("batch_wait", cfg.BatchWait),
		zap.String("config_source", cfg.ConfigSource),
		zap.Duration("window", cfg.Window.Window),
		zap.Int("min_wallet_count", cfg.Window.MinWalletCount),
		zap.String("telegram_token", cfg.MaskedBotToken()),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Postgres and apply the schema
	startCtx, startCancel := context.WithTimeout(ctx, startupTimeout)
	pool, err := pgxpool.New(startCtx, cfg.DatabaseURL)
	if err != nil {
		startCancel()
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	signals := store.NewPostgres(pool)
	if err := signals.Migrate(startCtx); err != nil {
		startCancel()
		logger.Fatal("failed to migrate database", zap.Error(err))
	}
	startCancel()

	var configs service.ConfigSource = config.NewStatic(cfg.Window)
	if cfg.ConfigSource == config.SourcePostgres {
		configs = store.NewConfigSource(pool, cfg.Window)
	}

	// Create Kafka producer
	producer, err := kafka.NewProducer(
		cfg.KafkaBrokers,
		cfg.KafkaPositionTopic,
		cfg.KafkaNotificationTopic,
		cfg.KafkaDeadLetterTopic,
	)
	if err != nil {
		logger.Fatal("failed to create Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	// Create signal service
	signalService := service.NewSignalService(configs, signals, signals, producer, logger.Named("signals"))

	// Create Kafka consumer
	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:             cfg.KafkaBrokers,
		GroupID:             cfg.KafkaConsumerGroup,
		PositionTopic:       cfg.KafkaPositionTopic,
		NotificationTopic:   cfg.KafkaNotificationTopic,
		BatchSize:           cfg.BatchSize,
		BatchWait:           cfg.BatchWait,
		MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
		RetryBackoff:        cfg.RetryBackoff,
		MaxRetryBackoff:     cfg.MaxRetryBackoff,
	}, producer, logger.Named("kafka"))
	if err != nil {
		logger.Fatal("failed to create Kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	// Set up handlers
	consumer.SetBatchHandler(signalService.HandleBatch)

	var telegramClient *telegram.Client
	if cfg.DispatcherEnabled() {
		telegramClient = telegram.NewClient(cfg.TelegramBotToken, cfg.TelegramChatID)
		dispatcher := service.NewDispatcher(telegramClient, service.QuietHours{
			Enabled: cfg.EnableQuietHours,
			Start:   cfg.QuietHoursStart,
			End:     cfg.QuietHoursEnd,
		}, logger.Named("dispatcher"))
		consumer.SetNotificationHandler(dispatcher.HandleNotification)
	} else {
		logger.Info("telegram not configured, notification dispatch disabled")
	}

	// Start consumer
	if err := consumer.Start(ctx); err != nil {
		logger.Fatal("failed to start Kafka consumer", zap.Error(err))
	}

	logger.Info("convergence service running, waiting for messages")

	// Send startup notification
	sendNotice(logger, telegramClient, "🚀 <b>Convergence Service Started</b>\n\nNow watching for coordinated wallet entries.")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down convergence-service")
	cancel()

	// Send shutdown notification
	sendNotice(logger, telegramClient, "🛑 <b>Convergence Service Stopped</b>")

	logger.Info("convergence service stopped")
}

// newLogger builds a production logger at the given level name
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func sendNotice(logger *zap.Logger, client *telegram.Client, message string) {
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), noticeTimeout)
	defer cancel()
	if err := client.SendMessage(ctx, message); err != nil {
		logger.Warn("failed to send service notice", zap.Error(err))
	}
}
