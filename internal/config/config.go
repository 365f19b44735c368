// Package config loads service and detection configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config source names
const (
	SourceEnv      = "env"
	SourcePostgres = "postgres"
)

// Config holds all configuration for the convergence service
type Config struct {
	// Kafka
	KafkaBrokers           []string
	KafkaConsumerGroup     string
	KafkaPositionTopic     string // wallet position updates from ingestion
	KafkaNotificationTopic string // rendered signal notifications
	KafkaDeadLetterTopic   string // position events that can never be processed
	BatchSize              int
	BatchWait              time.Duration
	MaxDeliveryAttempts    int
	RetryBackoff           time.Duration // delay before the first redelivery, doubled per attempt
	MaxRetryBackoff        time.Duration

	// Storage
	DatabaseURL  string
	ConfigSource string // where detection settings are read each batch

	// Telegram (dispatcher is disabled when the token is empty)
	TelegramBotToken string
	TelegramChatID   int64

	// Dispatcher quiet hours
	QuietHoursStart  int // Hour to start quiet hours (0-23)
	QuietHoursEnd    int // Hour to end quiet hours (0-23)
	EnableQuietHours bool

	// Logging
	LogLevel string

	// Detection defaults; overridden per batch when ConfigSource is postgres
	Window WindowConfig
}

// Load loads configuration from environment variables, falling back to a .env file
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		KafkaBrokers:           strings.Split(getEnv("KAFKA_BROKERS", "localhost:19092"), ","),
		KafkaConsumerGroup:     getEnv("KAFKA_CONSUMER_GROUP", "convergence-service"),
		KafkaPositionTopic:     getEnv("KAFKA_POSITION_TOPIC", "wallet.positions"),
		KafkaNotificationTopic: getEnv("KAFKA_NOTIFICATION_TOPIC", "signals.notifications"),
		KafkaDeadLetterTopic:   getEnv("KAFKA_DEAD_LETTER_TOPIC", "wallet.positions.dlq"),
		BatchSize:              getEnvInt("BATCH_SIZE", 50),
		BatchWait:              time.Duration(getEnvInt("BATCH_WAIT_MS", 500)) * time.Millisecond,
		MaxDeliveryAttempts:    getEnvInt("MAX_DELIVERY_ATTEMPTS", 5),
		RetryBackoff:           time.Duration(getEnvInt("RETRY_BACKOFF_MS", 2000)) * time.Millisecond,
		MaxRetryBackoff:        time.Duration(getEnvInt("RETRY_MAX_BACKOFF_MS", 60000)) * time.Millisecond,

		DatabaseURL:  getEnv("DATABASE_URL", ""),
		ConfigSource: strings.ToLower(getEnv("CONFIG_SOURCE", SourceEnv)),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnvInt64("TELEGRAM_CHAT_ID", 0),

		QuietHoursStart:  getEnvInt("QUIET_HOURS_START", 22), // 10 PM
		QuietHoursEnd:    getEnvInt("QUIET_HOURS_END", 7),    // 7 AM
		EnableQuietHours: getEnvBool("ENABLE_QUIET_HOURS", false),

		LogLevel: strings.ToLower(getEnv("LOG_LEVEL", "info")),

		Window: WindowConfig{
			Window:             time.Duration(getEnvInt("WINDOW_MINUTES", 15)) * time.Minute,
			MinTradeSize:       getEnvDecimal("MIN_TRADE_SIZE", decimal.Zero),
			MinLeverage:        getEnvDecimal("MIN_LEVERAGE", decimal.NewFromInt(1)),
			MinWalletCount:     getEnvInt("MIN_WALLET_COUNT", 3),
			StopLossPercent:    getEnvNullDecimal("STOP_LOSS_PERCENT"),
			TakeProfitPercents: getEnvDecimalList("TAKE_PROFIT_PERCENTS"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set and valid
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.KafkaPositionTopic == "" || c.KafkaNotificationTopic == "" || c.KafkaDeadLetterTopic == "" {
		return fmt.Errorf("kafka topics must not be empty")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be at least 1")
	}
	if c.BatchWait <= 0 {
		return fmt.Errorf("BATCH_WAIT_MS must be positive")
	}
	if c.MaxDeliveryAttempts < 1 {
		return fmt.Errorf("MAX_DELIVERY_ATTEMPTS must be at least 1")
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("RETRY_BACKOFF_MS must be positive")
	}
	if c.MaxRetryBackoff < c.RetryBackoff {
		return fmt.Errorf("RETRY_MAX_BACKOFF_MS must not be less than RETRY_BACKOFF_MS")
	}
	if c.ConfigSource != SourceEnv && c.ConfigSource != SourcePostgres {
		return fmt.Errorf("CONFIG_SOURCE must be %q or %q", SourceEnv, SourcePostgres)
	}
	if c.TelegramBotToken != "" && c.TelegramChatID == 0 {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}
	if c.QuietHoursStart < 0 || c.QuietHoursStart > 23 || c.QuietHoursEnd < 0 || c.QuietHoursEnd > 23 {
		return fmt.Errorf("quiet hours must be between 0 and 23")
	}
	return c.Window.Validate()
}

// DispatcherEnabled reports whether Telegram delivery is configured
func (c *Config) DispatcherEnabled() bool {
	return c.TelegramBotToken != ""
}

// MaskedBotToken returns the bot token with most characters hidden for logging
func (c *Config) MaskedBotToken() string {
	s := c.TelegramBotToken
	if len(s) <= 8 {
		if len(s) == 0 {
			return "(not set)"
		}
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvNullDecimal(key string) decimal.NullDecimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(strings.TrimSpace(value)); err == nil {
			return decimal.NewNullDecimal(d)
		}
	}
	return decimal.NullDecimal{}
}

// getEnvDecimalList returns nil when the variable is unset or any element is malformed.
func getEnvDecimalList(key string) []decimal.Decimal {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	list, err := ParseDecimalList(value)
	if err != nil {
		return nil
	}
	return list
}

// ParseDecimalList parses a comma separated list such as "2.0,3.5,5.0".
func ParseDecimalList(value string) ([]decimal.Decimal, error) {
	parts := strings.Split(value, ",")
	out := make([]decimal.Decimal, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := decimal.NewFromString(p)
		if err != nil {
			return nil, fmt.Errorf("invalid decimal %q: %w", p, err)
		}
		out = append(out, d)
	}
	return out, nil
}
