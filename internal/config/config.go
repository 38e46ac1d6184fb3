// Package config loads service configuration from the environment and
// holds the timing constants of the chat core.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config holds the project config values
type Config struct {
	Port        string
	Environment string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string

	// StorageDriver is "postgres" or "memory".
	StorageDriver string
	// FeedDriver is "redis", "postgres", "kafka" or "memory".
	FeedDriver   string
	KafkaBrokers []string

	JWTSecret string
	AdminKey  string

	TelegramToken       string
	TelegramAdminChatID int64

	Language        string
	CleanupSchedule string

	Chat ChatTiming
}

// Load reads the configuration from environment variables, falling back to
// development defaults.
func Load() *Config {
	kafkaBrokers := []string{"localhost:9092"}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		kafkaBrokers = strings.Split(brokers, ",")
		for i, broker := range kafkaBrokers {
			kafkaBrokers[i] = strings.TrimSpace(broker)
		}
	}

	chatID, err := strconv.ParseInt(getEnv("TELEGRAM_ADMIN_CHAT_ID", "0"), 10, 64)
	if err != nil {
		zap.S().Warnw("invalid TELEGRAM_ADMIN_CHAT_ID, admin alerts disabled", "error", err)
		chatID = 0
	}

	timing := DefaultChatTiming()
	timing.RoomPollInterval = getDuration("ROOM_POLL_INTERVAL", timing.RoomPollInterval)
	timing.MessagePollFast = getDuration("MESSAGE_POLL_FAST", timing.MessagePollFast)
	timing.MessagePollConnected = getDuration("MESSAGE_POLL_CONNECTED", timing.MessagePollConnected)

	return &Config{
		Port:                getEnv("PORT", "8080"),
		Environment:         getEnv("ENVIRONMENT", "development"),
		DatabaseURL:         getEnv("DATABASE_URL", "host=localhost user=user password=password dbname=clinicchat port=5432 sslmode=disable"),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		StorageDriver:       getEnv("STORAGE_DRIVER", "postgres"),
		FeedDriver:          getEnv("FEED_DRIVER", "redis"),
		KafkaBrokers:        kafkaBrokers,
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret-change-me"),
		AdminKey:            getEnv("ADMIN_KEY", ""),
		TelegramToken:       getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramAdminChatID: chatID,
		Language:            getEnv("CHAT_LANGUAGE", "en"),
		CleanupSchedule:     getEnv("CLEANUP_SCHEDULE", "@every 1h"),
		Chat:                timing,
	}
}

// IsDevelopment returns true if environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		zap.S().Warnw("invalid duration, using default", "key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return d
}
