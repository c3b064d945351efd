package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

type Config struct {
	ServerPort   string
	DBPath       string
	LogLevel     string
	RedisAddr    string
	WebhookURL   string
	GlobalQueues []string
}

func Load(logger zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg(".env file not found, using environment variables or defaults")
	}

	cfg := &Config{
		ServerPort:   getEnv("SERVER_PORT", "8080"),
		DBPath:       getEnv("DB_PATH", "sixmans.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		RedisAddr:    getEnv("REDIS_ADDR", ""),
		WebhookURL:   getEnv("WEBHOOK_URL", ""),
		GlobalQueues: splitList(getEnv("GLOBAL_QUEUES", "global")),
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)

	if cfg.DBPath == "" {
		return nil, fmt.Errorf("DB_PATH is required")
	}

	logger.Info().
		Str("server_port", cfg.ServerPort).
		Str("db_path", cfg.DBPath).
		Str("log_level", cfg.LogLevel).
		Str("redis_addr", cfg.RedisAddr).
		Bool("webhook_enabled", cfg.WebhookURL != "").
		Strs("global_queues", cfg.GlobalQueues).
		Msg("configuration loaded")

	return cfg, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var Module = fx.Provide(Load)
