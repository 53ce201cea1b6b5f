// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	VKToken          string

	DatabasePath string
	ConfigDir    string

	RedisEnabled  bool
	RedisAddress  string
	RedisPassword string
	RedisDB       int

	AIBaseURL string
	AIAPIKey  string
	AIModel   string

	TelegramOutputChannel string
	VKOutputGroupID       string

	DedupTTL time.Duration

	APIAddress string
	LogLevel   string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	redisDB := 0
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB %q: %w", raw, err)
		}
		redisDB = n
	}

	dedupTTL := 24 * time.Hour
	if raw := os.Getenv("DEDUP_TTL_HOURS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid DEDUP_TTL_HOURS %q", raw)
		}
		dedupTTL = time.Duration(n) * time.Hour
	}

	return &Config{
		TelegramBotToken:      token,
		VKToken:               os.Getenv("VK_TOKEN"),
		DatabasePath:          envOrDefault("DATABASE_PATH", "./data/postfilter.db"),
		ConfigDir:             envOrDefault("CONFIG_DIR", "./config"),
		RedisEnabled:          envOrDefault("REDIS_ENABLED", "true") == "true",
		RedisAddress:          envOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AIBaseURL:             envOrDefault("AI_BASE_URL", "https://api.groq.com/openai/v1"),
		AIAPIKey:              os.Getenv("AI_API_KEY"),
		AIModel:               envOrDefault("AI_MODEL", "llama-3.3-70b-versatile"),
		TelegramOutputChannel: os.Getenv("TELEGRAM_OUTPUT_CHANNEL"),
		VKOutputGroupID:       os.Getenv("VK_OUTPUT_GROUP_ID"),
		DedupTTL:              dedupTTL,
		APIAddress:            envOrDefault("API_ADDR", ":8080"),
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
	}, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
