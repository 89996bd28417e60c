package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	SessionTTL              time.Duration `env:"SESSION_TTL" default:"30m"`
	SessionMaxLifetime      time.Duration `env:"SESSION_MAX_LIFETIME" default:"24h"`
	SessionRecordGrace      time.Duration `env:"SESSION_RECORD_GRACE" default:"24h"`
	SessionMaxExtendMinutes int           `env:"SESSION_MAX_EXTEND_MINUTES" default:"60"`

	UploadMaxBytes    int64         `env:"UPLOAD_MAX_BYTES" default:"10485760"`
	UploadChunkBytes  int64         `env:"UPLOAD_CHUNK_BYTES" default:"5242880"`
	UploadMaxAttempts int           `env:"UPLOAD_MAX_ATTEMPTS" default:"3"`
	UploadRetryBase   time.Duration `env:"UPLOAD_RETRY_BASE" default:"500ms"`

	S3Bucket   string        `env:"S3_BUCKET"`
	S3Region   string        `env:"S3_REGION" default:"us-east-1"`
	S3Endpoint string        `env:"S3_ENDPOINT"`
	S3URLTTL   time.Duration `env:"S3_URL_TTL" default:"15m"`

	GeneratorURL          string        `env:"GENERATOR_URL"`
	GeneratorAPIKey       string        `env:"GENERATOR_API_KEY"`
	GeneratorTimeout      time.Duration `env:"GENERATOR_TIMEOUT" default:"60s"`
	GeneratorRPS          float64       `env:"GENERATOR_RPS" default:"2"`
	GenerationDailyBudget int64         `env:"GENERATION_DAILY_BUDGET" default:"500"`

	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" default:"15m"`
	SweepBatchSize   int           `env:"SWEEP_BATCH_SIZE" default:"100"`
	SweepMaxFailures int           `env:"SWEEP_MAX_FAILURES" default:"3"`

	AdminToken         string `env:"ADMIN_TOKEN"`
	RateLimitPerMinute int    `env:"RATE_LIMIT_PER_MINUTE" default:"60"`
}

// S3Chunk is the smallest part size S3 accepts for every part but the last.
const S3Chunk = 5 << 20

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	// Checked in a fixed order so the reported variable is deterministic.
	required := []struct{ name, value string }{
		{"REDIS_URL", cfg.RedisURL},
		{"S3_BUCKET", cfg.S3Bucket},
		{"GENERATOR_URL", cfg.GeneratorURL},
		{"ADMIN_TOKEN", cfg.AdminToken},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if len(cfg.AdminToken) < 16 {
		return errors.New("ADMIN_TOKEN must be at least 16 characters")
	}

	if cfg.SessionTTL <= 0 {
		return errors.New("SESSION_TTL must be positive")
	}
	if cfg.SessionMaxLifetime < cfg.SessionTTL {
		return fmt.Errorf("SESSION_MAX_LIFETIME (%s) must not be shorter than SESSION_TTL (%s)", cfg.SessionMaxLifetime, cfg.SessionTTL)
	}
	if cfg.SessionMaxExtendMinutes < 1 {
		return errors.New("SESSION_MAX_EXTEND_MINUTES must be at least 1")
	}

	if cfg.UploadMaxBytes <= 0 {
		return errors.New("UPLOAD_MAX_BYTES must be positive")
	}
	if cfg.UploadChunkBytes < S3Chunk {
		return fmt.Errorf("UPLOAD_CHUNK_BYTES must be at least %d", S3Chunk)
	}
	if cfg.UploadMaxAttempts < 1 {
		return errors.New("UPLOAD_MAX_ATTEMPTS must be at least 1")
	}

	if _, err := url.ParseRequestURI(cfg.GeneratorURL); err != nil {
		return fmt.Errorf("GENERATOR_URL must be an absolute URL: %w", err)
	}
	if cfg.GeneratorRPS <= 0 {
		return errors.New("GENERATOR_RPS must be positive")
	}

	if cfg.SweepInterval < time.Minute {
		return errors.New("SWEEP_INTERVAL must be at least 1m")
	}
	if cfg.SweepBatchSize < 1 {
		return errors.New("SWEEP_BATCH_SIZE must be at least 1")
	}
	if cfg.SweepMaxFailures < 1 {
		return errors.New("SWEEP_MAX_FAILURES must be at least 1")
	}

	if cfg.AppEnv == "production" && cfg.DatabaseURL != "" {
		if err := requireSecureSSL(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	return nil
}

func requireSecureSSL(databaseURL string) error {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}
	mode := strings.ToLower(u.Query().Get("sslmode"))
	if mode == "disable" || mode == "allow" {
		return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
	}
	return nil
}
