package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/delimatsuo/dressup-sub000/internal/adapter/metrics"
	"github.com/delimatsuo/dressup-sub000/internal/adapter/objectstore"
	redisadapter "github.com/delimatsuo/dressup-sub000/internal/adapter/redis"
	"github.com/delimatsuo/dressup-sub000/internal/app"
	"github.com/delimatsuo/dressup-sub000/internal/platform/logging"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go-simpler.org/env"
)

// sweepConfig is the subset of the server configuration the sweep needs.
type sweepConfig struct {
	RedisURL           string        `env:"REDIS_URL"`
	S3Bucket           string        `env:"S3_BUCKET"`
	S3Region           string        `env:"S3_REGION" default:"us-east-1"`
	S3Endpoint         string        `env:"S3_ENDPOINT"`
	SessionTTL         time.Duration `env:"SESSION_TTL" default:"30m"`
	SessionMaxLifetime time.Duration `env:"SESSION_MAX_LIFETIME" default:"24h"`
	SessionRecordGrace time.Duration `env:"SESSION_RECORD_GRACE" default:"24h"`
	SweepBatchSize     int           `env:"SWEEP_BATCH_SIZE" default:"100"`
	SweepMaxFailures   int           `env:"SWEEP_MAX_FAILURES" default:"3"`
}

type options struct {
	dryRun  bool
	verbose bool
	timeout time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "sweep",
		Short:         "Purge expired sessions and their stored assets once",
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStores(cmd.Context(), opts, func(ctx context.Context, s stores) error {
				return runSweep(ctx, s, opts.dryRun)
			})
		},
	}
	cmd.PersistentFlags().BoolVar(&opts.dryRun, "dry-run", false, "report what would change without changing anything")
	cmd.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "debug logging")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "abort the run after this long")
	cmd.AddCommand(newReindexCommand(opts))
	return cmd
}

func newReindexCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Restore missing expiry index entries, then sweep",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStores(cmd.Context(), opts, func(ctx context.Context, s stores) error {
				scanned, added, err := s.sessions.Reindex(ctx, opts.dryRun)
				if err != nil {
					return fmt.Errorf("reindex failed: %w", err)
				}
				slog.Info("Reindex summary", "scanned", scanned, "added", added, "dry_run", opts.dryRun)
				return runSweep(ctx, s, opts.dryRun)
			})
		},
	}
}

type stores struct {
	sweepCfg sweepConfig
	rdb      *goredis.Client
	sessions *redisadapter.SessionStore
	objects  *objectstore.S3Store
}

func withStores(parent context.Context, opts *options, fn func(context.Context, stores) error) error {
	logLevel := "info"
	if opts.verbose {
		logLevel = "debug"
	}
	// Logs go to stderr so stdout carries only the JSON result.
	slog.SetDefault(logging.New(os.Stderr, logLevel, "text"))

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}
	var cfg sweepConfig
	if err := env.Load(&cfg, nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}
	if cfg.RedisURL == "" || cfg.S3Bucket == "" {
		return errors.New("REDIS_URL and S3_BUCKET are required")
	}

	ctx, cancel := context.WithTimeout(parent, opts.timeout)
	defer cancel()

	rdb, err := redisadapter.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	slog.Info("Connected to Redis", "url", sanitizeURL(cfg.RedisURL))

	s3Client, err := objectstore.NewS3Client(ctx, cfg.S3Region, cfg.S3Endpoint)
	if err != nil {
		return fmt.Errorf("failed to create S3 client: %w", err)
	}

	return fn(ctx, stores{
		sweepCfg: cfg,
		rdb:      rdb,
		sessions: redisadapter.NewSessionStore(rdb, clockwork.NewRealClock(), redisadapter.SessionStoreConfig{
			TTL:         cfg.SessionTTL,
			MaxLifetime: cfg.SessionMaxLifetime,
			RecordGrace: cfg.SessionRecordGrace,
		}),
		objects: objectstore.NewS3Store(s3Client, s3.NewPresignClient(s3Client), cfg.S3Bucket),
	})
}

func runSweep(ctx context.Context, s stores, dryRun bool) error {
	// One-shot runs bypass leader election.
	sweeper := app.NewSweeper(s.sessions, s.objects, nil, clockwork.NewRealClock(),
		metrics.NewSweepMetrics(metrics.NewRegistry()),
		app.SweeperConfig{
			BatchSize:   s.sweepCfg.SweepBatchSize,
			MaxFailures: int64(s.sweepCfg.SweepMaxFailures),
		})

	result, err := sweeper.Sweep(ctx, dryRun)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func sanitizeURL(url string) string {
	// Hide password in Redis URL for logging
	if strings.Contains(url, "@") {
		parts := strings.Split(url, "@")
		if len(parts) == 2 {
			credParts := strings.Split(parts[0], ":")
			if len(credParts) >= 2 {
				return credParts[0] + ":***@" + parts[1]
			}
		}
	}
	return url
}
