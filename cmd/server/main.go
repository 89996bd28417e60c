package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/delimatsuo/dressup-sub000/internal/adapter/generator"
	"github.com/delimatsuo/dressup-sub000/internal/adapter/httpserver"
	"github.com/delimatsuo/dressup-sub000/internal/adapter/metrics"
	"github.com/delimatsuo/dressup-sub000/internal/adapter/objectstore"
	"github.com/delimatsuo/dressup-sub000/internal/adapter/postgres"
	redisadapter "github.com/delimatsuo/dressup-sub000/internal/adapter/redis"
	"github.com/delimatsuo/dressup-sub000/internal/app"
	"github.com/delimatsuo/dressup-sub000/internal/domain"
	"github.com/delimatsuo/dressup-sub000/internal/generation"
	"github.com/delimatsuo/dressup-sub000/internal/platform/config"
	"github.com/delimatsuo/dressup-sub000/internal/platform/logging"
	"github.com/delimatsuo/dressup-sub000/internal/upload"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const (
	jobRetention    = 24 * time.Hour
	taskRetention   = 10 * time.Minute
	shutdownTimeout = 10 * time.Second
)

func runGracefulShutdown(srv *httpserver.Server, tasks *upload.Registry, stopSweeper context.CancelFunc, sweeperDone <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		if n, err := tasks.CancelAll(shutdownCtx); err != nil {
			slog.Warn("Uploads did not stop in time", "cancelled", n, "error", err)
		} else if n > 0 {
			slog.Info("Cancelled in-flight uploads", "count", n)
		}

		stopSweeper()
		select {
		case <-sweeperDone:
		case <-shutdownCtx.Done():
			slog.Warn("Sweeper did not stop in time")
		}

		close(done)
	}()

	return done
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(ctx context.Context, cfg *config.Config, m *metrics.RedisMetrics) *goredis.Client {
	client, err := redisadapter.NewClient(ctx, cfg.RedisURL,
		redisadapter.NewMetricsHook(m),
		redisadapter.NewCircuitBreakerHook(m),
	)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

// setupDB is optional: without DATABASE_URL generations are not recorded.
func setupDB(cfg *config.Config, m *metrics.DatabaseMetrics) *pgxpool.Pool {
	if cfg.DatabaseURL == "" {
		slog.Info("DATABASE_URL not set, generation ledger disabled")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, m)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupS3(ctx context.Context, cfg *config.Config) *s3.Client {
	client, err := objectstore.NewS3Client(ctx, cfg.S3Region, cfg.S3Endpoint)
	if err != nil {
		slog.Error("Failed to create S3 client", "error", err)
		os.Exit(1)
	}
	return client
}

func healthChecks(rdb *goredis.Client, s3Client *s3.Client, bucket string, pool *pgxpool.Pool) []httpserver.HealthCheck {
	checks := []httpserver.HealthCheck{
		{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}},
		{Name: "s3", Check: func(ctx context.Context) error {
			_, err := s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
			return err
		}},
	}
	if pool != nil {
		checks = append(checks, httpserver.HealthCheck{Name: "postgres", Check: pool.Ping})
	}
	return checks
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	reg := metrics.NewRegistry()
	redisMetrics := metrics.NewRedisMetrics(reg)
	dbMetrics := metrics.NewDatabaseMetrics(reg)
	genMetrics := metrics.NewGenerationMetrics(reg)

	rdb := setupRedis(context.Background(), cfg, redisMetrics)
	defer func() { _ = rdb.Close() }()

	pool := setupDB(cfg, dbMetrics)
	if pool != nil {
		defer pool.Close()
	}

	s3Client := setupS3(context.Background(), cfg)
	objects := objectstore.NewS3Store(s3Client, s3.NewPresignClient(s3Client), cfg.S3Bucket)

	sessions := redisadapter.NewSessionStore(rdb, clock, redisadapter.SessionStoreConfig{
		TTL:         cfg.SessionTTL,
		MaxLifetime: cfg.SessionMaxLifetime,
		RecordGrace: cfg.SessionRecordGrace,
	})

	tasks := upload.NewRegistry(clock, taskRetention)
	uploads := upload.NewOrchestrator(sessions, objects, tasks, clock, metrics.NewUploadMetrics(reg), upload.Config{
		MaxBytes:    cfg.UploadMaxBytes,
		ChunkBytes:  cfg.UploadChunkBytes,
		MaxAttempts: cfg.UploadMaxAttempts,
		RetryBase:   cfg.UploadRetryBase,
	})

	genClient := generator.NewClient(generator.Config{
		BaseURL: cfg.GeneratorURL,
		APIKey:  cfg.GeneratorAPIKey,
		Timeout: cfg.GeneratorTimeout,
		RPS:     cfg.GeneratorRPS,
	}, genMetrics)

	// A nil pool leaves the gateway with its no-op ledger.
	var ledger domain.GenerationLedger
	if pool != nil {
		ledger = postgres.NewGenerationLedger(pool)
	}
	gateway := generation.NewGateway(
		sessions,
		objects,
		genClient,
		redisadapter.NewJobStore(rdb, jobRetention),
		redisadapter.NewDailyBudget(rdb, clock, cfg.GenerationDailyBudget),
		ledger,
		clock,
		genMetrics,
		generation.Config{URLTTL: cfg.S3URLTTL},
	)

	leader := app.NewLeaderElector(rdb, instanceID(), app.DefaultLeaderKey, 2*cfg.SweepInterval)
	sweeper := app.NewSweeper(sessions, objects, leader, clock, metrics.NewSweepMetrics(reg), app.SweeperConfig{
		Interval:    cfg.SweepInterval,
		BatchSize:   cfg.SweepBatchSize,
		MaxFailures: int64(cfg.SweepMaxFailures),
	})

	appSvc := app.NewService(sessions, objects, uploads, tasks, gateway, sweeper, metrics.NewSessionMetrics(reg), app.ServiceConfig{
		URLTTL:           cfg.S3URLTTL,
		MaxExtendMinutes: cfg.SessionMaxExtendMinutes,
	})

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		sweeper.Run(sweepCtx)
	}()

	srv := httpserver.NewServer(
		httpserver.Config{
			Port:               cfg.Port,
			AppEnv:             cfg.AppEnv,
			AdminToken:         cfg.AdminToken,
			MaxUploadBytes:     cfg.UploadMaxBytes,
			RateLimitPerMinute: cfg.RateLimitPerMinute,
		},
		appSvc,
		redisadapter.NewRateLimitStore(rdb, clock, cfg.RateLimitPerMinute, time.Minute),
		metrics.NewHTTPMetrics(reg),
		metrics.Handler(reg),
		healthChecks(rdb, s3Client, cfg.S3Bucket, pool),
	)

	done := runGracefulShutdown(srv, tasks, stopSweeper, sweeperDone)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
