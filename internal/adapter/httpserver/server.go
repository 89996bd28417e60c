package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/delimatsuo/dressup-sub000/internal/adapter/metrics"
	"github.com/delimatsuo/dressup-sub000/internal/app"
	"github.com/delimatsuo/dressup-sub000/internal/domain"
	"github.com/delimatsuo/dressup-sub000/internal/generation"
	"github.com/delimatsuo/dressup-sub000/internal/upload"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type appService interface {
	CreateSession(ctx context.Context) (*domain.Session, error)
	GetSession(ctx context.Context, id string) (*app.SessionView, error)
	ExtendSession(ctx context.Context, id string, minutes int) (*domain.Session, error)
	DeleteSession(ctx context.Context, id string) error
	Upload(ctx context.Context, taskID string, req upload.Request) (*upload.Result, error)
	SubscribeUpload(taskID string) (<-chan upload.Progress, func(), error)
	CancelUpload(ctx context.Context, taskID string) error
	Generate(ctx context.Context, req generation.SubmitRequest) (*generation.SubmitResult, error)
	JobStatus(ctx context.Context, jobID string) (*domain.GenerationJob, error)
	Sweep(ctx context.Context, dryRun bool) (app.SweepResult, error)
}

type Config struct {
	Port       string
	AppEnv     string
	AdminToken string
	// MaxUploadBytes bounds the accepted file size; the request body may be
	// slightly larger to fit the multipart envelope.
	MaxUploadBytes     int64
	RateLimitPerMinute int
}

type Server struct {
	echo   *echo.Echo
	config Config

	app          appService
	rateStore    middleware.RateLimiterStore
	httpMetrics  *metrics.HTTPMetrics
	metrics      http.Handler
	healthChecks []HealthCheck
	startTime    time.Time
}

// NewServer builds the HTTP surface. rateStore may be nil, in which case
// rate limits are kept per instance in memory.
func NewServer(cfg Config, app appService, rateStore middleware.RateLimiterStore, httpMetrics *metrics.HTTPMetrics, metricsHandler http.Handler, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	if rateStore == nil {
		rateStore = newMemoryRateStore(cfg.RateLimitPerMinute)
	}

	srv := &Server{
		echo:         e,
		config:       cfg,
		app:          app,
		rateStore:    rateStore,
		httpMetrics:  httpMetrics,
		metrics:      metricsHandler,
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP exposes the router, mainly for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
