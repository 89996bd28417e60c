package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/delimatsuo/dressup-sub000/internal/platform/version"
	"github.com/labstack/echo/v4"
)

const (
	startupProbeTimeout   = 2 * time.Second
	readinessProbeTimeout = 5 * time.Second
)

// HealthCheck is a named dependency probe: redis, s3 or postgres.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}
}

func (s *Server) handleStartup(c echo.Context) error {
	return s.runHealthChecks(c, startupProbeTimeout)
}

func (s *Server) handleReadiness(c echo.Context) error {
	return s.runHealthChecks(c, readinessProbeTimeout)
}

// handleLiveness never touches dependencies; a Redis outage must not get
// the process restarted.
func (s *Server) handleLiveness(c echo.Context) error {
	response := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

// runHealthChecks probes every dependency in parallel. The first failure in
// registration order is reported as failed_check.
func (s *Server) runHealthChecks(c echo.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
	defer cancel()

	errs := make([]error, len(s.healthChecks))
	var wg sync.WaitGroup
	for i, hc := range s.healthChecks {
		wg.Go(func() { errs[i] = hc.Check(ctx) })
	}
	wg.Wait()

	checks := make(map[string]string, len(s.healthChecks))
	response := map[string]any{"status": "ready", "checks": checks}
	status := http.StatusOK
	for i, hc := range s.healthChecks {
		if errs[i] == nil {
			checks[hc.Name] = "ok"
			continue
		}
		checks[hc.Name] = errs[i].Error()
		slog.WarnContext(ctx, "Health check failed", "check", hc.Name, "error", errs[i])
		if status == http.StatusOK {
			status = http.StatusServiceUnavailable
			response["status"] = "unhealthy"
			response["failed_check"] = hc.Name
			response["error"] = errs[i].Error()
		}
	}

	if err := c.JSON(status, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
