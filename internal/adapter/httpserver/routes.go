package httpserver

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	apperrors "github.com/delimatsuo/dressup-sub000/internal/platform/errors"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// multipartOverheadKB is the room left for form fields and part headers on
// top of the file itself.
const multipartOverheadKB = 512

func (s *Server) registerRoutes() {
	s.echo.Use(correlationMiddleware)
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(ErrorHandlingMiddleware())
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            63072000, // 2 years; only sent over HTTPS
		HSTSPreloadEnabled:    true,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
	}))
	if s.httpMetrics != nil {
		s.echo.Use(s.httpMetrics.Middleware())
	}

	limited := newRateLimiter(s.rateStore)

	s.registerHealthRoutes()
	s.registerSessionRoutes(limited)
	s.registerUploadRoutes(limited)
	s.registerGenerateRoutes(limited)
	s.registerCronRoutes()
}

// uploadBodyLimit caps the request body and reports an oversize body as a
// validation error instead of echo's bare 413.
func (s *Server) uploadBodyLimit() echo.MiddlewareFunc {
	limit := middleware.BodyLimit(fmt.Sprintf("%dK", s.config.MaxUploadBytes>>10+multipartOverheadKB))
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		limited := limit(next)
		return func(c echo.Context) error {
			err := limited(c)
			if isBodyTooLarge(err) {
				return s.fileTooLarge()
			}
			return err
		}
	}
}

func (s *Server) fileTooLarge() error {
	return apperrors.ValidationError(fmt.Sprintf("file exceeds the upload limit of %d bytes", s.config.MaxUploadBytes)).
		WithField("max_bytes", s.config.MaxUploadBytes)
}

func isBodyTooLarge(err error) bool {
	var httpErr *echo.HTTPError
	return errors.As(err, &httpErr) && httpErr.Code == http.StatusRequestEntityTooLarge
}

// requireAdmin guards operator endpoints with the bearer ADMIN_TOKEN.
func (s *Server) requireAdmin() echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:Authorization",
		AuthScheme: "Bearer",
		Validator: func(key string, c echo.Context) (bool, error) {
			ok := s.config.AdminToken != "" &&
				subtle.ConstantTimeCompare([]byte(key), []byte(s.config.AdminToken)) == 1
			if !ok {
				slog.WarnContext(c.Request().Context(), "Rejected admin request", "path", c.Path(), "remote_ip", c.RealIP())
			}
			return ok, nil
		},
	})
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}
