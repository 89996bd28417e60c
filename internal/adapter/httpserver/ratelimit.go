package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/delimatsuo/dressup-sub000/internal/platform/errors"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

const rateLimiterExpiry = 5 * time.Minute

// newMemoryRateStore keeps per-client token buckets in process memory,
// refilled so that perMinute requests fit in one minute.
func newMemoryRateStore(perMinute int) middleware.RateLimiterStore {
	if perMinute <= 0 {
		perMinute = 60
	}
	return middleware.NewRateLimiterMemoryStoreWithConfig(
		middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(float64(perMinute) / 60),
			Burst:     perMinute,
			ExpiresIn: rateLimiterExpiry,
		},
	)
}

// failOpenStore lets traffic through when the shared counter is unreachable.
type failOpenStore struct {
	inner middleware.RateLimiterStore
}

func (s failOpenStore) Allow(identifier string) (bool, error) {
	ok, err := s.inner.Allow(identifier)
	if err != nil {
		slog.Warn("Rate limiter unavailable, allowing request", "error", err)
		return true, nil
	}
	return ok, nil
}

func newRateLimiter(store middleware.RateLimiterStore) echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		Store: failOpenStore{inner: store},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			resp := apperrors.QuotaError("rate limit exceeded", nil).ToResponse()
			return c.JSON(http.StatusTooManyRequests, resp)
		},
	})
}
