package httpserver

import (
	"fmt"
	"net/http"
	"strconv"

	apperrors "github.com/delimatsuo/dressup-sub000/internal/platform/errors"
	"github.com/labstack/echo/v4"
)

func (s *Server) registerCronRoutes() {
	s.echo.POST("/cron/cleanup", s.handleCleanup, s.requireAdmin())
}

type cleanupRequest struct {
	DryRun bool `json:"dryRun"`
}

// handleCleanup runs one sweep pass on demand. dryRun may come as a JSON
// body field or a query parameter.
func (s *Server) handleCleanup(c echo.Context) error {
	var req cleanupRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return apperrors.ValidationError("invalid request body")
		}
	}
	if q := c.QueryParam("dryRun"); q != "" {
		dryRun, err := strconv.ParseBool(q)
		if err != nil {
			return apperrors.ValidationError("dryRun must be a boolean")
		}
		req.DryRun = dryRun
	}

	res, err := s.app.Sweep(c.Request().Context(), req.DryRun)
	if err != nil {
		return apperrors.InternalError("sweep failed", err)
	}

	if err := c.JSON(http.StatusOK, res); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
