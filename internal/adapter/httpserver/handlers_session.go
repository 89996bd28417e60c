package httpserver

import (
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/delimatsuo/dressup-sub000/internal/platform/errors"
	"github.com/labstack/echo/v4"
)

func (s *Server) registerSessionRoutes(limited echo.MiddlewareFunc) {
	s.echo.POST("/session", s.handleCreateSession, limited)
	s.echo.GET("/session/:id", s.handleGetSession)
	s.echo.POST("/session/:id/extend", s.handleExtendSession, limited)
	s.echo.DELETE("/session/:id", s.handleDeleteSession)
}

type sessionResponse struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	session, err := s.app.CreateSession(c.Request().Context())
	if err != nil {
		return err
	}

	resp := sessionResponse{SessionID: session.ID, ExpiresAt: session.ExpiresAt}
	if err := c.JSON(http.StatusCreated, resp); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleGetSession(c echo.Context) error {
	view, err := s.app.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	resp := map[string]any{"session": view, "assets": view.Assets}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

type extendRequest struct {
	Minutes int `json:"minutes"`
}

func (s *Server) handleExtendSession(c echo.Context) error {
	var req extendRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	session, err := s.app.ExtendSession(c.Request().Context(), c.Param("id"), req.Minutes)
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, map[string]time.Time{"expiresAt": session.ExpiresAt}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	if err := s.app.DeleteSession(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
