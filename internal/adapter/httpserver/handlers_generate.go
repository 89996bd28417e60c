package httpserver

import (
	"fmt"
	"net/http"

	"github.com/delimatsuo/dressup-sub000/internal/domain"
	"github.com/delimatsuo/dressup-sub000/internal/generation"
	apperrors "github.com/delimatsuo/dressup-sub000/internal/platform/errors"
	"github.com/labstack/echo/v4"
)

func (s *Server) registerGenerateRoutes(limited echo.MiddlewareFunc) {
	s.echo.POST("/generate", s.handleGenerate, limited)
	s.echo.GET("/generate/:jobId", s.handleJobStatus)
}

type generateRequest struct {
	SessionID       string `json:"sessionId"`
	GarmentAssetRef string `json:"garmentAssetRef"`
	Instructions    string `json:"instructions"`
}

type generateResponse struct {
	Status    domain.JobStatus `json:"status"`
	ResultURI string           `json:"resultUri,omitempty"`
	JobID     string           `json:"jobId,omitempty"`
	Error     string           `json:"error,omitempty"`
}

const maxInstructionsLen = 2000

func (s *Server) handleGenerate(c echo.Context) error {
	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.SessionID == "" {
		return apperrors.ValidationError("sessionId is required")
	}
	if req.GarmentAssetRef == "" {
		return apperrors.ValidationError("garmentAssetRef is required")
	}
	if len(req.Instructions) > maxInstructionsLen {
		return apperrors.ValidationError(fmt.Sprintf("instructions must be at most %d characters", maxInstructionsLen))
	}

	res, err := s.app.Generate(c.Request().Context(), generation.SubmitRequest{
		SessionID:       req.SessionID,
		GarmentAssetRef: req.GarmentAssetRef,
		Instructions:    req.Instructions,
	})
	if err != nil {
		return err
	}

	status := http.StatusOK
	if res.JobID != "" && !res.Status.Terminal() {
		status = http.StatusAccepted
	}
	resp := generateResponse{Status: res.Status, ResultURI: res.ResultURI, JobID: res.JobID}
	if err := c.JSON(status, resp); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleJobStatus(c echo.Context) error {
	job, err := s.app.JobStatus(c.Request().Context(), c.Param("jobId"))
	if err != nil {
		return err
	}

	resp := generateResponse{Status: job.Status, ResultURI: job.ResultURI, JobID: job.ID, Error: job.Error}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
