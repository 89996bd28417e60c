package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/delimatsuo/dressup-sub000/internal/domain"
	apperrors "github.com/delimatsuo/dressup-sub000/internal/platform/errors"
	"github.com/delimatsuo/dressup-sub000/internal/upload"
	"github.com/labstack/echo/v4"
)

const (
	uploadIDHeader    = "X-Upload-ID"
	sseKeepAlive      = 15 * time.Second
	eventProgress     = "progress"
	eventUploadFinish = "done"
)

func (s *Server) registerUploadRoutes(limited echo.MiddlewareFunc) {
	s.echo.POST("/upload", s.handleUpload, limited, s.uploadBodyLimit())
	s.echo.GET("/upload/:taskId/events", s.handleUploadEvents)
	s.echo.DELETE("/upload/:taskId", s.handleCancelUpload)
}

type uploadResponse struct {
	URI      string `json:"uri"`
	TaskID   string `json:"taskId"`
	Asset    string `json:"asset"`
	Attempts int    `json:"attempts"`
}

func (s *Server) handleUpload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if isBodyTooLarge(err) {
		return s.fileTooLarge()
	}
	if err != nil {
		return apperrors.ValidationError("file is required")
	}
	file, err := fh.Open()
	if err != nil {
		return apperrors.ValidationError("file is unreadable")
	}
	defer func() { _ = file.Close() }()

	req := upload.Request{
		SessionID: c.FormValue("sessionId"),
		Key: domain.AssetKey{
			Category: domain.Category(c.FormValue("category")),
			View:     domain.View(c.FormValue("view")),
		},
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Size:        fh.Size,
		File:        file,
	}

	result, err := s.app.Upload(c.Request().Context(), c.Request().Header.Get(uploadIDHeader), req)
	if err != nil {
		return err
	}

	resp := uploadResponse{
		URI:      result.Asset.URI,
		TaskID:   result.TaskID,
		Asset:    result.Asset.Key.String(),
		Attempts: result.Attempts,
	}
	if err := c.JSON(http.StatusCreated, resp); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

// handleUploadEvents streams progress as server-sent events until the upload
// finishes or the client goes away.
func (s *Server) handleUploadEvents(c echo.Context) error {
	events, unsubscribe, err := s.app.SubscribeUpload(c.Param("taskId"))
	if err != nil {
		return err
	}
	defer unsubscribe()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case p, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(w, p); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

func writeEvent(w *echo.Response, p upload.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	name := eventProgress
	if p.State.Terminal() {
		name = eventUploadFinish
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

func (s *Server) handleCancelUpload(c echo.Context) error {
	if err := s.app.CancelUpload(c.Request().Context(), c.Param("taskId")); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}
