package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/delimatsuo/dressup-sub000/internal/adapter/metrics"
	"github.com/delimatsuo/dressup-sub000/internal/domain"
	"github.com/delimatsuo/dressup-sub000/internal/generation"
	apperrors "github.com/delimatsuo/dressup-sub000/internal/platform/errors"
	"github.com/delimatsuo/dressup-sub000/internal/upload"
)

type ServiceConfig struct {
	// URLTTL is the lifetime of presigned asset URLs handed to clients.
	URLTTL           time.Duration
	MaxExtendMinutes int
}

// Service is the application layer used by the HTTP handlers. It is the only
// component that references all of the domain collaborators.
type Service struct {
	sessions domain.SessionStore
	objects  domain.ObjectStore
	uploads  *upload.Orchestrator
	tasks    *upload.Registry
	gateway  *generation.Gateway
	sweeper  *Sweeper
	metrics  *metrics.SessionMetrics
	cfg      ServiceConfig
}

func NewService(
	sessions domain.SessionStore,
	objects domain.ObjectStore,
	uploads *upload.Orchestrator,
	tasks *upload.Registry,
	gateway *generation.Gateway,
	sweeper *Sweeper,
	m *metrics.SessionMetrics,
	cfg ServiceConfig,
) *Service {
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = 15 * time.Minute
	}
	if cfg.MaxExtendMinutes <= 0 {
		cfg.MaxExtendMinutes = 60
	}
	return &Service{
		sessions: sessions,
		objects:  objects,
		uploads:  uploads,
		tasks:    tasks,
		gateway:  gateway,
		sweeper:  sweeper,
		metrics:  m,
		cfg:      cfg,
	}
}

// AssetView is an asset as shown to its session's owner.
type AssetView struct {
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	ContentType string    `json:"contentType,omitempty"`
	SizeBytes   int64     `json:"sizeBytes"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

type SessionView struct {
	ID             string               `json:"id"`
	Status         domain.SessionStatus `json:"status"`
	CreatedAt      time.Time            `json:"createdAt"`
	LastActivityAt time.Time            `json:"lastActivityAt"`
	ExpiresAt      time.Time            `json:"expiresAt"`
	Locked         bool                 `json:"locked"`
	Assets         []AssetView          `json:"assets"`
}

// --- Sessions ---

func (s *Service) CreateSession(ctx context.Context) (*domain.Session, error) {
	session, err := s.sessions.Create(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.Created.Inc()
	slog.InfoContext(ctx, "Session created", "session_id", session.ID, "expires_at", session.ExpiresAt)
	return session, nil
}

// GetSession returns the live session with fetchable URLs for its assets.
// Reading a session does not count as activity.
func (s *Service) GetSession(ctx context.Context, id string) (*SessionView, error) {
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &SessionView{
		ID:             session.ID,
		Status:         session.Status,
		CreatedAt:      session.CreatedAt,
		LastActivityAt: session.LastActivityAt,
		ExpiresAt:      session.ExpiresAt,
		Locked:         session.Locked(),
		Assets:         make([]AssetView, 0, len(session.Assets)),
	}

	prefix := domain.SessionPrefix(session.ID)
	for key, asset := range session.Assets {
		url := asset.URI
		if strings.HasPrefix(asset.URI, prefix) {
			url, err = s.objects.URL(ctx, asset.URI, s.cfg.URLTTL)
			if err != nil {
				return nil, fmt.Errorf("failed to sign url for %s: %w", key, err)
			}
		}
		view.Assets = append(view.Assets, AssetView{
			Key:         key.String(),
			URL:         url,
			ContentType: asset.ContentType,
			SizeBytes:   asset.SizeBytes,
			UploadedAt:  asset.UploadedAt,
		})
	}
	slices.SortFunc(view.Assets, func(a, b AssetView) int { return strings.Compare(a.Key, b.Key) })

	return view, nil
}

// ExtendSession grows the session's window by minutes, bounded by the
// configured per-request maximum and the session's lifetime cap.
func (s *Service) ExtendSession(ctx context.Context, id string, minutes int) (*domain.Session, error) {
	if minutes < 1 || minutes > s.cfg.MaxExtendMinutes {
		s.metrics.Extended.WithLabelValues("rejected").Inc()
		return nil, apperrors.ValidationError(fmt.Sprintf("minutes must be between 1 and %d", s.cfg.MaxExtendMinutes)).
			WithField("minutes", minutes)
	}

	session, err := s.sessions.Extend(ctx, id, minutes)
	switch {
	case errors.Is(err, domain.ErrLifetimeExceeded):
		s.metrics.Extended.WithLabelValues("limit").Inc()
		return nil, err
	case err != nil:
		s.metrics.Extended.WithLabelValues("rejected").Inc()
		return nil, err
	}

	s.metrics.Extended.WithLabelValues("ok").Inc()
	slog.InfoContext(ctx, "Session extended", "session_id", id, "minutes", minutes, "expires_at", session.ExpiresAt)
	return session, nil
}

// DeleteSession removes the record. Its stored bytes are reclaimed by the
// next sweep.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	if err := s.sessions.Delete(ctx, id); err != nil {
		return err
	}
	s.metrics.Deleted.Inc()
	slog.InfoContext(ctx, "Session deleted", "session_id", id)
	return nil
}

// --- Uploads ---

// StartUpload launches a transfer. taskID is optional; when set, the client
// chose it so it can follow progress before this call returns.
func (s *Service) StartUpload(ctx context.Context, taskID string, req upload.Request) (*upload.Task, error) {
	if taskID != "" {
		return s.uploads.StartWithID(ctx, taskID, req)
	}
	return s.uploads.Start(ctx, req)
}

// Upload runs one file through the orchestrator and waits for the outcome.
func (s *Service) Upload(ctx context.Context, taskID string, req upload.Request) (*upload.Result, error) {
	task, err := s.StartUpload(ctx, taskID, req)
	if err != nil {
		return nil, err
	}
	return task.Wait(ctx)
}

// SubscribeUpload streams an upload's progress, starting with its current
// state. The stream closes when the upload finishes.
func (s *Service) SubscribeUpload(taskID string) (<-chan upload.Progress, func(), error) {
	task, ok := s.tasks.Get(taskID)
	if !ok {
		return nil, nil, apperrors.NotFoundError("upload not found")
	}
	events, unsubscribe := task.Subscribe()
	return events, unsubscribe, nil
}

// CancelUpload stops a running upload. Cancelling one that already finished
// is a conflict.
func (s *Service) CancelUpload(ctx context.Context, taskID string) error {
	found, cancelled := s.tasks.Cancel(taskID)
	if !found {
		return apperrors.NotFoundError("upload not found")
	}
	if !cancelled {
		return apperrors.ConflictError("upload already finished")
	}
	slog.InfoContext(ctx, "Upload cancelled", "task_id", taskID)
	return nil
}

// --- Generation ---

func (s *Service) Generate(ctx context.Context, req generation.SubmitRequest) (*generation.SubmitResult, error) {
	return s.gateway.Submit(ctx, req)
}

func (s *Service) JobStatus(ctx context.Context, jobID string) (*domain.GenerationJob, error) {
	return s.gateway.Status(ctx, jobID)
}

// --- Sweep ---

func (s *Service) Sweep(ctx context.Context, dryRun bool) (SweepResult, error) {
	return s.sweeper.Sweep(ctx, dryRun)
}
