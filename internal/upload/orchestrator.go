// Package upload drives one file at a time from the client into object
// storage and attaches it to its session.
//
// Each upload is a Task with the state machine
//
//	pending → uploading → succeeded
//	                    ↘ retrying → uploading
//	                    ↘ failed | cancelled
//
// Transfers are multipart and resumable: parts stored before a failed attempt
// are kept, so a retry continues with the first missing part.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/delimatsuo/dressup-sub000/internal/adapter/metrics"
	"github.com/delimatsuo/dressup-sub000/internal/domain"
	apperrors "github.com/delimatsuo/dressup-sub000/internal/platform/errors"
	"github.com/delimatsuo/dressup-sub000/internal/platform/retry"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	cleanupTimeout  = 10 * time.Second
	maxRetryBackoff = 30 * time.Second
)

// Request is one file to upload. File must allow random access so a retry can
// resume from any part boundary.
type Request struct {
	SessionID   string
	Key         domain.AssetKey
	ContentType string
	Size        int64
	File        io.ReaderAt
}

type Config struct {
	MaxBytes    int64
	ChunkBytes  int64
	MaxAttempts int
	RetryBase   time.Duration
	// RateLimitBackoff is the first wait after the store reports throttling.
	RateLimitBackoff time.Duration
	// SampleInterval is the minimum spacing of speed and ETA samples.
	SampleInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = 5 << 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = 4 * c.RetryBase
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Second
	}
	return c
}

type Orchestrator struct {
	sessions domain.SessionStore
	objects  domain.ObjectStore
	registry *Registry
	clock    clockwork.Clock
	metrics  *metrics.UploadMetrics
	cfg      Config
}

func NewOrchestrator(sessions domain.SessionStore, objects domain.ObjectStore, registry *Registry, clock clockwork.Clock, m *metrics.UploadMetrics, cfg Config) *Orchestrator {
	return &Orchestrator{
		sessions: sessions,
		objects:  objects,
		registry: registry,
		clock:    clock,
		metrics:  m,
		cfg:      cfg.withDefaults(),
	}
}

// Start validates the request and launches the transfer. Validation failures
// are returned synchronously and no bytes are transferred.
//
// The transfer is bound to ctx and to the task's own cancel.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Task, error) {
	return o.start(ctx, uuid.NewString(), req)
}

// StartWithID is Start with a caller-chosen task id, so a client can open the
// progress stream before the upload request completes.
func (o *Orchestrator) StartWithID(ctx context.Context, taskID string, req Request) (*Task, error) {
	if _, err := uuid.Parse(taskID); err != nil {
		return nil, apperrors.ValidationError("upload id must be a UUID")
	}
	if _, ok := o.registry.Get(taskID); ok {
		return nil, apperrors.ConflictError("upload id already in use")
	}
	return o.start(ctx, taskID, req)
}

func (o *Orchestrator) start(ctx context.Context, taskID string, req Request) (*Task, error) {
	contentType, err := validateRequest(req, o.cfg.MaxBytes)
	if err != nil {
		o.metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	req.ContentType = contentType

	session, err := o.sessions.Get(ctx, req.SessionID)
	if err != nil {
		o.metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if err := checkSlot(session, req.Key); err != nil {
		o.metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	taskCtx, cancel := context.WithCancel(ctx)
	task := newTask(taskID, req, o.clock.Now(), cancel)
	o.registry.add(task)

	o.metrics.InFlight.Inc()
	go o.run(taskCtx, task, req)

	return task, nil
}

// transfer holds the resumable state of one multipart upload across attempts.
type transfer struct {
	objectKey string
	uploadID  string
	parts     []domain.CompletedPart
	stored    int64
}

func (o *Orchestrator) run(ctx context.Context, task *Task, req Request) {
	defer o.metrics.InFlight.Dec()
	defer task.cancel()
	defer o.registry.retire(task)

	log := slog.With("task_id", task.ID, "session_id", req.SessionID, "asset", req.Key.String())

	tr := &transfer{objectKey: domain.AssetObjectKey(req.SessionID, req.Key, task.ID)}
	attempts := 0

	policy := retry.Policy{
		MaxAttempts:      o.cfg.MaxAttempts,
		InitialBackoff:   o.cfg.RetryBase,
		RateLimitBackoff: o.cfg.RateLimitBackoff,
		MaxBackoff:       maxRetryBackoff,
		Clock:            o.clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			log.Warn("Upload attempt failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
			task.update(func(p *Progress) {
				p.State = StateRetrying
				p.Error = err.Error()
				p.SpeedBytesPerSec = 0
				p.ETA = 0
			})
		},
	}

	err := retry.DoVoid(ctx, policy, classify, func(attempt int) error {
		attempts = attempt
		return o.attempt(ctx, task, req, tr, attempt)
	})
	if err != nil {
		o.fail(task, tr, attempts, err, log)
		return
	}

	if !task.beginAttach() {
		o.discard(tr.objectKey, log)
		o.finish(task, StateCancelled, nil, domain.ErrUploadCancelled, attempts)
		return
	}

	asset := domain.Asset{
		SessionID:   req.SessionID,
		Key:         req.Key,
		URI:         tr.objectKey,
		ContentType: req.ContentType,
		SizeBytes:   req.Size,
		UploadedAt:  o.clock.Now(),
	}

	// Attach on a detached context: the bytes are stored and the session must
	// learn about them even if the client has gone away.
	attachCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	session, err := o.sessions.AttachAsset(attachCtx, req.SessionID, asset)
	if err != nil {
		o.discard(tr.objectKey, log)
		if errors.Is(err, domain.ErrSessionExpired) || errors.Is(err, domain.ErrSessionNotFound) {
			err = fmt.Errorf("%w: %w", domain.ErrOrphanedUpload, err)
			log.Warn("Upload orphaned, session ended before attach")
		} else {
			log.Error("Failed to attach asset", "error", err)
		}
		o.finish(task, StateFailed, nil, err, attempts)
		return
	}

	log.Info("Upload attached", "attempts", attempts, "size_bytes", req.Size)
	o.metrics.BytesTotal.Add(float64(req.Size))
	o.finish(task, StateSucceeded, &Result{TaskID: task.ID, Asset: asset, Session: session, Attempts: attempts}, nil, attempts)
}

// attempt sends every part not yet stored, then completes the upload.
func (o *Orchestrator) attempt(ctx context.Context, task *Task, req Request, tr *transfer, attempt int) error {
	task.update(func(p *Progress) {
		p.State = StateUploading
		p.Attempt = attempt
		p.BytesTransferred = tr.stored
		p.Error = ""
	})

	if tr.uploadID == "" {
		id, err := o.objects.BeginUpload(ctx, tr.objectKey, req.ContentType)
		if err != nil {
			return err
		}
		tr.uploadID = id
	}

	sampler := newSampler(o.clock, o.cfg.SampleInterval, tr.stored, req.Size)
	buf := make([]byte, o.cfg.ChunkBytes)

	for tr.stored < req.Size {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := min(o.cfg.ChunkBytes, req.Size-tr.stored)
		chunk := buf[:n]
		if _, err := req.File.ReadAt(chunk, tr.stored); err != nil && err != io.EOF {
			return fmt.Errorf("%w: read source: %w", errLocal, err)
		}

		number := int32(len(tr.parts) + 1)
		part, err := o.objects.UploadPart(ctx, tr.objectKey, tr.uploadID, number, chunk)
		if err != nil {
			if errors.Is(err, domain.ErrObjectNotFound) {
				// The multipart upload vanished; start over from scratch.
				tr.uploadID, tr.parts, tr.stored = "", nil, 0
				return fmt.Errorf("%w: %w", domain.ErrStorageTransient, err)
			}
			return err
		}
		tr.parts = append(tr.parts, part)
		tr.stored += n

		speed, eta, sampled := sampler.observe(tr.stored)
		task.update(func(p *Progress) {
			p.BytesTransferred = tr.stored
			if sampled {
				p.SpeedBytesPerSec = speed
				p.ETA = eta
			}
		})
	}

	if err := o.objects.CompleteUpload(ctx, tr.objectKey, tr.uploadID, tr.parts); err != nil {
		if errors.Is(err, domain.ErrObjectNotFound) {
			tr.uploadID, tr.parts, tr.stored = "", nil, 0
			return fmt.Errorf("%w: %w", domain.ErrStorageTransient, err)
		}
		return err
	}
	return nil
}

func (o *Orchestrator) fail(task *Task, tr *transfer, attempts int, err error, log *slog.Logger) {
	if tr.uploadID != "" {
		abortCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if abortErr := o.objects.AbortUpload(abortCtx, tr.objectKey, tr.uploadID); abortErr != nil {
			log.Warn("Failed to abort multipart upload", "error", abortErr)
		}
	}

	if task.wasCancelled() || errors.Is(err, context.Canceled) {
		log.Info("Upload cancelled", "attempts", attempts)
		o.finish(task, StateCancelled, nil, domain.ErrUploadCancelled, attempts)
		return
	}

	log.Error("Upload failed", "attempts", attempts, "error", err)
	o.finish(task, StateFailed, nil, terminalError(err), attempts)
}

// discard removes stored bytes that will never be attached. The sweeper's
// prefix pass reclaims them if this fails.
func (o *Orchestrator) discard(objectKey string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := o.objects.Delete(ctx, objectKey); err != nil {
		log.Warn("Failed to delete unattached object", "object_key", objectKey, "error", err)
	}
}

func (o *Orchestrator) finish(task *Task, state State, result *Result, err error, attempts int) {
	o.metrics.UploadsTotal.WithLabelValues(string(state)).Inc()
	o.metrics.Attempts.Observe(float64(attempts))
	o.metrics.Duration.Observe(o.clock.Since(task.StartedAt).Seconds())
	task.finish(state, result, err)
}

// errLocal marks failures of the source file rather than the store.
var errLocal = errors.New("local read failure")

// classify maps storage failures to retry actions: throttling waits longer,
// quota and auth failures are final, anything else unknown is retried.
func classify(err error) retry.Action {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retry.Stop
	case errors.Is(err, errLocal):
		return retry.Stop
	case errors.Is(err, domain.ErrStorageQuota), errors.Is(err, domain.ErrStorageAuth):
		return retry.Stop
	case errors.Is(err, domain.ErrStorageRateLimited):
		return retry.After
	default:
		return retry.Retry
	}
}

// terminalError turns a storage failure into the error kind surfaced to clients.
func terminalError(err error) error {
	switch {
	case errors.Is(err, domain.ErrStorageQuota):
		return apperrors.QuotaError("storage quota exceeded", err)
	case errors.Is(err, domain.ErrStorageAuth):
		return apperrors.InternalError("object storage rejected credentials", err)
	default:
		return apperrors.InternalError("upload failed", err)
	}
}
