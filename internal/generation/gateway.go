// Package generation gates try-on requests on session liveness and asset
// completeness and forwards them to the upstream generator.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/delimatsuo/dressup-sub000/internal/adapter/metrics"
	"github.com/delimatsuo/dressup-sub000/internal/domain"
	apperrors "github.com/delimatsuo/dressup-sub000/internal/platform/errors"
	"github.com/delimatsuo/dressup-sub000/internal/platform/retry"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// GeneratedFront is the slot a finished try-on image is attached to.
var GeneratedFront = domain.AssetKey{Category: domain.CategoryGenerated, View: domain.ViewFront}

const ledgerTimeout = 5 * time.Second

type Config struct {
	// URLTTL is how long the presigned asset URLs handed upstream stay valid.
	URLTTL      time.Duration
	MaxAttempts int
	RetryBase   time.Duration
}

type SubmitRequest struct {
	SessionID       string
	GarmentAssetRef string
	Instructions    string
}

// SubmitResult carries either a finished image or a job handle to poll.
type SubmitResult struct {
	Status    domain.JobStatus
	ResultURI string
	JobID     string
}

type Gateway struct {
	sessions  domain.SessionStore
	objects   domain.ObjectStore
	generator domain.Generator
	jobs      domain.JobStore
	budget    domain.GenerationBudget
	ledger    domain.GenerationLedger
	clock     clockwork.Clock
	metrics   *metrics.GenerationMetrics
	cfg       Config
	polls     singleflight.Group
}

// NewGateway wires the gateway. budget and ledger may be nil, meaning no
// daily cap and no audit trail.
func NewGateway(
	sessions domain.SessionStore,
	objects domain.ObjectStore,
	generator domain.Generator,
	jobs domain.JobStore,
	budget domain.GenerationBudget,
	ledger domain.GenerationLedger,
	clock clockwork.Clock,
	m *metrics.GenerationMetrics,
	cfg Config,
) *Gateway {
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = 15 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if ledger == nil {
		ledger = noopLedger{}
	}
	return &Gateway{
		sessions:  sessions,
		objects:   objects,
		generator: generator,
		jobs:      jobs,
		budget:    budget,
		ledger:    ledger,
		clock:     clock,
		metrics:   m,
		cfg:       cfg,
	}
}

// Submit checks the session and its assets, then sends exactly one
// normalized request upstream, retrying once on transient failure.
//
// The session's uploaded slots are locked once the upstream accepts the
// request with a result or a job id. A rejected or failed submission leaves
// them replaceable.
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	garmentKey, err := parseGarmentRef(req.SessionID, req.GarmentAssetRef)
	if err != nil {
		g.metrics.RequestsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	session, err := g.sessions.Get(ctx, req.SessionID)
	if err != nil {
		g.metrics.RequestsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	if missing := session.MissingAssets(domain.SubjectFront, garmentKey); len(missing) > 0 {
		g.metrics.RequestsTotal.WithLabelValues("rejected").Inc()
		return nil, apperrors.MissingAssetsError(missing)
	}

	if g.budget != nil {
		remaining, err := g.budget.Consume(ctx)
		if err != nil {
			g.metrics.RequestsTotal.WithLabelValues("rejected").Inc()
			return nil, err
		}
		if remaining >= 0 && remaining < 10 {
			slog.Warn("Generation budget nearly exhausted", "remaining", remaining)
		}
	}

	if _, err := g.sessions.Touch(ctx, req.SessionID); err != nil {
		return nil, err
	}

	upstreamReq, err := g.buildRequest(ctx, session, garmentKey, req.Instructions)
	if err != nil {
		return nil, err
	}

	log := slog.With("session_id", req.SessionID, "garment", garmentKey.String())
	start := g.clock.Now()

	policy := retry.Policy{
		MaxAttempts:    g.cfg.MaxAttempts,
		InitialBackoff: g.cfg.RetryBase,
		Clock:          g.clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			log.Warn("Generation request failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
	result, err := retry.Do(ctx, policy, classify, func(int) (*domain.GenerationResult, error) {
		return g.generator.Generate(ctx, upstreamReq)
	})
	g.metrics.Latency.Observe(g.clock.Since(start).Seconds())
	if err != nil {
		g.metrics.RequestsTotal.WithLabelValues("failed").Inc()
		log.Error("Generation request failed", "error", err)
		return nil, upstreamError(err)
	}

	recordID := uuid.NewString()
	if result.JobID != "" && !result.Status.Terminal() {
		recordID = result.JobID
	}
	g.recordSubmitted(ctx, domain.GenerationRecord{
		ID:          recordID,
		SessionID:   req.SessionID,
		JobID:       result.JobID,
		Status:      result.Status,
		SubmittedAt: start,
	})

	switch {
	case result.Status == domain.JobFailed:
		g.metrics.RequestsTotal.WithLabelValues("failed").Inc()
		g.recordCompleted(ctx, recordID, domain.JobFailed, "", result.Error)
		return nil, apperrors.UpstreamError("generation failed", fmt.Errorf("%w: %s", domain.ErrUpstreamRejected, result.Error))

	case result.Status == domain.JobSucceeded:
		if result.ResultURI == "" {
			g.metrics.RequestsTotal.WithLabelValues("failed").Inc()
			g.recordCompleted(ctx, recordID, domain.JobFailed, "", "empty result")
			return nil, apperrors.UpstreamError("generation returned no image", domain.ErrUpstreamRejected)
		}
		g.lockAssets(ctx, req.SessionID, log)
		g.attachResult(ctx, req.SessionID, result.ResultURI, log)
		g.recordCompleted(ctx, recordID, domain.JobSucceeded, result.ResultURI, "")
		g.metrics.RequestsTotal.WithLabelValues("succeeded").Inc()
		log.Info("Generation completed")
		return &SubmitResult{Status: domain.JobSucceeded, ResultURI: result.ResultURI}, nil
	}

	now := g.clock.Now()
	job := &domain.GenerationJob{
		ID:         uuid.NewString(),
		UpstreamID: result.JobID,
		SessionID:  req.SessionID,
		GarmentKey: garmentKey.String(),
		Status:     result.Status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := g.jobs.SaveJob(ctx, job); err != nil {
		g.metrics.RequestsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to save generation job: %w", err)
	}

	g.lockAssets(ctx, req.SessionID, log)
	g.metrics.RequestsTotal.WithLabelValues("accepted").Inc()
	log.Info("Generation accepted", "job_id", job.ID, "upstream_job_id", job.UpstreamID)
	return &SubmitResult{Status: job.Status, JobID: job.ID}, nil
}

// lockAssets freezes the uploaded slots after the upstream accepted a
// request. The generation stands even if the session ended in the meantime.
func (g *Gateway) lockAssets(ctx context.Context, sessionID string, log *slog.Logger) {
	if err := g.sessions.Lock(ctx, sessionID); err != nil {
		log.Warn("Failed to lock session assets", "error", err)
	}
}

// Status resolves a job handle, polling upstream while the job is not
// terminal. Concurrent polls of one job share a single upstream call.
func (g *Gateway) Status(ctx context.Context, jobID string) (*domain.GenerationJob, error) {
	job, err := g.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	v, err, _ := g.polls.Do(jobID, func() (any, error) {
		return g.poll(ctx, job)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.GenerationJob), nil
}

func (g *Gateway) poll(ctx context.Context, job *domain.GenerationJob) (*domain.GenerationJob, error) {
	result, err := g.generator.Poll(ctx, job.UpstreamID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			job.Status = domain.JobFailed
			job.Error = "upstream no longer knows this job"
		} else {
			return nil, upstreamError(err)
		}
	} else {
		job.Status = result.Status
		job.ResultURI = result.ResultURI
		job.Error = result.Error
	}

	if job.Status == domain.JobSucceeded && job.ResultURI == "" {
		job.Status = domain.JobFailed
		job.Error = "generation returned no image"
	}
	job.UpdatedAt = g.clock.Now()

	if err := g.jobs.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save generation job: %w", err)
	}

	if job.Status.Terminal() {
		log := slog.With("session_id", job.SessionID, "job_id", job.ID)
		if job.Status == domain.JobSucceeded {
			g.attachResult(ctx, job.SessionID, job.ResultURI, log)
			g.metrics.RequestsTotal.WithLabelValues("succeeded").Inc()
		} else {
			g.metrics.RequestsTotal.WithLabelValues("failed").Inc()
		}
		g.metrics.Latency.Observe(job.UpdatedAt.Sub(job.CreatedAt).Seconds())
		g.recordCompleted(ctx, job.UpstreamID, job.Status, job.ResultURI, job.Error)
		log.Info("Generation job finished", "status", job.Status)
	}
	return job, nil
}

// buildRequest resolves every relevant asset to a URL the upstream can fetch.
func (g *Gateway) buildRequest(ctx context.Context, session *domain.Session, garmentKey domain.AssetKey, instructions string) (domain.GenerationRequest, error) {
	req := domain.GenerationRequest{
		SessionID:    session.ID,
		Instructions: instructions,
	}

	var err error
	if req.SubjectURL, err = g.objects.URL(ctx, session.Assets[domain.SubjectFront].URI, g.cfg.URLTTL); err != nil {
		return req, fmt.Errorf("failed to sign subject url: %w", err)
	}
	if req.GarmentURL, err = g.objects.URL(ctx, session.Assets[garmentKey].URI, g.cfg.URLTTL); err != nil {
		return req, fmt.Errorf("failed to sign garment url: %w", err)
	}

	for key, asset := range session.Assets {
		if key == domain.SubjectFront || key == garmentKey || key.Category != domain.CategorySubject {
			continue
		}
		url, err := g.objects.URL(ctx, asset.URI, g.cfg.URLTTL)
		if err != nil {
			return req, fmt.Errorf("failed to sign %s url: %w", key, err)
		}
		if req.ExtraViews == nil {
			req.ExtraViews = make(map[string]string)
		}
		req.ExtraViews[key.String()] = url
	}
	return req, nil
}

// attachResult stores the finished image on the session. The image already
// exists upstream, so a failure here is logged and the result still returned.
func (g *Gateway) attachResult(ctx context.Context, sessionID, resultURI string, log *slog.Logger) {
	asset := domain.Asset{
		SessionID:  sessionID,
		Key:        GeneratedFront,
		URI:        resultURI,
		UploadedAt: g.clock.Now(),
	}
	if _, err := g.sessions.AttachAsset(ctx, sessionID, asset); err != nil {
		log.Warn("Failed to attach generated asset", "error", err)
	}
}

func (g *Gateway) recordSubmitted(ctx context.Context, rec domain.GenerationRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()
	if err := g.ledger.RecordSubmitted(ctx, rec); err != nil {
		slog.Warn("Failed to record generation submit", "id", rec.ID, "error", err)
	}
}

func (g *Gateway) recordCompleted(ctx context.Context, id string, status domain.JobStatus, resultURI, errMsg string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()
	if err := g.ledger.RecordCompleted(ctx, id, status, resultURI, errMsg, g.clock.Now()); err != nil {
		slog.Warn("Failed to record generation completion", "id", id, "error", err)
	}
}

func parseGarmentRef(sessionID, ref string) (domain.AssetKey, error) {
	if sessionID == "" {
		return domain.AssetKey{}, apperrors.ValidationError("sessionId is required")
	}
	if ref == "" {
		return domain.AssetKey{}, apperrors.ValidationError("garmentAssetRef is required")
	}
	key, err := domain.ParseAssetKey(ref)
	if err != nil || key.Category != domain.CategoryGarment {
		return domain.AssetKey{}, apperrors.ValidationError(fmt.Sprintf("garmentAssetRef must name a garment asset such as garment:front, got %q", ref)).
			WithField("garmentAssetRef", ref)
	}
	return key, nil
}

// classify retries only transient upstream failures.
func classify(err error) retry.Action {
	if errors.Is(err, domain.ErrUpstreamTransient) {
		return retry.Retry
	}
	return retry.Stop
}

func upstreamError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperrors.UpstreamError("generation upstream failed", err)
}

type noopLedger struct{}

func (noopLedger) RecordSubmitted(context.Context, domain.GenerationRecord) error { return nil }
func (noopLedger) RecordCompleted(context.Context, string, domain.JobStatus, string, string, time.Time) error {
	return nil
}
