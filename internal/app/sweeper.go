package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/delimatsuo/dressup-sub000/internal/adapter/metrics"
	"github.com/delimatsuo/dressup-sub000/internal/domain"
	"github.com/delimatsuo/dressup-sub000/internal/platform/correlation"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const releaseTimeout = 5 * time.Second

// Leader gates the scheduled sweep in a multi-instance deployment.
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	// MaxFailures is the number of failed passes after which a session is
	// purged even though some of its objects could not be deleted.
	MaxFailures int64
	// MaxBatches bounds the work of one pass.
	MaxBatches int
	// DeleteConcurrency bounds parallel object deletes per session.
	DeleteConcurrency int
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = 10
	}
	if c.DeleteConcurrency <= 0 {
		c.DeleteConcurrency = 4
	}
	return c
}

// SweepResult summarises one pass.
type SweepResult struct {
	DeletedSessions int  `json:"deletedSessions"`
	DeletedAssets   int  `json:"deletedAssets"`
	FailedSessions  int  `json:"failedSessions"`
	ForcedSessions  int  `json:"forcedSessions"`
	SkippedSessions int  `json:"skippedSessions"`
	DryRun          bool `json:"dryRun"`
}

// Sweeper purges expired sessions and the objects they own. Objects are
// always deleted before the record, so a crash mid-pass leaves the record in
// the expiry index for the next pass.
type Sweeper struct {
	sessions domain.SessionStore
	objects  domain.ObjectStore
	leader   Leader
	clock    clockwork.Clock
	metrics  *metrics.SweepMetrics
	cfg      SweeperConfig

	passMu  sync.Mutex
	leading bool
}

// NewSweeper creates a sweeper. leader may be nil, in which case every
// scheduled tick sweeps.
func NewSweeper(sessions domain.SessionStore, objects domain.ObjectStore, leader Leader, clock clockwork.Clock, m *metrics.SweepMetrics, cfg SweeperConfig) *Sweeper {
	return &Sweeper{
		sessions: sessions,
		objects:  objects,
		leader:   leader,
		clock:    clock,
		metrics:  m,
		cfg:      cfg.withDefaults(),
	}
}

// Run sweeps on every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	defer s.releaseLeadership(ctx)

	slog.Info("Sweeper started", "interval", s.cfg.Interval, "batch_size", s.cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if !s.ensureLeader(ctx) {
		slog.Debug("Sweep skipped, another instance is leader")
		return
	}
	if _, err := s.Sweep(ctx, false); err != nil && ctx.Err() == nil {
		slog.Error("Scheduled sweep failed", "error", err)
	}
}

func (s *Sweeper) ensureLeader(ctx context.Context) bool {
	if s.leader == nil {
		return true
	}

	if s.leading {
		err := s.leader.Renew(ctx)
		if err == nil {
			return true
		}
		slog.Warn("Sweep leadership lost", "error", err)
		s.leading = false
	}

	ok, err := s.leader.TryAcquire(ctx)
	if err != nil {
		slog.Warn("Failed to acquire sweep leadership", "error", err)
		return false
	}
	if ok {
		slog.Info("Acquired sweep leadership")
	}
	s.leading = ok
	return ok
}

func (s *Sweeper) releaseLeadership(ctx context.Context) {
	if s.leader == nil || !s.leading {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.leader.Release(releaseCtx); err != nil {
		slog.Warn("Failed to release sweep leadership", "error", err)
	}
	s.leading = false
}

// Sweep runs one pass over sessions whose expiry has passed. A dry run
// reports what would be deleted without changing anything.
//
// Passes on one instance are serialised.
func (s *Sweeper) Sweep(ctx context.Context, dryRun bool) (SweepResult, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	ctx, _ = correlation.Ensure(ctx)
	start := s.clock.Now()

	var (
		res SweepResult
		err error
	)
	if dryRun {
		res, err = s.dryRun(ctx)
	} else {
		res, err = s.sweep(ctx)
	}

	elapsed := s.clock.Since(start)
	s.metrics.Duration.Observe(elapsed.Seconds())
	switch {
	case err != nil:
		s.metrics.Runs.WithLabelValues("error").Inc()
		slog.ErrorContext(ctx, "Sweep aborted", "error", err, "deleted_sessions", res.DeletedSessions)
		return res, err
	case dryRun:
		s.metrics.Runs.WithLabelValues("dry_run").Inc()
	default:
		s.metrics.Runs.WithLabelValues("ok").Inc()
		s.metrics.DeletedSessions.Add(float64(res.DeletedSessions + res.ForcedSessions))
		s.metrics.DeletedAssets.Add(float64(res.DeletedAssets))
	}

	slog.InfoContext(ctx, "Sweep finished",
		"dry_run", dryRun,
		"deleted_sessions", res.DeletedSessions,
		"deleted_assets", res.DeletedAssets,
		"failed_sessions", res.FailedSessions,
		"forced_sessions", res.ForcedSessions,
		"skipped_sessions", res.SkippedSessions,
		"duration", elapsed,
	)
	return res, nil
}

type outcome int

const (
	outcomePurged outcome = iota
	outcomeForced
	outcomeFailed
	outcomeSkipped
)

func (s *Sweeper) sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	// Sessions that failed or were skipped stay in the index. Each is
	// attempted once per pass, so a failure counts against MaxFailures at
	// most once per pass.
	retained := make(map[string]struct{})
	for range s.cfg.MaxBatches {
		limit := s.cfg.BatchSize + len(retained)
		ids, err := s.sessions.ListExpired(ctx, s.clock.Now(), limit)
		if err != nil {
			return res, err
		}

		fresh := make([]string, 0, len(ids))
		for _, id := range ids {
			if _, seen := retained[id]; !seen {
				fresh = append(fresh, id)
			}
		}
		if len(fresh) == 0 {
			break
		}

		for _, id := range fresh {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			switch s.sweepSession(ctx, id, &res) {
			case outcomeFailed, outcomeSkipped:
				retained[id] = struct{}{}
			}
		}

		if len(ids) < limit {
			break
		}
	}
	return res, nil
}

func (s *Sweeper) sweepSession(ctx context.Context, id string, res *SweepResult) outcome {
	log := slog.With("session_id", id)

	session, err := s.sessions.MarkExpired(ctx, id)
	switch {
	case errors.Is(err, domain.ErrSessionLive):
		res.SkippedSessions++
		log.DebugContext(ctx, "Session touched since listing, skipping")
		return outcomeSkipped
	case errors.Is(err, domain.ErrSessionNotFound):
		// Record already gone; stray objects under the prefix may remain.
		session = nil
	case err != nil:
		return s.recordFailure(ctx, id, res, fmt.Errorf("mark expired: %w", err))
	}

	deleted, err := s.deleteObjects(ctx, id, session)
	res.DeletedAssets += deleted
	if err != nil {
		return s.recordFailure(ctx, id, res, err)
	}

	if err := s.sessions.Purge(ctx, id); err != nil {
		return s.recordFailure(ctx, id, res, fmt.Errorf("purge: %w", err))
	}

	res.DeletedSessions++
	log.DebugContext(ctx, "Session purged", "deleted_assets", deleted)
	return outcomePurged
}

// deleteObjects removes the session's referenced objects, then anything else
// stored under its prefix. Generated images hosted upstream are not ours to
// delete.
func (s *Sweeper) deleteObjects(ctx context.Context, id string, session *domain.Session) (int, error) {
	prefix := domain.SessionPrefix(id)

	var (
		g       errgroup.Group
		deleted atomic.Int64
	)
	g.SetLimit(s.cfg.DeleteConcurrency)
	for _, key := range ownedKeys(prefix, session) {
		g.Go(func() error {
			if err := s.objects.Delete(ctx, key); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
			deleted.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(deleted.Load()), err
	}

	stray, err := s.objects.DeletePrefix(ctx, prefix)
	total := int(deleted.Load()) + stray
	if err != nil {
		return total, fmt.Errorf("delete prefix: %w", err)
	}
	return total, nil
}

func (s *Sweeper) recordFailure(ctx context.Context, id string, res *SweepResult, cause error) outcome {
	res.FailedSessions++
	s.metrics.Failures.Inc()
	log := slog.With("session_id", id)

	failures, err := s.sessions.RecordSweepFailure(ctx, id)
	if err != nil {
		log.ErrorContext(ctx, "Failed to record sweep failure", "cause", cause, "error", err)
		return outcomeFailed
	}

	if failures < s.cfg.MaxFailures {
		log.WarnContext(ctx, "Session sweep failed, will retry next pass", "failures", failures, "error", cause)
		return outcomeFailed
	}

	log.WarnContext(ctx, "Force-purging session after repeated sweep failures", "failures", failures, "error", cause)
	if err := s.sessions.Purge(ctx, id); err != nil {
		log.ErrorContext(ctx, "Force purge failed", "error", err)
		return outcomeFailed
	}
	res.ForcedSessions++
	s.metrics.Forced.Inc()
	return outcomeForced
}

func (s *Sweeper) dryRun(ctx context.Context) (SweepResult, error) {
	res := SweepResult{DryRun: true}

	ids, err := s.sessions.ListExpired(ctx, s.clock.Now(), s.cfg.BatchSize*s.cfg.MaxBatches)
	if err != nil {
		return res, err
	}

	for _, id := range ids {
		session, err := s.sessions.Inspect(ctx, id)
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			session = nil
		case err != nil:
			return res, fmt.Errorf("inspect %s: %w", id, err)
		case session.Status == domain.SessionActive && !s.clock.Now().After(session.ExpiresAt):
			res.SkippedSessions++
			continue
		}
		res.DeletedSessions++
		res.DeletedAssets += len(ownedKeys(domain.SessionPrefix(id), session))
	}
	return res, nil
}

func ownedKeys(prefix string, session *domain.Session) []string {
	if session == nil {
		return nil
	}
	var keys []string
	for _, asset := range session.Assets {
		if strings.HasPrefix(asset.URI, prefix) {
			keys = append(keys, asset.URI)
		}
	}
	return keys
}
