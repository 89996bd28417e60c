package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/delimatsuo/dressup-sub000/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// GenerationLedger is the audit trail of generation submissions.
type GenerationLedger struct {
	pool *pgxpool.Pool
}

var _ domain.GenerationLedger = (*GenerationLedger)(nil)

func NewGenerationLedger(pool *pgxpool.Pool) *GenerationLedger {
	return &GenerationLedger{pool: pool}
}

func (l *GenerationLedger) RecordSubmitted(ctx context.Context, rec domain.GenerationRecord) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO generations (id, session_id, job_id, status, submitted_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.SessionID, rec.JobID, string(rec.Status), rec.SubmittedAt)
	if err != nil {
		return fmt.Errorf("failed to record generation submit: %w", err)
	}
	return nil
}

func (l *GenerationLedger) RecordCompleted(ctx context.Context, id string, status domain.JobStatus, resultURI, errMsg string, at time.Time) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE generations
		SET status = $2, result_uri = NULLIF($3, ''), error = NULLIF($4, ''), completed_at = $5
		WHERE id = $1`,
		id, string(status), resultURI, errMsg, at)
	if err != nil {
		return fmt.Errorf("failed to record generation completion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("generation %s: %w", id, domain.ErrJobNotFound)
	}
	return nil
}

// Get returns one ledger row.
func (l *GenerationLedger) Get(ctx context.Context, id string) (*domain.GenerationRecord, error) {
	var (
		rec                          domain.GenerationRecord
		status                       string
		jobID, resultURI, errMessage *string
		completedAt                  *time.Time
	)
	err := l.pool.QueryRow(ctx, `
		SELECT id, session_id, job_id, status, result_uri, error, submitted_at, completed_at
		FROM generations WHERE id = $1`, id).
		Scan(&rec.ID, &rec.SessionID, &jobID, &status, &resultURI, &errMessage, &rec.SubmittedAt, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get generation: %w", err)
	}

	rec.Status = domain.JobStatus(status)
	rec.JobID = deref(jobID)
	rec.ResultURI = deref(resultURI)
	rec.Error = deref(errMessage)
	if completedAt != nil {
		rec.CompletedAt = *completedAt
	}
	return &rec, nil
}

// Stats summarises the generations submitted since a point in time.
type Stats struct {
	Submitted  int64
	Succeeded  int64
	Failed     int64
	AvgLatency time.Duration
}

// SuccessRate is the share of finished generations that succeeded.
func (s Stats) SuccessRate() float64 {
	finished := s.Succeeded + s.Failed
	if finished == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(finished)
}

func (l *GenerationLedger) StatsSince(ctx context.Context, since time.Time) (Stats, error) {
	var (
		stats     Stats
		avgMillis *float64
	)
	err := l.pool.QueryRow(ctx, `
		SELECT
			count(*),
			count(*) FILTER (WHERE status = 'succeeded'),
			count(*) FILTER (WHERE status = 'failed'),
			(avg(EXTRACT(EPOCH FROM (completed_at - submitted_at)) * 1000) FILTER (WHERE completed_at IS NOT NULL))::float8
		FROM generations WHERE submitted_at >= $1`, since).
		Scan(&stats.Submitted, &stats.Succeeded, &stats.Failed, &avgMillis)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to aggregate generations: %w", err)
	}
	if avgMillis != nil {
		stats.AvgLatency = time.Duration(*avgMillis * float64(time.Millisecond))
	}
	return stats, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
