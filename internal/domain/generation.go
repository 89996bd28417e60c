package domain

import (
	"context"
	"time"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// GenerationRequest is the normalized request sent to the upstream generator.
type GenerationRequest struct {
	SessionID    string            `json:"session_id"`
	SubjectURL   string            `json:"subject_url"`
	GarmentURL   string            `json:"garment_url"`
	ExtraViews   map[string]string `json:"extra_views,omitempty"`
	Instructions string            `json:"instructions,omitempty"`
}

// GenerationResult is what the upstream answers: either a finished image
// (Status succeeded, ResultURI set) or a handle to poll (JobID set).
type GenerationResult struct {
	JobID     string
	Status    JobStatus
	ResultURI string
	Error     string
}

// GenerationJob is the locally persisted handle for an asynchronous generation.
type GenerationJob struct {
	ID         string    `json:"id"`
	UpstreamID string    `json:"upstream_id"`
	SessionID  string    `json:"session_id"`
	GarmentKey string    `json:"garment_key"`
	Status     JobStatus `json:"status"`
	ResultURI  string    `json:"result_uri,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Generator is the external image-generation collaborator.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error)
	Poll(ctx context.Context, upstreamJobID string) (*GenerationResult, error)
}

type JobStore interface {
	SaveJob(ctx context.Context, job *GenerationJob) error
	GetJob(ctx context.Context, id string) (*GenerationJob, error)
}

// GenerationBudget caps how many generations may be submitted per day
// across all instances.
type GenerationBudget interface {
	Consume(ctx context.Context) (remaining int64, err error)
}

// GenerationRecord is one row of the generation audit trail.
type GenerationRecord struct {
	ID          string
	SessionID   string
	JobID       string
	Status      JobStatus
	ResultURI   string
	Error       string
	SubmittedAt time.Time
	CompletedAt time.Time
}

// GenerationLedger keeps a durable history of submissions.
type GenerationLedger interface {
	RecordSubmitted(ctx context.Context, rec GenerationRecord) error
	RecordCompleted(ctx context.Context, id string, status JobStatus, resultURI, errMsg string, at time.Time) error
}
