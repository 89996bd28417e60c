package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/delimatsuo/dressup-sub000/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const jobKeyPrefix = "generation:job:"

// JobStore keeps generation job handles as JSON strings with a TTL.
type JobStore struct {
	rdb *goredis.Client
	ttl time.Duration
}

var _ domain.JobStore = (*JobStore)(nil)

func NewJobStore(rdb *goredis.Client, ttl time.Duration) *JobStore {
	return &JobStore{rdb: rdb, ttl: ttl}
}

func (j *JobStore) SaveJob(ctx context.Context, job *domain.GenerationJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := j.rdb.Set(ctx, jobKeyPrefix+job.ID, payload, j.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (j *JobStore) GetJob(ctx context.Context, id string) (*domain.GenerationJob, error) {
	raw, err := j.rdb.Get(ctx, jobKeyPrefix+id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job domain.GenerationJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}
