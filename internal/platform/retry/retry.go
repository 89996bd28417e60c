package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

type Action int

const (
	Stop  Action = iota // permanent error, abort immediately
	Retry               // transient error, use normal backoff
	After               // rate-limited, use longer backoff
)

// Policy is shared by every call site that retries: object storage transfers
// and upstream generation submits.
type Policy struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	RateLimitBackoff time.Duration
	// MaxBackoff caps any single wait. Zero means no cap.
	MaxBackoff time.Duration
	OnRetry    func(attempt int, err error, backoff time.Duration)
	// Clock times the waits between attempts. Nil means the real clock.
	Clock clockwork.Clock
}

type Classify func(err error) Action
type Operation[T any] func(attempt int) (T, error)
type VoidOperation func(attempt int) error

// backoff is InitialBackoff * 2^(attempt-1), so the first retry waits
// InitialBackoff. Throttling uses RateLimitBackoff as the base instead.
func (p Policy) backoff(attempt int, action Action) time.Duration {
	base := p.InitialBackoff
	if action == After && p.RateLimitBackoff > 0 {
		base = p.RateLimitBackoff
	}
	d := base << (attempt - 1)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

func (p Policy) clock() clockwork.Clock {
	if p.Clock == nil {
		return clockwork.NewRealClock()
	}
	return p.Clock
}

func Do[T any](ctx context.Context, p Policy, classify Classify, op Operation[T]) (T, error) {
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		val, err := op(attempt)
		if err == nil {
			return val, nil
		}

		action := classify(err)
		if action == Stop {
			var zero T
			return zero, &PermanentError{Err: err, Attempts: attempt}
		}

		if attempt == p.MaxAttempts {
			var zero T
			return zero, &ExhaustedError{Err: err, Attempts: attempt}
		}

		backoff := p.backoff(attempt, action)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, backoff)
		}

		select {
		case <-p.clock().After(backoff):
		case <-ctx.Done():
			var zero T
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	panic("unreachable: MaxAttempts must be >= 1")
}

func DoVoid(ctx context.Context, p Policy, classify Classify, op VoidOperation) error {
	_, err := Do(ctx, p, classify, func(attempt int) (struct{}, error) { return struct{}{}, op(attempt) })
	return err
}

type PermanentError struct {
	Err      error
	Attempts int
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// ExhaustedError reports that every attempt failed with a retryable error.
type ExhaustedError struct {
	Err      error
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Err)
}
func (e *ExhaustedError) Unwrap() error { return e.Err }
