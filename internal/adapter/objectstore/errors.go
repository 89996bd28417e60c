package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
	"github.com/delimatsuo/dressup-sub000/internal/domain"
)

// classify wraps an SDK error with the domain storage class it belongs to so
// callers can decide on retries without importing the SDK.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		// No API answer at all: dial failures, resets, timeouts.
		return fmt.Errorf("%w: %w", domain.ErrStorageTransient, err)
	}

	switch apiErr.ErrorCode() {
	case "SlowDown", "Throttling", "ThrottlingException", "TooManyRequests", "RequestLimitExceeded":
		return fmt.Errorf("%w: %w", domain.ErrStorageRateLimited, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
		return fmt.Errorf("%w: %w", domain.ErrStorageAuth, err)
	case "QuotaExceeded", "ServiceQuotaExceeded", "EntityTooLarge", "InsufficientStorage":
		return fmt.Errorf("%w: %w", domain.ErrStorageQuota, err)
	case "NoSuchKey", "NotFound", "NoSuchUpload":
		return fmt.Errorf("%w: %w", domain.ErrObjectNotFound, err)
	}

	if apiErr.ErrorFault() == smithy.FaultServer {
		return fmt.Errorf("%w: %w", domain.ErrStorageTransient, err)
	}
	return err
}
