package domain

import "errors"

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExpired   = errors.New("session expired")
	ErrAssetLocked      = errors.New("asset is locked after generation submit")
	ErrLifetimeExceeded = errors.New("session lifetime limit reached")
	ErrInvalidAssetKey  = errors.New("invalid asset key")

	// ErrSessionLive is returned to the sweeper when a record it selected was
	// touched again before it could be marked expired.
	ErrSessionLive = errors.New("session still live")

	ErrJobNotFound = errors.New("generation job not found")

	// ErrBudgetExhausted is returned when the daily generation budget is used up.
	ErrBudgetExhausted = errors.New("generation budget exhausted")

	// ErrOrphanedUpload means the bytes were stored but the session died
	// before the asset could be attached.
	ErrOrphanedUpload  = errors.New("upload orphaned: session ended before attach")
	ErrUploadCancelled = errors.New("upload cancelled")
)

// Object storage failure classes. Adapters wrap their native errors with one
// of these so callers can classify without knowing the backend.
var (
	ErrStorageTransient   = errors.New("transient storage failure")
	ErrStorageRateLimited = errors.New("storage rate limited")
	ErrStorageQuota       = errors.New("storage quota exceeded")
	ErrStorageAuth        = errors.New("storage authorization failed")
	ErrObjectNotFound     = errors.New("object not found")
)

// Upstream generator failure classes.
var (
	ErrUpstreamTransient = errors.New("transient upstream failure")
	ErrUpstreamRejected  = errors.New("upstream rejected request")
)
