package domain

import (
	"context"
	"time"
)

// CompletedPart is one durably stored chunk of a multipart upload.
type CompletedPart struct {
	Number int32
	ETag   string
	Size   int64
}

// ObjectStore is the object-storage collaborator holding asset bytes.
type ObjectStore interface {
	BeginUpload(ctx context.Context, key, contentType string) (uploadID string, err error)
	UploadPart(ctx context.Context, key, uploadID string, number int32, data []byte) (CompletedPart, error)
	CompleteUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error
	AbortUpload(ctx context.Context, key, uploadID string) error

	URL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every object under prefix and reports how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// SessionPrefix is the object-key prefix under which all of a session's bytes live.
func SessionPrefix(sessionID string) string {
	return "sessions/" + sessionID + "/"
}

// AssetObjectKey returns the object key for an uploaded asset.
func AssetObjectKey(sessionID string, key AssetKey, uploadID string) string {
	return SessionPrefix(sessionID) + string(key.Category) + "/" + string(key.View) + "-" + uploadID
}
