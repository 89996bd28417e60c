package upload

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"slices"
	"strings"

	"github.com/delimatsuo/dressup-sub000/internal/domain"
	apperrors "github.com/delimatsuo/dressup-sub000/internal/platform/errors"
)

// AllowedContentTypes are the image formats accepted for upload.
var AllowedContentTypes = []string{"image/jpeg", "image/png", "image/webp"}

const sniffLen = 512

// validateRequest runs the checks that need no collaborators. Every failure
// is a validation error and is never retried.
func validateRequest(req Request, maxBytes int64) (string, error) {
	if req.SessionID == "" {
		return "", apperrors.ValidationError("sessionId is required")
	}
	if !req.Key.Category.Uploadable() {
		return "", apperrors.ValidationError(fmt.Sprintf("category must be subject or garment, got %q", req.Key.Category)).
			WithField("category", string(req.Key.Category))
	}
	if !req.Key.View.Valid() {
		return "", apperrors.ValidationError(fmt.Sprintf("view must be front, side or back, got %q", req.Key.View)).
			WithField("view", string(req.Key.View))
	}
	if req.Size <= 0 || req.File == nil {
		return "", apperrors.ValidationError("file is empty")
	}
	if req.Size > maxBytes {
		return "", apperrors.ValidationError(fmt.Sprintf("file is %d bytes, limit is %d", req.Size, maxBytes)).
			WithField("size_bytes", req.Size).
			WithField("max_bytes", maxBytes)
	}

	head := make([]byte, min(req.Size, sniffLen))
	n, err := req.File.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return "", apperrors.ValidationError("file is unreadable")
	}
	sniffed := http.DetectContentType(head[:n])
	if !slices.Contains(AllowedContentTypes, sniffed) {
		return "", apperrors.ValidationError(fmt.Sprintf("file type %s is not allowed", sniffed)).
			WithField("allowed", AllowedContentTypes)
	}

	if req.ContentType != "" {
		declared, _, err := mime.ParseMediaType(req.ContentType)
		if err != nil || !strings.EqualFold(declared, sniffed) {
			return "", apperrors.ValidationError(fmt.Sprintf("declared type %q does not match file content %s", req.ContentType, sniffed))
		}
	}

	return sniffed, nil
}

// checkSlot rejects uploads that could never be attached, before any bytes move.
func checkSlot(session *domain.Session, key domain.AssetKey) error {
	if _, exists := session.Assets[key]; exists && session.Locked() {
		return domain.ErrAssetLocked
	}
	return nil
}
