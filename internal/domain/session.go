package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionExpired SessionStatus = "expired"
	SessionDeleted SessionStatus = "deleted"
)

type Category string

const (
	CategorySubject   Category = "subject"
	CategoryGarment   Category = "garment"
	CategoryGenerated Category = "generated"
)

// Uploadable reports whether clients may upload assets of this category.
// Generated assets are only ever written by the generation gateway.
func (c Category) Uploadable() bool {
	return c == CategorySubject || c == CategoryGarment
}

func (c Category) Valid() bool {
	return c.Uploadable() || c == CategoryGenerated
}

type View string

const (
	ViewFront View = "front"
	ViewSide  View = "side"
	ViewBack  View = "back"
)

func (v View) Valid() bool {
	return v == ViewFront || v == ViewSide || v == ViewBack
}

// AssetKey identifies one asset slot within a session.
type AssetKey struct {
	Category Category
	View     View
}

func (k AssetKey) String() string {
	return string(k.Category) + ":" + string(k.View)
}

func (k AssetKey) Valid() bool {
	return k.Category.Valid() && k.View.Valid()
}

// ParseAssetKey parses the "<category>:<view>" form produced by AssetKey.String.
func ParseAssetKey(s string) (AssetKey, error) {
	category, view, ok := strings.Cut(s, ":")
	if !ok {
		return AssetKey{}, fmt.Errorf("%w: %q", ErrInvalidAssetKey, s)
	}
	k := AssetKey{Category: Category(category), View: View(view)}
	if !k.Valid() {
		return AssetKey{}, fmt.Errorf("%w: %q", ErrInvalidAssetKey, s)
	}
	return k, nil
}

// SubjectFront is the minimum asset a session needs before generation.
var SubjectFront = AssetKey{Category: CategorySubject, View: ViewFront}

// Asset references stored bytes owned by exactly one session.
type Asset struct {
	SessionID   string    `json:"session_id"`
	Key         AssetKey  `json:"-"`
	URI         string    `json:"uri"`
	ContentType string    `json:"content_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

type Session struct {
	ID             string
	Status         SessionStatus
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
	TTL            time.Duration
	LockedAt       time.Time
	Assets         map[AssetKey]Asset
}

func (s *Session) Locked() bool {
	return !s.LockedAt.IsZero()
}

// MissingAssets returns the keys from required that the session does not hold.
func (s *Session) MissingAssets(required ...AssetKey) []AssetKey {
	var missing []AssetKey
	for _, k := range required {
		if _, ok := s.Assets[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// SessionStore owns session records and their asset references.
//
// Every read and mutation applies lazy expiry: a record whose expiry has
// passed is reported as ErrSessionExpired even if it has not been swept yet.
type SessionStore interface {
	// Session lifecycle

	Create(ctx context.Context) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Touch(ctx context.Context, id string) (*Session, error)
	AttachAsset(ctx context.Context, id string, asset Asset) (*Session, error)
	Extend(ctx context.Context, id string, minutes int) (*Session, error)
	Lock(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error

	// Sweeper support

	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	// Inspect returns the stored record regardless of liveness.
	Inspect(ctx context.Context, id string) (*Session, error)
	MarkExpired(ctx context.Context, id string) (*Session, error)
	Purge(ctx context.Context, id string) error
	RecordSweepFailure(ctx context.Context, id string) (int64, error)
}
