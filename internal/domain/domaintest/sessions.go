package domaintest

import (
	"context"
	"time"

	"github.com/delimatsuo/dressup-sub000/internal/domain"
)

// SessionStore is a domain.SessionStore whose methods delegate to the
// function fields. Unset session-returning methods answer with a live,
// empty session; unset error-only methods succeed.
type SessionStore struct {
	CreateFn             func(ctx context.Context) (*domain.Session, error)
	GetFn                func(ctx context.Context, id string) (*domain.Session, error)
	TouchFn              func(ctx context.Context, id string) (*domain.Session, error)
	AttachAssetFn        func(ctx context.Context, id string, asset domain.Asset) (*domain.Session, error)
	ExtendFn             func(ctx context.Context, id string, minutes int) (*domain.Session, error)
	LockFn               func(ctx context.Context, id string) error
	DeleteFn             func(ctx context.Context, id string) error
	ListExpiredFn        func(ctx context.Context, now time.Time, limit int) ([]string, error)
	InspectFn            func(ctx context.Context, id string) (*domain.Session, error)
	MarkExpiredFn        func(ctx context.Context, id string) (*domain.Session, error)
	PurgeFn              func(ctx context.Context, id string) error
	RecordSweepFailureFn func(ctx context.Context, id string) (int64, error)
}

// LiveSession returns an active session with no assets.
func LiveSession(id string) *domain.Session {
	now := time.Now().UTC()
	return &domain.Session{
		ID:             id,
		Status:         domain.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(30 * time.Minute),
		TTL:            30 * time.Minute,
		Assets:         make(map[domain.AssetKey]domain.Asset),
	}
}

func (m *SessionStore) Create(ctx context.Context) (*domain.Session, error) {
	if m.CreateFn != nil {
		return m.CreateFn(ctx)
	}
	return LiveSession("00000000-0000-4000-8000-000000000000"), nil
}

func (m *SessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, id)
	}
	return LiveSession(id), nil
}

func (m *SessionStore) Touch(ctx context.Context, id string) (*domain.Session, error) {
	if m.TouchFn != nil {
		return m.TouchFn(ctx, id)
	}
	return LiveSession(id), nil
}

func (m *SessionStore) AttachAsset(ctx context.Context, id string, asset domain.Asset) (*domain.Session, error) {
	if m.AttachAssetFn != nil {
		return m.AttachAssetFn(ctx, id, asset)
	}
	s := LiveSession(id)
	s.Assets[asset.Key] = asset
	return s, nil
}

func (m *SessionStore) Extend(ctx context.Context, id string, minutes int) (*domain.Session, error) {
	if m.ExtendFn != nil {
		return m.ExtendFn(ctx, id, minutes)
	}
	return LiveSession(id), nil
}

func (m *SessionStore) Lock(ctx context.Context, id string) error {
	if m.LockFn != nil {
		return m.LockFn(ctx, id)
	}
	return nil
}

func (m *SessionStore) Delete(ctx context.Context, id string) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, id)
	}
	return nil
}

func (m *SessionStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if m.ListExpiredFn != nil {
		return m.ListExpiredFn(ctx, now, limit)
	}
	return nil, nil
}

func (m *SessionStore) Inspect(ctx context.Context, id string) (*domain.Session, error) {
	if m.InspectFn != nil {
		return m.InspectFn(ctx, id)
	}
	return LiveSession(id), nil
}

func (m *SessionStore) MarkExpired(ctx context.Context, id string) (*domain.Session, error) {
	if m.MarkExpiredFn != nil {
		return m.MarkExpiredFn(ctx, id)
	}
	s := LiveSession(id)
	s.Status = domain.SessionExpired
	return s, nil
}

func (m *SessionStore) Purge(ctx context.Context, id string) error {
	if m.PurgeFn != nil {
		return m.PurgeFn(ctx, id)
	}
	return nil
}

func (m *SessionStore) RecordSweepFailure(ctx context.Context, id string) (int64, error) {
	if m.RecordSweepFailureFn != nil {
		return m.RecordSweepFailureFn(ctx, id)
	}
	return 1, nil
}
