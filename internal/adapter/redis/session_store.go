package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/delimatsuo/dressup-sub000/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const (
	// Redis hash field names for session keys.
	fieldCreatedAt    = "created_at"
	fieldLastActivity = "last_activity"
	fieldExpiresAt    = "expires_at"
	fieldTTL          = "ttl_ms"
	fieldStatus       = "status"
	fieldLockedAt     = "locked_at"
	assetFieldPrefix  = "asset:"

	expiryIndexKey    = "sessions:expiry"
	sweepFailuresKey  = "sessions:sweep_failures"

	sessionKeyPrefix   = "session:"
	defaultListExpiry  = 100
	defaultMaxLifetime = 24 * time.Hour
	reindexScanCount   = 100
)

// SessionStoreConfig holds the timing knobs of the session store.
type SessionStoreConfig struct {
	TTL         time.Duration
	MaxLifetime time.Duration
	// RecordGrace keeps the physical record around after logical expiry so
	// the sweeper can still find its asset references.
	RecordGrace time.Duration
}

// SessionStore keeps one hash per session plus a sorted-set expiry index.
// Asset references are separate hash fields so concurrent uploads of
// different slots never overwrite each other.
type SessionStore struct {
	rdb   *goredis.Client
	clock clockwork.Clock
	cfg   SessionStoreConfig
}

var _ domain.SessionStore = (*SessionStore)(nil)

func NewSessionStore(rdb *goredis.Client, clock clockwork.Clock, cfg SessionStoreConfig) *SessionStore {
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = defaultMaxLifetime
	}
	return &SessionStore{rdb: rdb, clock: clock, cfg: cfg}
}

// --- Session lifecycle ---

func (s *SessionStore) Create(ctx context.Context) (*domain.Session, error) {
	id := uuid.NewString()
	now := s.clock.Now().UnixMilli()
	ttl := s.cfg.TTL.Milliseconds()
	expires := now + ttl

	sk := sessionKey(id)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, sk, map[string]any{
		fieldCreatedAt:    now,
		fieldLastActivity: now,
		fieldExpiresAt:    expires,
		fieldTTL:          ttl,
		fieldStatus:       string(domain.SessionActive),
		fieldLockedAt:     "0",
	})
	pipe.PExpireAt(ctx, sk, time.UnixMilli(expires).Add(s.cfg.RecordGrace))
	pipe.ZAdd(ctx, expiryIndexKey, goredis.Z{Score: float64(expires), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &domain.Session{
		ID:             id,
		Status:         domain.SessionActive,
		CreatedAt:      time.UnixMilli(now).UTC(),
		LastActivityAt: time.UnixMilli(now).UTC(),
		ExpiresAt:      time.UnixMilli(expires).UTC(),
		TTL:            s.cfg.TTL,
		Assets:         map[domain.AssetKey]domain.Asset{},
	}, nil
}

// Get applies lazy expiry: an existing record past its expiry is reported as
// expired, never returned.
func (s *SessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	if !validID(id) {
		return nil, domain.ErrSessionNotFound
	}

	fields, err := s.rdb.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrSessionNotFound
	}

	session, err := decodeSession(id, fields)
	if err != nil {
		return nil, err
	}
	if session.Status == domain.SessionDeleted {
		return nil, domain.ErrSessionNotFound
	}
	if session.Status != domain.SessionActive || s.clock.Now().After(session.ExpiresAt) {
		return nil, domain.ErrSessionExpired
	}
	return session, nil
}

// Inspect reads a record without the liveness check. Sweeps use it to
// report what they would delete.
func (s *SessionStore) Inspect(ctx context.Context, id string) (*domain.Session, error) {
	if !validID(id) {
		return nil, domain.ErrSessionNotFound
	}

	fields, err := s.rdb.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to inspect session: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrSessionNotFound
	}
	return decodeSession(id, fields)
}

func (s *SessionStore) Touch(ctx context.Context, id string) (*domain.Session, error) {
	if !validID(id) {
		return nil, domain.ErrSessionNotFound
	}
	res, err := touchScript.Run(ctx, s.rdb, []string{sessionKey(id), expiryIndexKey},
		s.nowMs(), s.cfg.RecordGrace.Milliseconds(), id, s.cfg.MaxLifetime.Milliseconds(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("touch script failed: %w", err)
	}
	return scriptSession(id, res)
}

func (s *SessionStore) AttachAsset(ctx context.Context, id string, asset domain.Asset) (*domain.Session, error) {
	if !validID(id) {
		return nil, domain.ErrSessionNotFound
	}
	if !asset.Key.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidAssetKey, asset.Key.String())
	}

	asset.SessionID = id
	payload, err := json.Marshal(asset)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal asset: %w", err)
	}

	lockable := "0"
	if asset.Key.Category.Uploadable() {
		lockable = "1"
	}

	res, err := attachScript.Run(ctx, s.rdb, []string{sessionKey(id), expiryIndexKey},
		s.nowMs(), s.cfg.RecordGrace.Milliseconds(), id,
		assetField(asset.Key), string(payload), lockable, s.cfg.MaxLifetime.Milliseconds(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("attach script failed: %w", err)
	}
	return scriptSession(id, res)
}

// Extend grows the session's TTL by minutes. The resulting expiry never
// exceeds CreatedAt + MaxLifetime.
func (s *SessionStore) Extend(ctx context.Context, id string, minutes int) (*domain.Session, error) {
	if !validID(id) {
		return nil, domain.ErrSessionNotFound
	}
	extra := (time.Duration(minutes) * time.Minute).Milliseconds()

	res, err := extendScript.Run(ctx, s.rdb, []string{sessionKey(id), expiryIndexKey},
		s.nowMs(), s.cfg.RecordGrace.Milliseconds(), id,
		extra, s.cfg.MaxLifetime.Milliseconds(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("extend script failed: %w", err)
	}
	return scriptSession(id, res)
}

func (s *SessionStore) Lock(ctx context.Context, id string) error {
	if !validID(id) {
		return domain.ErrSessionNotFound
	}
	code, err := lockScript.Run(ctx, s.rdb, []string{sessionKey(id)}, s.nowMs()).Int64()
	if err != nil {
		return fmt.Errorf("lock script failed: %w", err)
	}
	return codeError(code)
}

// Delete is idempotent. It leaves a deleted tombstone behind; the sweeper
// removes the stored bytes and then the tombstone itself.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return nil
	}
	if err := deleteScript.Run(ctx, s.rdb, []string{sessionKey(id), expiryIndexKey}, id).Err(); err != nil {
		return fmt.Errorf("delete script failed: %w", err)
	}
	return nil
}

// --- Sweeper support ---

// ListExpired returns up to limit session ids whose expiry lies before now,
// oldest first. Deleted sessions sort first with score 0.
func (s *SessionStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultListExpiry
	}
	ids, err := s.rdb.ZRangeByScore(ctx, expiryIndexKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	return ids, nil
}

// MarkExpired transitions a lapsed session to expired and returns it with its
// assets. Returns ErrSessionNotFound when the record is already gone and
// ErrSessionLive when it was touched after being listed.
func (s *SessionStore) MarkExpired(ctx context.Context, id string) (*domain.Session, error) {
	res, err := markExpiredScript.Run(ctx, s.rdb, []string{sessionKey(id)}, s.nowMs()).Result()
	if err != nil {
		return nil, fmt.Errorf("mark expired script failed: %w", err)
	}
	return scriptSession(id, res)
}

// Purge removes the record, its index entry and its failure counter.
func (s *SessionStore) Purge(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.ZRem(ctx, expiryIndexKey, id)
	pipe.HDel(ctx, sweepFailuresKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to purge session: %w", err)
	}
	return nil
}

func (s *SessionStore) RecordSweepFailure(ctx context.Context, id string) (int64, error) {
	n, err := s.rdb.HIncrBy(ctx, sweepFailuresKey, id, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to record sweep failure: %w", err)
	}
	return n, nil
}

// Reindex scans every session record and restores missing expiry index
// entries, so records written while the index was lost still get swept.
// Existing entries keep their score.
func (s *SessionStore) Reindex(ctx context.Context, dryRun bool) (scanned, added int, err error) {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, sessionKeyPrefix+"*", reindexScanCount).Result()
		if err != nil {
			return scanned, added, fmt.Errorf("scan failed: %w", err)
		}

		for _, key := range keys {
			scanned++
			id := strings.TrimPrefix(key, sessionKeyPrefix)

			vals, err := s.rdb.HMGet(ctx, key, fieldExpiresAt, fieldStatus).Result()
			if err != nil {
				return scanned, added, fmt.Errorf("failed to read %s: %w", key, err)
			}
			raw, _ := vals[0].(string)
			if raw == "" {
				slog.Debug("Session record without expiry", "session_id", id)
				continue
			}
			expires, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				slog.Warn("Invalid expiry on session record", "session_id", id, "value", raw)
				continue
			}
			if status, _ := vals[1].(string); status == string(domain.SessionDeleted) {
				expires = 0
			}

			if dryRun {
				_, err := s.rdb.ZScore(ctx, expiryIndexKey, id).Result()
				if errors.Is(err, goredis.Nil) {
					added++
				} else if err != nil {
					return scanned, added, fmt.Errorf("zscore failed for %s: %w", id, err)
				}
				continue
			}

			n, err := s.rdb.ZAddNX(ctx, expiryIndexKey, goredis.Z{Score: float64(expires), Member: id}).Result()
			if err != nil {
				return scanned, added, fmt.Errorf("zadd failed for %s: %w", id, err)
			}
			added += int(n)
		}

		cursor = next
		if cursor == 0 {
			return scanned, added, nil
		}
	}
}

// --- Helpers ---

func (s *SessionStore) nowMs() int64 {
	return s.clock.Now().UnixMilli()
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func assetField(key domain.AssetKey) string {
	return assetFieldPrefix + key.String()
}

// validID keeps arbitrary client input out of the key space.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func codeError(code int64) error {
	switch code {
	case 0:
		return nil
	case codeNotFound:
		return domain.ErrSessionNotFound
	case codeExpired:
		return domain.ErrSessionExpired
	case codeLocked:
		return domain.ErrAssetLocked
	case codeLifetime:
		return domain.ErrLifetimeExceeded
	case codeLive:
		return domain.ErrSessionLive
	default:
		return fmt.Errorf("unexpected script status %d", code)
	}
}

// scriptSession decodes a script reply: a status code or a flat HGETALL array.
func scriptSession(id string, res any) (*domain.Session, error) {
	switch v := res.(type) {
	case int64:
		if err := codeError(v); err != nil {
			return nil, err
		}
		return nil, errors.New("script returned no session")
	case []any:
		fields := make(map[string]string, len(v)/2)
		for i := 0; i+1 < len(v); i += 2 {
			k, _ := v[i].(string)
			val, _ := v[i+1].(string)
			fields[k] = val
		}
		return decodeSession(id, fields)
	default:
		return nil, fmt.Errorf("unexpected script reply %T", res)
	}
}

func decodeSession(id string, fields map[string]string) (*domain.Session, error) {
	ms := func(name string) (int64, error) {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt session field %s: %w", name, err)
		}
		return v, nil
	}

	created, err := ms(fieldCreatedAt)
	if err != nil {
		return nil, err
	}
	last, err := ms(fieldLastActivity)
	if err != nil {
		return nil, err
	}
	expires, err := ms(fieldExpiresAt)
	if err != nil {
		return nil, err
	}
	ttl, err := ms(fieldTTL)
	if err != nil {
		return nil, err
	}
	locked, err := ms(fieldLockedAt)
	if err != nil {
		return nil, err
	}

	session := &domain.Session{
		ID:             id,
		Status:         domain.SessionStatus(fields[fieldStatus]),
		CreatedAt:      time.UnixMilli(created).UTC(),
		LastActivityAt: time.UnixMilli(last).UTC(),
		ExpiresAt:      time.UnixMilli(expires).UTC(),
		TTL:            time.Duration(ttl) * time.Millisecond,
		Assets:         make(map[domain.AssetKey]domain.Asset),
	}
	if locked > 0 {
		session.LockedAt = time.UnixMilli(locked).UTC()
	}

	for name, raw := range fields {
		keyStr, ok := strings.CutPrefix(name, assetFieldPrefix)
		if !ok {
			continue
		}
		key, err := domain.ParseAssetKey(keyStr)
		if err != nil {
			return nil, err
		}
		var asset domain.Asset
		if err := json.Unmarshal([]byte(raw), &asset); err != nil {
			return nil, fmt.Errorf("corrupt asset %s: %w", keyStr, err)
		}
		asset.Key = key
		session.Assets[key] = asset
	}

	return session, nil
}
