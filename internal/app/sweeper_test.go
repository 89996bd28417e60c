package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/delimatsuo/dressup-sub000/internal/adapter/metrics"
	redisadapter "github.com/delimatsuo/dressup-sub000/internal/adapter/redis"
	"github.com/delimatsuo/dressup-sub000/internal/domain"
	"github.com/delimatsuo/dressup-sub000/internal/domain/domaintest"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sessionTTL = 30 * time.Minute

type sweepHarness struct {
	sweeper *Sweeper
	store   *redisadapter.SessionStore
	objects *domaintest.ObjectStore
	server  *miniredis.Miniredis
	clock   *clockwork.FakeClock
	metrics *metrics.SweepMetrics
}

func setupSweep(t *testing.T) *sweepHarness {
	t.Helper()

	server := miniredis.RunT(t)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	server.SetTime(clock.Now())

	rdb := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := redisadapter.NewSessionStore(rdb, clock, redisadapter.SessionStoreConfig{
		TTL:         sessionTTL,
		MaxLifetime: 24 * time.Hour,
		RecordGrace: 24 * time.Hour,
	})
	objects := domaintest.NewObjectStore()
	m := metrics.NewSweepMetrics(prometheus.NewRegistry())

	return &sweepHarness{
		sweeper: NewSweeper(store, objects, nil, clock, m, SweeperConfig{BatchSize: 10}),
		store:   store,
		objects: objects,
		server:  server,
		clock:   clock,
		metrics: m,
	}
}

func (h *sweepHarness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.server.FastForward(d)
	h.server.SetTime(h.clock.Now())
}

// seed creates a session holding one stored object per key.
func (h *sweepHarness) seed(t *testing.T, keys ...domain.AssetKey) *domain.Session {
	t.Helper()
	ctx := t.Context()

	session, err := h.store.Create(ctx)
	require.NoError(t, err)
	for _, key := range keys {
		uri := domain.AssetObjectKey(session.ID, key, "u1")
		h.objects.Put(uri, []byte("bytes"))
		session, err = h.store.AttachAsset(ctx, session.ID, domain.Asset{
			SessionID:   session.ID,
			Key:         key,
			URI:         uri,
			ContentType: "image/jpeg",
			SizeBytes:   5,
			UploadedAt:  h.clock.Now(),
		})
		require.NoError(t, err)
	}
	return session
}

var garmentFront = domain.AssetKey{Category: domain.CategoryGarment, View: domain.ViewFront}

func TestSweep_PurgesExpiredSessionsAndTheirObjects(t *testing.T) {
	h := setupSweep(t)
	ctx := t.Context()

	expired := h.seed(t, domain.SubjectFront, garmentFront)
	h.objects.Put(domain.SessionPrefix(expired.ID)+"garment/front-stale", []byte("leftover"))

	h.advance(20 * time.Minute)
	live := h.seed(t, domain.SubjectFront)
	h.advance(15 * time.Minute)

	res, err := h.sweeper.Sweep(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, SweepResult{DeletedSessions: 1, DeletedAssets: 3}, res)
	assert.Equal(t, []string{live.Assets[domain.SubjectFront].URI}, h.objects.Keys())

	_, err = h.store.Inspect(ctx, expired.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = h.store.Get(ctx, live.ID)
	assert.NoError(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.DeletedSessions), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(h.metrics.DeletedAssets), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.Runs.WithLabelValues("ok")), 0)
}

func TestSweep_SecondPassFindsNothing(t *testing.T) {
	h := setupSweep(t)
	ctx := t.Context()

	for range 3 {
		h.seed(t, domain.SubjectFront)
	}
	h.advance(sessionTTL + time.Minute)

	first, err := h.sweeper.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 3, first.DeletedSessions)
	assert.Equal(t, 3, first.DeletedAssets)

	second, err := h.sweeper.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, second)
	assert.Empty(t, h.objects.Keys())
}

func TestSweep_ProcessesSeveralBatches(t *testing.T) {
	h := setupSweep(t)
	h.sweeper.cfg.BatchSize = 2

	for range 5 {
		h.seed(t, domain.SubjectFront)
	}
	h.advance(sessionTTL + time.Minute)

	res, err := h.sweeper.Sweep(t.Context(), false)
	require.NoError(t, err)
	assert.Equal(t, 5, res.DeletedSessions)
	assert.Empty(t, h.objects.Keys())
}

func TestSweep_FailingSessionCountsOncePerPass(t *testing.T) {
	h := setupSweep(t)
	ctx := t.Context()

	stuck := h.seed(t, domain.SubjectFront)
	h.advance(time.Minute)
	for range 30 {
		h.seed(t, domain.SubjectFront)
	}
	h.advance(sessionTTL + time.Minute)

	stuckPrefix := domain.SessionPrefix(stuck.ID)
	h.objects.DeleteFn = func(_ context.Context, key string) error {
		if strings.HasPrefix(key, stuckPrefix) {
			return domain.ErrStorageTransient
		}
		return nil
	}

	res, err := h.sweeper.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{DeletedSessions: 30, DeletedAssets: 30, FailedSessions: 1}, res)
	assert.Equal(t, "1", h.server.HGet("sessions:sweep_failures", stuck.ID))
	assert.Equal(t, []string{stuck.Assets[domain.SubjectFront].URI}, h.objects.Keys())

	res, err = h.sweeper.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{FailedSessions: 1}, res)

	res, err = h.sweeper.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{FailedSessions: 1, ForcedSessions: 1}, res)
}

func TestSweep_DeletedSessionLeavesObjectsForSweeper(t *testing.T) {
	h := setupSweep(t)
	ctx := t.Context()

	session := h.seed(t, domain.SubjectFront, garmentFront)
	require.NoError(t, h.store.Delete(ctx, session.ID))
	assert.Len(t, h.objects.Keys(), 2)

	res, err := h.sweeper.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedSessions)
	assert.Equal(t, 2, res.DeletedAssets)
	assert.Empty(t, h.objects.Keys())

	ids, err := h.store.ListExpired(ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, err = h.store.Inspect(ctx, session.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound, "the tombstone is purged with its objects")
}

func TestSweep_DryRunChangesNothing(t *testing.T) {
	h := setupSweep(t)
	ctx := t.Context()

	expired := h.seed(t, domain.SubjectFront, garmentFront)
	h.advance(sessionTTL + time.Minute)
	h.seed(t, domain.SubjectFront)

	res, err := h.sweeper.Sweep(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{DeletedSessions: 1, DeletedAssets: 2, DryRun: true}, res)

	assert.Len(t, h.objects.Keys(), 3)
	stored, err := h.store.Inspect(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, stored.Status)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.Runs.WithLabelValues("dry_run")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(h.metrics.DeletedSessions), 0)
}

func TestSweep_ObjectGeneratedUpstreamIsNotDeleted(t *testing.T) {
	h := setupSweep(t)
	ctx := t.Context()

	session := h.seed(t, domain.SubjectFront)
	_, err := h.store.AttachAsset(ctx, session.ID, domain.Asset{
		SessionID:  session.ID,
		Key:        domain.AssetKey{Category: domain.CategoryGenerated, View: domain.ViewFront},
		URI:        "https://generator.test/results/1.png",
		UploadedAt: h.clock.Now(),
	})
	require.NoError(t, err)
	h.objects.DeleteFn = func(_ context.Context, key string) error {
		assert.NotContains(t, key, "generator.test")
		return nil
	}

	h.advance(sessionTTL + time.Minute)
	res, err := h.sweeper.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeletedSessions)
	assert.Equal(t, 1, res.DeletedAssets)
}

// failingStore is a minimal in-memory expiry index over the function-field fake.
type failingStore struct {
	domaintest.SessionStore

	mu       sync.Mutex
	pending  map[string]*domain.Session
	failures map[string]int64
	purged   []string
}

func newFailingStore(sessions ...*domain.Session) *failingStore {
	s := &failingStore{
		pending:  make(map[string]*domain.Session),
		failures: make(map[string]int64),
	}
	for _, sess := range sessions {
		s.pending[sess.ID] = sess
	}
	s.ListExpiredFn = func(_ context.Context, _ time.Time, _ int) ([]string, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var ids []string
		for id := range s.pending {
			ids = append(ids, id)
		}
		return ids, nil
	}
	s.MarkExpiredFn = func(_ context.Context, id string) (*domain.Session, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		sess, ok := s.pending[id]
		if !ok {
			return nil, domain.ErrSessionNotFound
		}
		return sess, nil
	}
	s.PurgeFn = func(_ context.Context, id string) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.pending, id)
		delete(s.failures, id)
		s.purged = append(s.purged, id)
		return nil
	}
	s.RecordSweepFailureFn = func(_ context.Context, id string) (int64, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.failures[id]++
		return s.failures[id], nil
	}
	return s
}

func expiredSession(id string) *domain.Session {
	s := domaintest.LiveSession(id)
	s.Status = domain.SessionExpired
	uri := domain.AssetObjectKey(id, domain.SubjectFront, "u1")
	s.Assets[domain.SubjectFront] = domain.Asset{SessionID: id, Key: domain.SubjectFront, URI: uri}
	return s
}

func newFakeSweeper(store domain.SessionStore, objects domain.ObjectStore) (*Sweeper, *metrics.SweepMetrics) {
	m := metrics.NewSweepMetrics(prometheus.NewRegistry())
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	return NewSweeper(store, objects, nil, clock, m, SweeperConfig{MaxFailures: 3}), m
}

func TestSweep_FailingObjectDeleteRetriedThenForced(t *testing.T) {
	store := newFailingStore(expiredSession("s1"))
	objects := domaintest.NewObjectStore()
	objects.DeleteFn = func(context.Context, string) error {
		return domain.ErrStorageTransient
	}
	sweeper, m := newFakeSweeper(store, objects)
	ctx := t.Context()

	for pass := 1; pass <= 2; pass++ {
		res, err := sweeper.Sweep(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, SweepResult{FailedSessions: 1}, res, "pass %d", pass)
		assert.Empty(t, store.purged)
	}

	res, err := sweeper.Sweep(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{FailedSessions: 1, ForcedSessions: 1}, res)
	assert.Equal(t, []string{"s1"}, store.purged)

	assert.InDelta(t, 3, testutil.ToFloat64(m.Failures), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Forced), 0)
}

func TestSweep_RecoversBeforeForceLimit(t *testing.T) {
	store := newFailingStore(expiredSession("s1"))
	objects := domaintest.NewObjectStore()
	var fail atomic.Bool
	fail.Store(true)
	objects.DeleteFn = func(context.Context, string) error {
		if fail.Load() {
			return domain.ErrStorageTransient
		}
		return nil
	}
	sweeper, _ := newFakeSweeper(store, objects)

	res, err := sweeper.Sweep(t.Context(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FailedSessions)

	fail.Store(false)
	res, err = sweeper.Sweep(t.Context(), false)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{DeletedSessions: 1, DeletedAssets: 1}, res)
	assert.Empty(t, store.failures)
}

func TestSweep_SkipsSessionTouchedAfterListing(t *testing.T) {
	store := newFailingStore(expiredSession("s1"))
	store.MarkExpiredFn = func(context.Context, string) (*domain.Session, error) {
		return nil, domain.ErrSessionLive
	}
	objects := domaintest.NewObjectStore()
	objects.Put(domain.AssetObjectKey("s1", domain.SubjectFront, "u1"), []byte("x"))
	sweeper, _ := newFakeSweeper(store, objects)

	res, err := sweeper.Sweep(t.Context(), false)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{SkippedSessions: 1}, res)
	assert.Empty(t, store.purged)
	assert.Len(t, objects.Keys(), 1)
}

func TestSweep_ListFailureAbortsPass(t *testing.T) {
	store := &domaintest.SessionStore{
		ListExpiredFn: func(context.Context, time.Time, int) ([]string, error) {
			return nil, errors.New("connection refused")
		},
	}
	sweeper, m := newFakeSweeper(store, domaintest.NewObjectStore())

	_, err := sweeper.Sweep(t.Context(), false)
	require.Error(t, err)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Runs.WithLabelValues("error")), 0)
}

type fakeLeader struct {
	acquire  atomic.Bool
	acquires atomic.Int32
	renews   atomic.Int32
	releases atomic.Int32
}

func (l *fakeLeader) TryAcquire(context.Context) (bool, error) {
	l.acquires.Add(1)
	return l.acquire.Load(), nil
}

func (l *fakeLeader) Renew(context.Context) error {
	l.renews.Add(1)
	return nil
}

func (l *fakeLeader) Release(context.Context) error {
	l.releases.Add(1)
	return nil
}

func runSweeper(t *testing.T, leader Leader) (*clockwork.FakeClock, *atomic.Int32, func()) {
	t.Helper()

	var lists atomic.Int32
	store := &domaintest.SessionStore{
		ListExpiredFn: func(context.Context, time.Time, int) ([]string, error) {
			lists.Add(1)
			return nil, nil
		},
	}
	clock := clockwork.NewFakeClock()
	sweeper := NewSweeper(store, domaintest.NewObjectStore(), leader, clock,
		metrics.NewSweepMetrics(prometheus.NewRegistry()), SweeperConfig{Interval: time.Minute})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.Run(ctx)
	}()

	waitCtx, waitCancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	stop := func() {
		cancel()
		<-done
	}
	return clock, &lists, stop
}

func TestRun_SweepsEveryIntervalWhileLeader(t *testing.T) {
	leader := &fakeLeader{}
	leader.acquire.Store(true)
	clock, lists, stop := runSweeper(t, leader)

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return lists.Load() == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return lists.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), leader.acquires.Load())
	assert.Equal(t, int32(1), leader.renews.Load())

	stop()
	assert.Equal(t, int32(1), leader.releases.Load())
}

func TestRun_FollowerDoesNotSweep(t *testing.T) {
	leader := &fakeLeader{}
	clock, lists, stop := runSweeper(t, leader)

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool { return leader.acquires.Load() == 1 }, time.Second, 5*time.Millisecond)

	stop()
	assert.Equal(t, int32(0), lists.Load())
	assert.Equal(t, int32(0), leader.releases.Load())
}
