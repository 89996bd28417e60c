package upload

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/delimatsuo/dressup-sub000/internal/adapter/metrics"
	"github.com/delimatsuo/dressup-sub000/internal/domain"
	"github.com/delimatsuo/dressup-sub000/internal/domain/domaintest"
	apperrors "github.com/delimatsuo/dressup-sub000/internal/platform/errors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSessionID = "5b8f3a52-3c55-4d0e-9d8f-6f1c2f0f4a11"
	mib           = 1 << 20
)

var subjectFront = domain.AssetKey{Category: domain.CategorySubject, View: domain.ViewFront}

type harness struct {
	orch     *Orchestrator
	sessions *domaintest.SessionStore
	objects  *domaintest.ObjectStore
	registry *Registry
	clock    *clockwork.FakeClock
	metrics  *metrics.UploadMetrics

	mu       sync.Mutex
	attached []domain.Asset
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		sessions: &domaintest.SessionStore{},
		objects:  domaintest.NewObjectStore(),
		clock:    clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)),
		metrics:  metrics.NewUploadMetrics(prometheus.NewRegistry()),
	}
	h.registry = NewRegistry(h.clock, time.Minute)
	h.sessions.AttachAssetFn = func(_ context.Context, id string, asset domain.Asset) (*domain.Session, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.attached = append(h.attached, asset)
		s := domaintest.LiveSession(id)
		s.Assets[asset.Key] = asset
		return s, nil
	}
	h.orch = NewOrchestrator(h.sessions, h.objects, h.registry, h.clock, h.metrics, Config{
		MaxBytes:         10 * mib,
		ChunkBytes:       mib,
		MaxAttempts:      3,
		RetryBase:        time.Millisecond,
		RateLimitBackoff: time.Millisecond,
		SampleInterval:   time.Second,
	})
	return h
}

func (h *harness) attachCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.attached)
}

// jpeg returns size bytes that sniff as image/jpeg.
func jpeg(size int) []byte {
	data := bytes.Repeat([]byte{0x42}, size)
	copy(data, []byte{0xFF, 0xD8, 0xFF, 0xE0})
	return data
}

func request(data []byte) Request {
	return Request{
		SessionID:   testSessionID,
		Key:         subjectFront,
		ContentType: "image/jpeg",
		Size:        int64(len(data)),
		File:        bytes.NewReader(data),
	}
}

func wait(t *testing.T, task *Task) (*Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := task.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "task did not finish")
	return res, err
}

// fireRetries releases n retry waits, one at a time, as the run reaches them.
func (h *harness) fireRetries(t *testing.T, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for range n {
		require.NoError(t, h.clock.BlockUntilContext(ctx, 1), "run did not reach a retry wait")
		h.clock.Advance(maxRetryBackoff)
	}
}

func requireType(t *testing.T, err error, want apperrors.ErrorType) {
	t.Helper()
	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, want, appErr.Type)
}

func TestStart_UploadsAndAttaches(t *testing.T) {
	h := newHarness(t)
	data := jpeg(3*mib + 100)

	task, err := h.orch.Start(context.Background(), request(data))
	require.NoError(t, err)

	res, err := wait(t, task)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, subjectFront, res.Asset.Key)
	assert.Equal(t, "image/jpeg", res.Asset.ContentType)
	assert.Equal(t, int64(len(data)), res.Asset.SizeBytes)
	assert.True(t, strings.HasPrefix(res.Asset.URI, domain.SessionPrefix(testSessionID)))
	assert.Contains(t, res.Session.Assets, subjectFront)

	stored, ok := h.objects.Object(res.Asset.URI)
	require.True(t, ok)
	assert.Equal(t, data, stored)
	assert.Equal(t, []int32{1, 2, 3, 4}, h.objects.PartCalls())

	snap := task.Snapshot()
	assert.Equal(t, StateSucceeded, snap.State)
	assert.Equal(t, int64(len(data)), snap.BytesTransferred)
	assert.Equal(t, res.Asset.URI, snap.URI)
	assert.Equal(t, 1, h.attachCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.UploadsTotal.WithLabelValues("succeeded")))
}

func TestStart_SucceedsOnThirdAttemptAfterTransientFailures(t *testing.T) {
	h := newHarness(t)
	var failures atomic.Int32
	h.objects.UploadPartFn = func(context.Context, string, int32) error {
		if failures.Add(1) <= 2 {
			return domain.ErrStorageTransient
		}
		return nil
	}

	task, err := h.orch.Start(context.Background(), request(jpeg(mib)))
	require.NoError(t, err)

	h.fireRetries(t, 2)
	res, err := wait(t, task)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.LessOrEqual(t, res.Attempts, 3)

	snap := task.Snapshot()
	assert.Equal(t, StateSucceeded, snap.State)
	assert.Equal(t, 3, snap.Attempt)
}

func TestStart_FailsWhenEveryAttemptIsTransient(t *testing.T) {
	h := newHarness(t)
	h.objects.UploadPartFn = func(context.Context, string, int32) error {
		return domain.ErrStorageTransient
	}

	task, err := h.orch.Start(context.Background(), request(jpeg(mib)))
	require.NoError(t, err)

	h.fireRetries(t, 2)
	_, err = wait(t, task)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorageTransient)
	requireType(t, err, apperrors.TypeInternal)

	snap := task.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, 3, snap.Attempt)
	assert.Len(t, h.objects.PartCalls(), 3)
	assert.Len(t, h.objects.Aborted(), 1)
	assert.Zero(t, h.attachCount())
}

func TestStart_QuotaFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.objects.UploadPartFn = func(context.Context, string, int32) error {
		return domain.ErrStorageQuota
	}

	task, err := h.orch.Start(context.Background(), request(jpeg(mib)))
	require.NoError(t, err)

	_, err = wait(t, task)
	requireType(t, err, apperrors.TypeQuota)
	assert.Len(t, h.objects.PartCalls(), 1)
	assert.Equal(t, StateFailed, task.Snapshot().State)
}

func TestStart_RateLimitedIsRetried(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.objects.UploadPartFn = func(context.Context, string, int32) error {
		if calls.Add(1) == 1 {
			return domain.ErrStorageRateLimited
		}
		return nil
	}

	task, err := h.orch.Start(context.Background(), request(jpeg(mib)))
	require.NoError(t, err)

	h.fireRetries(t, 1)
	res, err := wait(t, task)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
}

func TestStart_RejectsOversizeFileWithoutTransfer(t *testing.T) {
	h := newHarness(t)
	getCalled := false
	h.sessions.GetFn = func(_ context.Context, id string) (*domain.Session, error) {
		getCalled = true
		return domaintest.LiveSession(id), nil
	}

	task, err := h.orch.Start(context.Background(), request(jpeg(12*mib)))
	require.Error(t, err)
	assert.Nil(t, task)
	requireType(t, err, apperrors.TypeValidation)

	assert.Zero(t, h.objects.BytesReceived())
	assert.Zero(t, h.objects.Begins())
	assert.False(t, getCalled)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.UploadsTotal.WithLabelValues("rejected")))
}

func TestStart_ValidationFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Request)
	}{
		{"missing session", func(r *Request) { r.SessionID = "" }},
		{"generated category", func(r *Request) { r.Key.Category = domain.CategoryGenerated }},
		{"unknown category", func(r *Request) { r.Key.Category = "hat" }},
		{"unknown view", func(r *Request) { r.Key.View = "top" }},
		{"empty file", func(r *Request) { r.Size = 0 }},
		{"not an image", func(r *Request) {
			data := []byte("just some text that is definitely not an image")
			r.File, r.Size = bytes.NewReader(data), int64(len(data))
		}},
		{"declared type mismatch", func(r *Request) { r.ContentType = "image/png" }},
		{"malformed declared type", func(r *Request) { r.ContentType = "image/" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := request(jpeg(1024))
			tt.mutate(&req)

			_, err := h.orch.Start(context.Background(), req)
			requireType(t, err, apperrors.TypeValidation)
			assert.Zero(t, h.objects.Begins())
		})
	}
}

func TestStart_AcceptsOmittedDeclaredType(t *testing.T) {
	h := newHarness(t)
	req := request(jpeg(1024))
	req.ContentType = ""

	task, err := h.orch.Start(context.Background(), req)
	require.NoError(t, err)
	res, err := wait(t, task)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", res.Asset.ContentType)
}

func TestStart_ExpiredSessionIsRejected(t *testing.T) {
	h := newHarness(t)
	h.sessions.GetFn = func(context.Context, string) (*domain.Session, error) {
		return nil, domain.ErrSessionExpired
	}

	_, err := h.orch.Start(context.Background(), request(jpeg(1024)))
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
	assert.Zero(t, h.objects.Begins())
}

func TestStart_LockedSlotIsRejectedBeforeTransfer(t *testing.T) {
	h := newHarness(t)
	h.sessions.GetFn = func(_ context.Context, id string) (*domain.Session, error) {
		s := domaintest.LiveSession(id)
		s.LockedAt = time.Now()
		s.Assets[subjectFront] = domain.Asset{Key: subjectFront, URI: "old"}
		return s, nil
	}

	_, err := h.orch.Start(context.Background(), request(jpeg(1024)))
	assert.ErrorIs(t, err, domain.ErrAssetLocked)
	assert.Zero(t, h.objects.Begins())
}

func TestStart_LockedSessionAcceptsNewSlot(t *testing.T) {
	h := newHarness(t)
	h.sessions.GetFn = func(_ context.Context, id string) (*domain.Session, error) {
		s := domaintest.LiveSession(id)
		s.LockedAt = time.Now()
		s.Assets[subjectFront] = domain.Asset{Key: subjectFront, URI: "old"}
		return s, nil
	}
	req := request(jpeg(1024))
	req.Key = domain.AssetKey{Category: domain.CategorySubject, View: domain.ViewSide}

	task, err := h.orch.Start(context.Background(), req)
	require.NoError(t, err)
	_, err = wait(t, task)
	require.NoError(t, err)
}

func TestStart_OrphanedWhenSessionEndsBeforeAttach(t *testing.T) {
	h := newHarness(t)
	h.sessions.AttachAssetFn = func(context.Context, string, domain.Asset) (*domain.Session, error) {
		return nil, domain.ErrSessionExpired
	}

	task, err := h.orch.Start(context.Background(), request(jpeg(mib)))
	require.NoError(t, err)

	_, err = wait(t, task)
	assert.ErrorIs(t, err, domain.ErrOrphanedUpload)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
	requireType(t, apperrors.AsStructuredError(err), apperrors.TypeOrphanedUpload)

	assert.Equal(t, StateFailed, task.Snapshot().State)
	assert.Empty(t, h.objects.Keys(), "orphaned bytes should be deleted")
}

func TestStart_AttachConflictKeepsError(t *testing.T) {
	h := newHarness(t)
	h.sessions.AttachAssetFn = func(context.Context, string, domain.Asset) (*domain.Session, error) {
		return nil, domain.ErrAssetLocked
	}

	task, err := h.orch.Start(context.Background(), request(jpeg(mib)))
	require.NoError(t, err)

	_, err = wait(t, task)
	assert.ErrorIs(t, err, domain.ErrAssetLocked)
	assert.NotErrorIs(t, err, domain.ErrOrphanedUpload)
	assert.Empty(t, h.objects.Keys())
}

func TestCancel_NeverAttaches(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.objects.UploadPartFn = func(ctx context.Context, _ string, number int32) error {
		if number == 2 {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	task, err := h.orch.Start(context.Background(), request(jpeg(3*mib)))
	require.NoError(t, err)

	<-started
	assert.True(t, task.Cancel())
	assert.False(t, task.Cancel(), "second cancel is a no-op")

	_, err = wait(t, task)
	assert.ErrorIs(t, err, domain.ErrUploadCancelled)
	assert.Equal(t, StateCancelled, task.Snapshot().State)
	assert.Zero(t, h.attachCount())
	assert.Len(t, h.objects.Aborted(), 1)
	assert.Empty(t, h.objects.Keys())
}

func TestCancel_AfterCompletionDiscardsObject(t *testing.T) {
	h := newHarness(t)
	var task *Task
	ready := make(chan struct{})
	h.objects.CompleteFn = func(context.Context, string) error {
		<-ready
		task.Cancel()
		return nil
	}

	var err error
	task, err = h.orch.Start(context.Background(), request(jpeg(1024)))
	require.NoError(t, err)
	close(ready)

	_, err = wait(t, task)
	assert.ErrorIs(t, err, domain.ErrUploadCancelled)
	assert.Equal(t, StateCancelled, task.Snapshot().State)
	assert.Zero(t, h.attachCount())
	assert.Empty(t, h.objects.Keys())
}

func TestCancel_FinishedTaskReportsFalse(t *testing.T) {
	h := newHarness(t)
	task, err := h.orch.Start(context.Background(), request(jpeg(1024)))
	require.NoError(t, err)
	_, err = wait(t, task)
	require.NoError(t, err)

	assert.False(t, task.Cancel())
	assert.Equal(t, StateSucceeded, task.Snapshot().State)
}

func TestRetry_ResumesFromFirstMissingPart(t *testing.T) {
	h := newHarness(t)
	var failed atomic.Bool
	h.objects.UploadPartFn = func(_ context.Context, _ string, number int32) error {
		if number == 3 && !failed.Swap(true) {
			return domain.ErrStorageTransient
		}
		return nil
	}
	data := jpeg(4 * mib)

	task, err := h.orch.Start(context.Background(), request(data))
	require.NoError(t, err)

	h.fireRetries(t, 1)
	res, err := wait(t, task)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []int32{1, 2, 3, 3, 4}, h.objects.PartCalls())
	assert.Equal(t, 1, h.objects.Begins())

	stored, ok := h.objects.Object(res.Asset.URI)
	require.True(t, ok)
	assert.Equal(t, data, stored)
}

func TestRetry_RestartsWhenMultipartUploadVanishes(t *testing.T) {
	h := newHarness(t)
	var failed atomic.Bool
	h.objects.UploadPartFn = func(_ context.Context, _ string, number int32) error {
		if number == 2 && !failed.Swap(true) {
			return domain.ErrObjectNotFound
		}
		return nil
	}
	data := jpeg(2 * mib)

	task, err := h.orch.Start(context.Background(), request(data))
	require.NoError(t, err)

	h.fireRetries(t, 1)
	res, err := wait(t, task)
	require.NoError(t, err)

	assert.Equal(t, 2, h.objects.Begins())
	assert.Equal(t, []int32{1, 2, 1, 2}, h.objects.PartCalls())
	stored, _ := h.objects.Object(res.Asset.URI)
	assert.Equal(t, data, stored)
}

func TestProgress_ReportsSpeedAndETA(t *testing.T) {
	h := newHarness(t)
	h.objects.AfterPart = func(int32) { h.clock.Advance(time.Second) }

	task, err := h.orch.Start(context.Background(), request(jpeg(4*mib)))
	require.NoError(t, err)

	var events []Progress
	for p := range task.Events() {
		events = append(events, p)
	}
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, StateSucceeded, last.State)
	assert.Zero(t, last.ETA)

	var sampled []Progress
	var prev int64
	for _, p := range events {
		assert.GreaterOrEqual(t, p.BytesTransferred, prev, "bytes must not decrease within an attempt")
		prev = p.BytesTransferred
		if p.SpeedBytesPerSec > 0 && p.State == StateUploading {
			sampled = append(sampled, p)
		}
	}
	require.NotEmpty(t, sampled)
	first := sampled[0]
	assert.Equal(t, int64(mib), first.BytesTransferred)
	assert.InDelta(t, float64(mib), first.SpeedBytesPerSec, 1)
	assert.Equal(t, 3*time.Second, first.ETA)
}

func TestProgress_SubscribeAfterFinishGetsFinalSnapshot(t *testing.T) {
	h := newHarness(t)
	task, err := h.orch.Start(context.Background(), request(jpeg(1024)))
	require.NoError(t, err)
	_, err = wait(t, task)
	require.NoError(t, err)

	ch, unsubscribe := task.Subscribe()
	defer unsubscribe()

	p, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, p.State)
	_, ok = <-ch
	assert.False(t, ok)
}

func TestStartWithID(t *testing.T) {
	h := newHarness(t)
	id := uuid.NewString()

	task, err := h.orch.StartWithID(context.Background(), id, request(jpeg(1024)))
	require.NoError(t, err)
	assert.Equal(t, id, task.ID)

	_, err = h.orch.StartWithID(context.Background(), id, request(jpeg(1024)))
	requireType(t, err, apperrors.TypeConflict)

	_, err = h.orch.StartWithID(context.Background(), "not-a-uuid", request(jpeg(1024)))
	requireType(t, err, apperrors.TypeValidation)

	_, err = wait(t, task)
	require.NoError(t, err)
}

func TestRegistry_CancelAndRetention(t *testing.T) {
	h := newHarness(t)
	task, err := h.orch.Start(context.Background(), request(jpeg(1024)))
	require.NoError(t, err)
	_, err = wait(t, task)
	require.NoError(t, err)

	found, cancelled := h.registry.Cancel(task.ID)
	assert.True(t, found)
	assert.False(t, cancelled)

	found, _ = h.registry.Cancel(uuid.NewString())
	assert.False(t, found)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))

	_, ok := h.registry.Get(task.ID)
	assert.True(t, ok, "finished task is kept for the retention period")
	n, err := h.registry.CancelAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "finished tasks are not cancelled again")

	h.clock.Advance(time.Minute)
	assert.Eventually(t, func() bool {
		_, ok := h.registry.Get(task.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_CancelAllAbortsRunningUploads(t *testing.T) {
	h := newHarness(t)
	var started sync.WaitGroup
	started.Add(2)
	h.objects.UploadPartFn = func(ctx context.Context, _ string, number int32) error {
		if number == 2 {
			started.Done()
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	first, err := h.orch.Start(context.Background(), request(jpeg(3*mib)))
	require.NoError(t, err)
	req := request(jpeg(3 * mib))
	req.Key = domain.AssetKey{Category: domain.CategoryGarment, View: domain.ViewFront}
	second, err := h.orch.Start(context.Background(), req)
	require.NoError(t, err)
	started.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n, err := h.registry.CancelAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, task := range []*Task{first, second} {
		assert.Equal(t, StateCancelled, task.Snapshot().State)
	}
	assert.Len(t, h.objects.Aborted(), 2)
	assert.Zero(t, h.attachCount())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{context.Canceled, "stop"},
		{domain.ErrStorageQuota, "stop"},
		{domain.ErrStorageAuth, "stop"},
		{errLocal, "stop"},
		{domain.ErrStorageRateLimited, "after"},
		{domain.ErrStorageTransient, "retry"},
		{errors.New("connection reset"), "retry"},
	}
	names := map[int]string{0: "stop", 1: "retry", 2: "after"}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, names[int(classify(tt.err))])
		})
	}
}
