package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/delimatsuo/dressup-sub000/internal/app"
	"github.com/delimatsuo/dressup-sub000/internal/domain"
	"github.com/delimatsuo/dressup-sub000/internal/generation"
	"github.com/delimatsuo/dressup-sub000/internal/upload"
	"github.com/labstack/echo/v4/middleware"
)

const (
	testSessionID  = "0c7b6f4e-2d43-4a4c-9f59-3f7f8e6f2a10"
	testAdminToken = "admin-token-0123456789"
)

// --- Mock implementations ---

type mockAppService struct {
	createSessionFn   func(ctx context.Context) (*domain.Session, error)
	getSessionFn      func(ctx context.Context, id string) (*app.SessionView, error)
	extendSessionFn   func(ctx context.Context, id string, minutes int) (*domain.Session, error)
	deleteSessionFn   func(ctx context.Context, id string) error
	uploadFn          func(ctx context.Context, taskID string, req upload.Request) (*upload.Result, error)
	subscribeUploadFn func(taskID string) (<-chan upload.Progress, func(), error)
	cancelUploadFn    func(ctx context.Context, taskID string) error
	generateFn        func(ctx context.Context, req generation.SubmitRequest) (*generation.SubmitResult, error)
	jobStatusFn       func(ctx context.Context, jobID string) (*domain.GenerationJob, error)
	sweepFn           func(ctx context.Context, dryRun bool) (app.SweepResult, error)
}

var errNotImplemented = errors.New("not implemented")

func (m *mockAppService) CreateSession(ctx context.Context) (*domain.Session, error) {
	if m.createSessionFn != nil {
		return m.createSessionFn(ctx)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) GetSession(ctx context.Context, id string) (*app.SessionView, error) {
	if m.getSessionFn != nil {
		return m.getSessionFn(ctx, id)
	}
	return nil, domain.ErrSessionNotFound
}

func (m *mockAppService) ExtendSession(ctx context.Context, id string, minutes int) (*domain.Session, error) {
	if m.extendSessionFn != nil {
		return m.extendSessionFn(ctx, id, minutes)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) DeleteSession(ctx context.Context, id string) error {
	if m.deleteSessionFn != nil {
		return m.deleteSessionFn(ctx, id)
	}
	return nil
}

func (m *mockAppService) Upload(ctx context.Context, taskID string, req upload.Request) (*upload.Result, error) {
	if m.uploadFn != nil {
		return m.uploadFn(ctx, taskID, req)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) SubscribeUpload(taskID string) (<-chan upload.Progress, func(), error) {
	if m.subscribeUploadFn != nil {
		return m.subscribeUploadFn(taskID)
	}
	return nil, nil, errNotImplemented
}

func (m *mockAppService) CancelUpload(ctx context.Context, taskID string) error {
	if m.cancelUploadFn != nil {
		return m.cancelUploadFn(ctx, taskID)
	}
	return nil
}

func (m *mockAppService) Generate(ctx context.Context, req generation.SubmitRequest) (*generation.SubmitResult, error) {
	if m.generateFn != nil {
		return m.generateFn(ctx, req)
	}
	return nil, errNotImplemented
}

func (m *mockAppService) JobStatus(ctx context.Context, jobID string) (*domain.GenerationJob, error) {
	if m.jobStatusFn != nil {
		return m.jobStatusFn(ctx, jobID)
	}
	return nil, domain.ErrJobNotFound
}

func (m *mockAppService) Sweep(ctx context.Context, dryRun bool) (app.SweepResult, error) {
	if m.sweepFn != nil {
		return m.sweepFn(ctx, dryRun)
	}
	return app.SweepResult{DryRun: dryRun}, nil
}

// --- Test server ---

type testServerOption func(*testServerOptions)

type testServerOptions struct {
	healthChecks []HealthCheck
	rateStore    middleware.RateLimiterStore
	metrics      http.Handler
}

func withHealthChecks(checks ...HealthCheck) testServerOption {
	return func(o *testServerOptions) { o.healthChecks = checks }
}

func withRateStore(store middleware.RateLimiterStore) testServerOption {
	return func(o *testServerOptions) { o.rateStore = store }
}

func withMetricsHandler(h http.Handler) testServerOption {
	return func(o *testServerOptions) { o.metrics = h }
}

func newTestServer(t *testing.T, svc appService, opts ...testServerOption) *Server {
	t.Helper()

	var o testServerOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := Config{
		Port:               "0",
		AppEnv:             "test",
		AdminToken:         testAdminToken,
		MaxUploadBytes:     10 << 20,
		RateLimitPerMinute: 1000,
	}
	return NewServer(cfg, svc, o.rateStore, nil, o.metrics, o.healthChecks)
}

// do sends a request through the full middleware stack.
func do(srv *Server, method, target string, body io.Reader, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func jsonBody(s string) io.Reader {
	return strings.NewReader(s)
}
