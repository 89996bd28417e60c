package generator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/delimatsuo/dressup-sub000/internal/adapter/metrics"
	"github.com/delimatsuo/dressup-sub000/internal/domain"
	"github.com/delimatsuo/dressup-sub000/internal/platform/correlation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *metrics.GenerationMetrics) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	m := metrics.NewGenerationMetrics(prometheus.NewRegistry())
	return NewClient(Config{BaseURL: srv.URL + "/", APIKey: "secret", Timeout: 5 * time.Second, RPS: 1000}, m), m
}

func TestGenerate_CompletedResult(t *testing.T) {
	var got domain.GenerationRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/generate", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result_uri":"https://cdn.test/out.png"}`))
	})

	res, err := client.Generate(t.Context(), domain.GenerationRequest{
		SessionID:  "s1",
		SubjectURL: "https://objects.test/subject",
		GarmentURL: "https://objects.test/garment",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.JobSucceeded, res.Status)
	assert.Equal(t, "https://cdn.test/out.png", res.ResultURI)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "https://objects.test/garment", got.GarmentURL)
}

func TestGenerate_JobHandle(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job_id":"up-1"}`))
	})

	res, err := client.Generate(t.Context(), domain.GenerationRequest{SessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "up-1", res.JobID)
	assert.Equal(t, domain.JobPending, res.Status)
}

func TestGenerate_EmptyAnswerIsRejected(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	_, err := client.Generate(t.Context(), domain.GenerationRequest{})
	assert.ErrorIs(t, err, domain.ErrUpstreamRejected)
}

func TestGenerate_NormalizesStatus(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    domain.JobStatus
		wantErr error
	}{
		{"pending with result", `{"status":"pending","result_uri":"https://cdn.test/out.png"}`, domain.JobSucceeded, nil},
		{"running with job", `{"status":"running","job_id":"up-1"}`, domain.JobRunning, nil},
		{"pending without job id", `{"status":"pending","error":"queued"}`, "", domain.ErrUpstreamRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			})

			res, err := client.Generate(t.Context(), domain.GenerationRequest{})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
		})
	}
}

func TestGenerate_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, domain.ErrUpstreamRejected},
		{http.StatusUnprocessableEntity, domain.ErrUpstreamRejected},
		{http.StatusTooManyRequests, domain.ErrUpstreamTransient},
		{http.StatusInternalServerError, domain.ErrUpstreamTransient},
		{http.StatusServiceUnavailable, domain.ErrUpstreamTransient},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})

			_, err := client.Generate(t.Context(), domain.GenerationRequest{})
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestGenerate_MalformedBodyIsRejected(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})

	_, err := client.Generate(t.Context(), domain.GenerationRequest{})
	assert.ErrorIs(t, err, domain.ErrUpstreamRejected)
}

func TestPoll(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/v1/jobs/up-1":
			_, _ = w.Write([]byte(`{"status":"running"}`))
		case "/v1/jobs/up-2":
			_, _ = w.Write([]byte(`{"job_id":"up-2","status":"failed","error":"model refused"}`))
		default:
			http.NotFound(w, r)
		}
	})

	res, err := client.Poll(t.Context(), "up-1")
	require.NoError(t, err)
	assert.Equal(t, "up-1", res.JobID)
	assert.Equal(t, domain.JobRunning, res.Status)

	res, err = client.Poll(t.Context(), "up-2")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, res.Status)
	assert.Equal(t, "model refused", res.Error)

	_, err = client.Poll(t.Context(), "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestBreaker_OpensOnTransientFailures(t *testing.T) {
	var calls atomic.Int32
	client, m := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for range 5 {
		_, err := client.Generate(t.Context(), domain.GenerationRequest{})
		require.ErrorIs(t, err, domain.ErrUpstreamTransient)
	}
	assert.Equal(t, gobreaker.StateOpen, client.State())
	assert.Equal(t, float64(gobreaker.StateOpen), testutil.ToFloat64(m.BreakerState))

	_, err := client.Generate(t.Context(), domain.GenerationRequest{})
	assert.ErrorIs(t, err, domain.ErrUpstreamTransient)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), calls.Load(), "open breaker must not reach the upstream")
}

func TestBreaker_IgnoresRejections(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	for range 10 {
		_, err := client.Generate(t.Context(), domain.GenerationRequest{})
		require.ErrorIs(t, err, domain.ErrUpstreamRejected)
	}
	assert.Equal(t, gobreaker.StateClosed, client.State())
}

func TestGenerate_PropagatesCorrelationID(t *testing.T) {
	var gotID, gotAgent string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get(correlation.Header)
		gotAgent = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(`{"result_uri":"https://cdn.test/out.png"}`))
	})

	ctx := correlation.WithID(t.Context(), "gen12345")
	_, err := client.Generate(ctx, domain.GenerationRequest{SessionID: "s1"})
	require.NoError(t, err)

	assert.Equal(t, "gen12345", gotID)
	assert.Equal(t, "dressup/dev", gotAgent)
}
