// Package generator is the HTTP client for the upstream image-generation API.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/delimatsuo/dressup-sub000/internal/adapter/metrics"
	"github.com/delimatsuo/dressup-sub000/internal/domain"
	"github.com/delimatsuo/dressup-sub000/internal/platform/correlation"
	"github.com/delimatsuo/dressup-sub000/internal/platform/version"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const maxErrorBody = 4 << 10

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RPS caps outbound requests per second from this instance.
	RPS float64
}

// Client calls POST {base}/v1/generate and GET {base}/v1/jobs/{id}.
//
// Requests pass a token-bucket limiter and a circuit breaker. Only transient
// failures count against the breaker; a rejected request says nothing about
// upstream health.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
}

var _ domain.Generator = (*Client)(nil)

func NewClient(cfg Config, m *metrics.GenerationMetrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 2
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "generator",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, domain.ErrUpstreamRejected) ||
				errors.Is(err, domain.ErrJobNotFound) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			if m != nil {
				m.BreakerState.Set(float64(to))
			}
		},
	})

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		cb:      cb,
	}
}

// State reports the breaker state.
func (c *Client) State() gobreaker.State {
	return c.cb.State()
}

type generateResponse struct {
	JobID     string           `json:"job_id"`
	Status    domain.JobStatus `json:"status"`
	ResultURI string           `json:"result_uri"`
	Error     string           `json:"error"`
}

// normalize marks a non-terminal reply that already carries a result as
// succeeded, and a reply with neither status nor result as pending.
func (r *generateResponse) normalize() {
	switch {
	case r.ResultURI != "" && !r.Status.Terminal():
		r.Status = domain.JobSucceeded
	case r.Status == "":
		r.Status = domain.JobPending
	}
}

func (r generateResponse) toResult() *domain.GenerationResult {
	return &domain.GenerationResult{
		JobID:     r.JobID,
		Status:    r.Status,
		ResultURI: r.ResultURI,
		Error:     r.Error,
	}
}

func (c *Client) Generate(ctx context.Context, req domain.GenerationRequest) (*domain.GenerationResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode generation request: %w", err)
	}

	res, err := c.do(ctx, http.MethodPost, c.baseURL+"/v1/generate", body)
	if err != nil {
		return nil, err
	}
	if res.ResultURI == "" && res.JobID == "" {
		return nil, fmt.Errorf("%w: response has neither result nor job id", domain.ErrUpstreamRejected)
	}
	res.normalize()
	return res.toResult(), nil
}

func (c *Client) Poll(ctx context.Context, upstreamJobID string) (*domain.GenerationResult, error) {
	res, err := c.do(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+url.PathEscape(upstreamJobID), nil)
	if err != nil {
		return nil, err
	}
	if res.JobID == "" {
		res.JobID = upstreamJobID
	}
	res.normalize()
	return res.toResult(), nil
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) (*generateResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	out, err := c.cb.Execute(func() (any, error) {
		return c.roundTrip(ctx, method, target, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", domain.ErrUpstreamTransient, err)
		}
		return nil, err
	}
	return out.(*generateResponse), nil
}

func (c *Client) roundTrip(ctx context.Context, method, target string, body []byte) (*generateResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if id, ok := correlation.ID(ctx); ok {
		req.Header.Set(correlation.Header, id)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstreamTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound && method == http.MethodGet:
		return nil, fmt.Errorf("%w: upstream job unknown", domain.ErrJobNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d: %s", domain.ErrUpstreamTransient, resp.StatusCode, readSnippet(resp.Body))
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d: %s", domain.ErrUpstreamRejected, resp.StatusCode, readSnippet(resp.Body))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %w", domain.ErrUpstreamRejected, err)
	}
	return &out, nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}
