package pipeline

import (
	"context"
	"io"
	"net/http"
	"time"

	"go-etl-engine/internal/model"

	"golang.org/x/time/rate"
)

// HTTPConfig configures the rate-limited source client
type HTTPConfig struct {
	Timeout   time.Duration
	RateLimit float64 // requests per second
	RateBurst int
	UserAgent string
}

// HTTPFetcher is a rate-limited client for http(s) sources
type HTTPFetcher struct {
	config      HTTPConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// NewHTTPFetcher creates a fetcher; zero config fields get defaults
func NewHTTPFetcher(config HTTPConfig) *HTTPFetcher {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 10.0
	}
	if config.RateBurst == 0 {
		config.RateBurst = 5
	}
	if config.UserAgent == "" {
		config.UserAgent = "go-etl-engine/1.0"
	}
	return &HTTPFetcher{
		config:      config,
		httpClient:  &http.Client{Timeout: config.Timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
	}
}

// Head returns the advertised Content-Length, or 0 when the server does not say
func (f *HTTPFetcher) Head(ctx context.Context, url string) (int64, error) {
	resp, err := f.do(ctx, http.MethodHead, url)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return 0, model.NewError(model.NotFound, "%s returned %d", url, resp.StatusCode)
	case resp.StatusCode >= 300:
		// Some servers reject HEAD; the bounded read still enforces the limit
		return 0, nil
	}
	if resp.ContentLength < 0 {
		return 0, nil
	}
	return resp.ContentLength, nil
}

// Get opens the body of url and returns its Content-Length, -1 when unknown.
// The caller closes the body.
func (f *HTTPFetcher) Get(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	resp, err := f.do(ctx, http.MethodGet, url)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		e := model.NewError(model.NotFound, "%s returned %d", url, resp.StatusCode)
		e.Retryable = resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, 0, e
	}
	return resp.Body, resp.ContentLength, nil
}

func (f *HTTPFetcher) do(ctx context.Context, method, url string) (*http.Response, error) {
	if err := f.rateLimiter.Wait(ctx); err != nil {
		return nil, limiterError(ctx, url, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, model.WrapError(model.NotFound, err, "invalid source url %s", url)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e := model.WrapError(model.NotFound, err, "failed to fetch %s", url)
		e.Retryable = true
		return nil, e
	}
	return resp, nil
}

// limiterError tags a failed rate limiter wait. Wait gives up early when the
// next token would arrive after the deadline, without a context error.
func limiterError(ctx context.Context, url string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if _, ok := ctx.Deadline(); ok {
		e := model.WrapError(model.TimeoutError, err, "rate limit wait for %s would pass the run deadline", url)
		e.Retryable = true
		return e
	}
	e := model.WrapError(model.NotFound, err, "rate limiter refused %s", url)
	e.Retryable = true
	return e
}
