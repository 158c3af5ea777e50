package devhost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/superfly/fly.rs/internal/infrastructure/resilience"
	"github.com/superfly/fly.rs/internal/wire"
)

// FetcherConfig tunes the outbound client used for isolate fetches.
type FetcherConfig struct {
	Timeout    time.Duration
	RetryMax   int
	RetryWait  time.Duration
	RPS        float64
	Burst      int
	UserAgent  string
	Breaker    resilience.Settings
	HTTPClient *http.Client
}

// DefaultFetcherConfig returns settings suited to local development.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Timeout:   30 * time.Second,
		RetryMax:  2,
		RetryWait: 200 * time.Millisecond,
		RPS:       50,
		Burst:     100,
		UserAgent: "fly-devhost/1.0",
	}
}

// Fetcher performs HTTP requests on behalf of isolates. Requests are rate
// limited globally and guarded by one circuit breaker per target host.
type Fetcher struct {
	resty    *resty.Client
	limiter  *rate.Limiter
	breakers *resilience.Set
}

// NewFetcher builds the outbound client from cfg, filling in defaults.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	hc := cfg.HTTPClient
	if hc == nil {
		retryClient := retryablehttp.NewClient()
		retryClient.RetryMax = cfg.RetryMax
		retryClient.RetryWaitMin = cfg.RetryWait
		retryClient.RetryWaitMax = cfg.RetryWait * 10
		retryClient.Logger = nil
		// Hand non-2xx responses back to the isolate instead of an error.
		retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
		hc = retryClient.StandardClient()
	}

	client := resty.NewWithClient(hc).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.UserAgent)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RPS)
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	return &Fetcher{
		resty:    client,
		limiter:  limiter,
		breakers: resilience.NewSet(cfg.Breaker),
	}
}

// Breakers exposes the per-host circuit breakers.
func (f *Fetcher) Breakers() *resilience.Set {
	return f.breakers
}

// Do sends one request. The caller closes the response body.
func (f *Fetcher) Do(ctx context.Context, method, rawURL string, header http.Header, body io.Reader) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, invalidInput("invalid url %q", rawURL)
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, &commandError{kind: wire.ErrInterrupted, msg: fmt.Sprintf("rate limit: %v", err)}
	}

	res, err := resilience.Execute(f.breakers.Get(u.Host), func() (*http.Response, error) {
		req := f.resty.R().
			SetContext(ctx).
			SetDoNotParseResponse(true).
			SetHeaderMultiValues(header)
		if body != nil {
			req.SetBody(body)
		}
		resp, err := req.Execute(method, rawURL)
		if err != nil {
			return nil, err
		}
		raw := resp.RawResponse
		if raw.StatusCode >= http.StatusInternalServerError {
			// Counted against the breaker but still delivered.
			return raw, &upstreamError{res: raw}
		}
		return raw, nil
	})

	var upstream *upstreamError
	switch {
	case errors.As(err, &upstream):
		return upstream.res, nil
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		return nil, &commandError{kind: wire.ErrPermissionDenied, msg: fmt.Sprintf("%s: %v", u.Host, err)}
	case errors.Is(err, context.DeadlineExceeded):
		return nil, &commandError{kind: wire.ErrTimedOut, msg: err.Error()}
	case errors.Is(err, context.Canceled):
		return nil, &commandError{kind: wire.ErrInterrupted, msg: err.Error()}
	case err != nil:
		return nil, err
	}
	return res, nil
}

type upstreamError struct {
	res *http.Response
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("upstream returned %s", e.res.Status)
}
