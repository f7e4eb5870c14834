// Package client provides the ESI fetch client: every outbound call passes
// through the error gate, a request-rate limiter and a fixed connection
// budget, and server/network failures are retried with a fixed delay.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/eve-market-replica/pkg/pagination"
	"github.com/Sternrassler/eve-market-replica/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// HeaderPages carries the total page count of a paginated endpoint.
const HeaderPages = "X-Pages"

// Prometheus metrics for ESI client operations.
var (
	esiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_requests_total",
		Help: "Total ESI requests by endpoint and status",
	}, []string{"endpoint", "status"})

	esiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "esi_request_duration_seconds",
		Help:    "ESI request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	esiErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_errors_total",
		Help: "Terminal ESI failures by class",
	}, []string{"class"})

	esiConnectionsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "esi_connections_in_use",
		Help: "Outbound connection slots currently held",
	})

	esiGateWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "esi_gate_wait_seconds",
		Help:    "Time spent waiting for the error gate to lift",
		Buckets: []float64{1, 5, 15, 30, 60},
	})
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is prepended to every request path.
	BaseURL string

	// User-Agent header (REQUIRED by ESI)
	// Format: "AppName/Version (contact@example.com)"
	UserAgent string

	// MaxConnections bounds the number of in-flight outbound calls.
	MaxConnections int

	// RequestsPerSecond paces outbound calls; 0 disables pacing.
	RequestsPerSecond float64
	Burst             int

	// Retry
	MaxRetries int
	RetryDelay time.Duration

	// Timeout per HTTP attempt.
	Timeout time.Duration

	// PageConcurrency is the number of pages fetched in parallel after page 1.
	PageConcurrency int
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		BaseURL:           "https://esi.evetech.net/latest",
		UserAgent:         userAgent,
		MaxConnections:    100,
		RequestsPerSecond: 0,
		Burst:             1,
		MaxRetries:        3,
		RetryDelay:        1 * time.Second,
		Timeout:           30 * time.Second,
		PageConcurrency:   1,
	}
}

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client is the ESI fetch client. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	gate       *ratelimit.Gate
	tracker    *ratelimit.Tracker
	limiter    *rate.Limiter
	slots      chan struct{}
	pages      *pagination.Fetcher
	retry      RetryConfig
	config     Config
	logger     zerolog.Logger
}

// New creates a new ESI client. gate is required; tracker may be nil.
func New(cfg Config, gate *ratelimit.Gate, tracker *ratelimit.Tracker) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if gate == nil {
		return nil, fmt.Errorf("rate gate is required")
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", cfg.BaseURL, err)
	}

	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("max_connections must be > 0 (got %d)", cfg.MaxConnections)
	}

	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be >= 0 (got %d)", cfg.MaxRetries)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := log.With().Str("component", "esi-client").Logger()

	if tracker == nil {
		tracker = ratelimit.NewTracker(nil, logger)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		gate:    gate,
		tracker: tracker,
		limiter: limiter,
		slots:   make(chan struct{}, cfg.MaxConnections),
		retry: RetryConfig{
			MaxRetries: cfg.MaxRetries,
			Delay:      cfg.RetryDelay,
		},
		config: cfg,
		logger: logger,
	}

	c.pages = pagination.NewFetcher(c, pagination.Config{Concurrency: cfg.PageConcurrency}, logger)

	return c, nil
}

// acquire runs the shared preamble: wait out the error gate, wait for the
// request-rate limiter, then take one connection slot. The returned release
// func must be called exactly once.
func (c *Client) acquire(ctx context.Context) (func(), error) {
	if err := c.waitForGate(ctx); err != nil {
		return nil, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrContextCancelled, err)
		}
	}

	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
	}
	esiConnectionsInUse.Inc()

	return func() {
		<-c.slots
		esiConnectionsInUse.Dec()
	}, nil
}

// waitForGate blocks while the gate is limited.
func (c *Client) waitForGate(ctx context.Context) error {
	for c.gate.IsRateLimited() {
		wait := c.gate.UntilLifted()

		c.logger.Warn().
			Int("seconds_until_lifted", c.gate.SecondsUntilLifted()).
			Msg("Error budget exhausted, waiting before next request")

		start := time.Now()
		err := sleepCtx(ctx, wait)
		esiGateWaitSeconds.Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
	}
	return nil
}

// Do fetches path (optionally carrying a query string) with extra query
// parameters. The connection slot is held for the whole retry sequence.
// A terminal failure is recorded exactly once in the gate.
func (c *Client) Do(ctx context.Context, path string, query url.Values) (*Response, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	target, err := c.buildURL(path, query)
	if err != nil {
		return nil, err
	}

	endpoint := endpointLabel(path)
	startTime := time.Now()
	defer func() {
		esiRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	var resp *Response
	err = retryFixed(ctx, c.retry, c.logger, path, func(attempt int) error {
		r, err := c.once(ctx, target, path, endpoint)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		c.recordFailure(ctx, path, err)
		return nil, err
	}

	c.gate.RecordSuccess()
	return resp, nil
}

// once performs a single HTTP attempt and reads the full body.
func (c *Client) once(ctx context.Context, target, path, endpoint string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().Str("path", path).Msg("Executing ESI request")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		esiRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, &ESIError{
			ErrorClass: ErrorClassNetwork,
			Path:       path,
			Message:    "request failed",
			Err:        err,
		}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		esiRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, &ESIError{
			StatusCode: httpResp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Path:       path,
			Message:    "read body",
			Err:        err,
		}
	}

	if _, _, err := c.tracker.ObserveHeaders(httpResp.Header); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to parse error limit headers")
	}

	esiRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(httpResp.StatusCode)).Inc()

	if httpResp.StatusCode >= 400 {
		errClass := classifyStatus(httpResp.StatusCode)

		if errClass == ErrorClassRateLimit {
			c.logger.Warn().
				Str("path", path).
				Int("status", httpResp.StatusCode).
				Msg("ESI rate limit status received")
		} else {
			c.logger.Debug().
				Str("path", path).
				Int("status", httpResp.StatusCode).
				Str("error_class", string(errClass)).
				Msg("ESI request error")
		}

		return nil, &ESIError{
			StatusCode: httpResp.StatusCode,
			ErrorClass: errClass,
			Path:       path,
			Message:    strings.TrimSpace(string(body)),
			Err:        ErrBadStatus,
		}
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

// recordFailure counts one terminal failure against the error budget.
// Cancellation by the caller is not an upstream failure.
func (c *Client) recordFailure(ctx context.Context, path string, err error) {
	if ctx.Err() != nil {
		return
	}

	errClass := ClassOf(err)
	esiErrorsTotal.WithLabelValues(string(errClass)).Inc()

	c.gate.RecordError()

	c.logger.Error().
		Err(err).
		Str("path", path).
		Str("error_class", string(errClass)).
		Int("remaining_error_budget", c.gate.RemainingErrorBudget()).
		Msg("ESI request failed")

	if pubErr := c.tracker.Publish(ctx, c.gate.Snapshot()); pubErr != nil {
		c.logger.Warn().Err(pubErr).Msg("Failed to publish gate snapshot")
	}
}

// FetchPage implements pagination.PageFetcher. A missing or invalid X-Pages
// header means a single page.
func (c *Client) FetchPage(ctx context.Context, endpoint string, pageNum int) ([]byte, int, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(pageNum))

	resp, err := c.Do(ctx, endpoint, query)
	if err != nil {
		return nil, 0, err
	}

	totalPages := 1
	if v := resp.Header.Get(HeaderPages); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			totalPages = n
		} else {
			c.logger.Warn().Str("path", endpoint).Str("x_pages", v).Msg("Invalid X-Pages header, assuming 1")
		}
	}

	return resp.Body, totalPages, nil
}

func (c *Client) buildURL(path string, query url.Values) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.config.BaseURL, "/") + path)
	if err != nil {
		return "", fmt.Errorf("build url for %s: %w", path, err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// endpointLabel replaces numeric path segments so metric labels stay bounded.
func endpointLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segments := strings.Split(path, "/")
	for i, s := range segments {
		if s == "" {
			continue
		}
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

// RemainingErrorBudget returns the gate's remaining error budget.
func (c *Client) RemainingErrorBudget() int {
	return c.gate.RemainingErrorBudget()
}

// IsRateLimited reports whether the gate currently blocks requests.
func (c *Client) IsRateLimited() bool {
	return c.gate.IsRateLimited()
}

// AvailableConnections returns the number of free connection slots.
func (c *Client) AvailableConnections() int {
	return cap(c.slots) - len(c.slots)
}

// Gate returns the client's error gate.
func (c *Client) Gate() *ratelimit.Gate {
	return c.gate
}

// Tracker returns the upstream budget tracker.
func (c *Client) Tracker() *ratelimit.Tracker {
	return c.tracker
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
