package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/tweet-puller/pkg/logging"
)

// Prometheus metrics for remote API operations.
var (
	remoteRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puller_remote_requests_total",
		Help: "Total remote API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	remoteRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "puller_remote_request_duration_seconds",
		Help:    "Remote API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	remoteErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puller_remote_errors_total",
		Help: "Total remote API errors by kind",
	}, []string{"kind"})

	remoteRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puller_remote_retries_total",
		Help: "Total number of transport retry attempts by error kind",
	}, []string{"kind"})

	remoteRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "puller_remote_retry_exhausted_total",
		Help: "Total number of times transport retries were exhausted by error kind",
	}, []string{"kind"})
)

const (
	endpointUserLookup = "user_lookup"
	endpointUserPosts  = "user_posts"

	// HeaderRateLimitReset carries the unix time at which the rate limit window resets.
	HeaderRateLimitReset = "X-Rate-Limit-Reset"

	maxBodyBytes = 16 << 20
)

// Retrier decides whether a failed transport attempt is retried.
// It is satisfied by (*ratelimit.RateLimiter).HandleRetry.
type Retrier interface {
	HandleRetry(ctx context.Context, attempt int) (bool, error)
}

// Config holds the HTTP client configuration.
type Config struct {
	// BaseURL of the API, e.g. "https://api.x.com/2".
	BaseURL string

	// Token is sent as a bearer token.
	Token string

	// UserAgent header sent with every request.
	UserAgent string

	// Timeout per HTTP request.
	Timeout time.Duration

	// PageSize requested per page.
	PageSize int
}

// DefaultConfig returns a default configuration for the given base URL.
func DefaultConfig(baseURL, token string) Config {
	return Config{
		BaseURL:   baseURL,
		Token:     token,
		UserAgent: "tweet-puller/0.1.0",
		Timeout:   30 * time.Second,
		PageSize:  40,
	}
}

// HTTPClient implements Remote over a REST/JSON API.
type HTTPClient struct {
	httpClient *http.Client
	retrier    Retrier
	config     Config
	logger     zerolog.Logger
}

// NewHTTPClient creates a new HTTP remote client. retrier may be nil to
// disable transport retries.
func NewHTTPClient(cfg Config, retrier Retrier, logger zerolog.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 40
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &HTTPClient{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		retrier: retrier,
		config:  cfg,
		logger:  logging.Component(logger, "remote"),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *HTTPClient) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

type userResponse struct {
	Data Subject `json:"data"`
}

type postsResponse struct {
	Data []Item `json:"data"`
	Meta struct {
		NextToken string `json:"next_token"`
	} `json:"meta"`
}

// ResolveSubject implements Remote.
func (c *HTTPClient) ResolveSubject(ctx context.Context, name string) (Subject, error) {
	path := "/users/by/username/" + url.PathEscape(name)

	var resp userResponse
	if err := c.get(ctx, endpointUserLookup, path, nil, &resp); err != nil {
		return Subject{}, err
	}
	if resp.Data.ID == "" {
		return Subject{}, &Error{Kind: KindNotFound, StatusCode: http.StatusOK, Message: "user " + name + " not found"}
	}
	return resp.Data, nil
}

// FetchPage implements Remote.
func (c *HTTPClient) FetchPage(ctx context.Context, subject Subject, cursor string) (Page, error) {
	path := "/users/" + url.PathEscape(subject.ID) + "/tweets"
	query := url.Values{}
	query.Set("max_results", strconv.Itoa(c.config.PageSize))
	if cursor != "" {
		query.Set("pagination_token", cursor)
	}

	var resp postsResponse
	if err := c.get(ctx, endpointUserPosts, path, query, &resp); err != nil {
		return Page{}, err
	}
	return Page{Items: resp.Data, NextCursor: resp.Meta.NextToken}, nil
}

// get performs a GET with transport retries for server and network errors.
func (c *HTTPClient) get(ctx context.Context, endpoint, path string, query url.Values, out any) error {
	for attempt := 0; ; attempt++ {
		err := c.once(ctx, endpoint, path, query, out)
		if err == nil {
			if attempt > 0 {
				c.logger.Info().
					Str("endpoint", endpoint).
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		kind := KindOf(err)
		if !retryable(kind) || c.retrier == nil {
			return err
		}

		ok, rerr := c.retrier.HandleRetry(ctx, attempt)
		if rerr != nil {
			return rerr
		}
		if !ok {
			remoteRetryExhaustedTotal.WithLabelValues(string(kind)).Inc()
			c.logger.Warn().
				Str("endpoint", endpoint).
				Str("kind", string(kind)).
				Int("attempts", attempt+1).
				Msg("Retry attempts exhausted")
			return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt+1, err)
		}
		remoteRetriesTotal.WithLabelValues(string(kind)).Inc()
	}
}

// once executes a single request and decodes a successful body into out.
func (c *HTTPClient) once(ctx context.Context, endpoint, path string, query url.Values, out any) error {
	startTime := time.Now()
	defer func() {
		remoteRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	target := c.config.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("path", path).
		Msg("Executing remote request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		remoteErrorsTotal.WithLabelValues(string(KindNetwork)).Inc()
		remoteRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		return &Error{Kind: KindNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	remoteRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		rerr := classifyResponse(resp)
		remoteErrorsTotal.WithLabelValues(string(rerr.Kind)).Inc()
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("kind", string(rerr.Kind)).
			Msg("Remote request error")
		return rerr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &Error{Kind: KindNetwork, StatusCode: resp.StatusCode, Message: "read body", Err: err}
	}
	// Numbers stay json.Number so 64-bit ids survive decoding.
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	return nil
}

// classifyResponse maps an HTTP error status to a remote error.
func classifyResponse(resp *http.Response) *Error {
	e := &Error{StatusCode: resp.StatusCode, Message: resp.Status}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		e.Kind = KindUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		e.Kind = KindForbidden
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		if reset, ok := parseReset(resp.Header.Get(HeaderRateLimitReset)); ok {
			e.ResetAt = reset
		}
	case resp.StatusCode == http.StatusNotFound:
		e.Kind = KindNotFound
	case resp.StatusCode >= 500:
		e.Kind = KindServer
	default:
		e.Kind = KindClient
	}
	return e
}

func parseReset(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}
