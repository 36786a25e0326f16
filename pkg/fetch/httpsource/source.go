// Package httpsource implements a fetch.Source over a paginated JSON HTTP
// endpoint:
//
//	GET {base}?limit=N&next_token=T
//	200 {"events": [...], "next_token": "..."}
//
// Requests are gated by an error-budget tracker fed from response headers,
// and transient failures (5xx, 429, network) are retried with backoff.
package httpsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/trailpoll/pkg/fetch"
	"github.com/Sternrassler/trailpoll/pkg/ratelimit"
	"github.com/Sternrassler/trailpoll/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// maxBodyBytes bounds a decoded page body.
const maxBodyBytes = 16 << 20

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "trailpoll_source_requests_total",
	Help: "Total HTTP source requests by source and status",
}, []string{"source", "status"})

// Config holds the source configuration.
type Config struct {
	// BaseURL is the page endpoint. Required.
	BaseURL string

	// Name labels the source in logs and metrics.
	// Defaults to "http", if empty.
	Name string

	// UserAgent is sent with every request.
	// Defaults to "trailpoll", if empty.
	UserAgent string

	// Headers are added to every request (e.g. Authorization).
	Headers map[string]string

	// LimitParam and CursorParam name the query parameters.
	// Default to "limit" and "next_token", if empty.
	LimitParam  string
	CursorParam string

	// Timeout bounds a single HTTP attempt.
	// Defaults to 30s, if 0.
	Timeout time.Duration

	// Retry configures retries of transient failures.
	Retry RetryConfig

	// RateLimit configures the error-budget tracker.
	RateLimit ratelimit.Config

	// RateLimitStore holds the error-budget state. Nil keeps it in memory.
	RateLimitStore ratelimit.StateStore
}

// pageBody is the wire format of a page.
type pageBody struct {
	Events    []record.Record `json:"events"`
	NextToken string          `json:"next_token"`
}

// Source fetches pages from an HTTP endpoint.
type Source struct {
	httpClient  *http.Client
	baseURL     *url.URL
	rateLimiter *ratelimit.Tracker
	config      Config
	logger      zerolog.Logger
}

var _ fetch.Source = (*Source)(nil)

// New creates an HTTP source.
func New(cfg Config, logger zerolog.Logger) (*Source, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base_url is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base_url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base_url must be http or https (got %q)", cfg.BaseURL)
	}

	if cfg.Name == "" {
		cfg.Name = "http"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "trailpoll"
	}
	if cfg.LimitParam == "" {
		cfg.LimitParam = "limit"
	}
	if cfg.CursorParam == "" {
		cfg.CursorParam = "next_token"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.Retry = cfg.Retry.withDefaults()

	logger = logger.With().Str("source", cfg.Name).Logger()

	return &Source{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		baseURL:     base,
		rateLimiter: ratelimit.NewTracker(cfg.RateLimitStore, cfg.RateLimit, logger),
		config:      cfg,
		logger:      logger,
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (s *Source) SetHTTPClient(client *http.Client) {
	s.httpClient = client
}

// RateLimiter returns the error-budget tracker.
func (s *Source) RateLimiter() *ratelimit.Tracker {
	return s.rateLimiter
}

// Fetch requests one page.
func (s *Source) Fetch(ctx context.Context, cursor record.Cursor, limit int) (record.Page, error) {
	allowed, err := s.rateLimiter.ShouldAllowRequest(ctx)
	if err != nil {
		return record.Page{}, &SourceError{
			ErrorClass: ErrorClassNetwork,
			Message:    "rate limit check failed",
			Err:        err,
		}
	}
	if !allowed {
		requestsTotal.WithLabelValues(s.config.Name, "blocked").Inc()
		return record.Page{}, &SourceError{
			ErrorClass: ErrorClassRateLimit,
			Message:    "error budget critical",
			Err:        ErrBlocked,
		}
	}

	pageURL := s.pageURL(cursor, limit)

	var body pageBody
	err = retryWithBackoff(ctx, s.config.Retry, s.logger, func() (ErrorClass, error) {
		return s.attempt(ctx, pageURL, &body)
	})
	if err != nil {
		return record.Page{}, err
	}

	page := record.Page{Records: body.Events}
	if body.NextToken != "" {
		page.Next = record.Cursor(body.NextToken)
	}
	return page, nil
}

// pageURL builds the request URL for a page.
func (s *Source) pageURL(cursor record.Cursor, limit int) string {
	u := *s.baseURL
	q := u.Query()
	q.Set(s.config.LimitParam, strconv.Itoa(fetch.ClampLimit(limit)))
	if !cursor.IsAbsent() {
		q.Set(s.config.CursorParam, string(cursor))
	} else {
		q.Del(s.config.CursorParam)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// attempt performs a single request and decodes the body into out.
func (s *Source) attempt(ctx context.Context, pageURL string, out *pageBody) (ErrorClass, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return ErrorClassClient, &SourceError{ErrorClass: ErrorClassClient, Message: "create request", Err: err}
	}
	req.Header.Set("User-Agent", s.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	for k, v := range s.config.Headers {
		req.Header.Set(k, v)
	}

	s.logger.Debug().Str("url", pageURL).Msg("Requesting page")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(s.config.Name, "network_error").Inc()
		s.logger.Warn().Err(err).Msg("HTTP request failed")
		return ErrorClassNetwork, &SourceError{ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if err := s.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
	}

	requestsTotal.WithLabelValues(s.config.Name, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		errClass := classifyStatus(resp.StatusCode)
		s.logger.Warn().
			Int("status", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("Source request error")

		// drain so the connection can be reused
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return errClass, &SourceError{
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			Message:    resp.Status,
		}
	}

	var body pageBody
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return ErrorClassNetwork, &SourceError{StatusCode: resp.StatusCode, ErrorClass: ErrorClassNetwork, Message: "read body", Err: err}
		}
		return ErrorClassDecode, &SourceError{StatusCode: resp.StatusCode, ErrorClass: ErrorClassDecode, Message: "decode page", Err: err}
	}

	*out = body
	return "", nil
}
