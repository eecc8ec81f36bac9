// Package client provides the HTTP client for the public declaration
// registry, with retry, rate-limit cooldown handling, and error
// classification.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openarmenia/cpc-extract/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for upstream requests.
var (
	cpcRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cpc_requests_total",
		Help: "Total upstream requests by endpoint and status",
	}, []string{"endpoint", "status"})

	cpcRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cpc_request_duration_seconds",
		Help:    "Upstream request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	cpcErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cpc_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})
)

// Upstream endpoint paths.
const (
	declarationsPath = "/declarations"
	declarationPath  = "/declaration"
)

// maxResponseBytes bounds how much of a response body is read. A full page
// of declaration summaries stays well under this.
const maxResponseBytes = 32 << 20

// Client talks to the declaration registry API.
type Client struct {
	httpClient *http.Client
	tracker    *ratelimit.Tracker
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the registry API root, without a trailing slash.
	BaseURL string

	// UserAgent header sent with every request. REQUIRED: the registry
	// rejects requests without one.
	UserAgent string

	// Timeout bounds a single HTTP exchange. Zero means 30s.
	Timeout time.Duration

	// PageSize is the default number of records requested per page.
	// Clamped to the upstream maximum of 100. Zero means 100.
	PageSize int

	// Retry is the policy for transient failures. Zero value means
	// DefaultRetryPolicy.
	Retry RetryPolicy

	// Tracker coordinates cooldowns after 429 responses. Nil means a
	// process-local tracker.
	Tracker *ratelimit.Tracker
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, userAgent string) Config {
	return Config{
		BaseURL:   baseURL,
		UserAgent: userAgent,
		Timeout:   30 * time.Second,
		PageSize:  maxPageLimit,
		Retry:     DefaultRetryPolicy(),
	}
}

// New creates a new registry client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PageSize <= 0 || cfg.PageSize > maxPageLimit {
		cfg.PageSize = maxPageLimit
	}
	cfg.Retry = cfg.Retry.withDefaults()

	// Initialize logger
	logger := log.With().Str("component", "cpc-client").Logger()

	tracker := cfg.Tracker
	if tracker == nil {
		tracker = ratelimit.NewTracker(ratelimit.NewMemoryStore(), logger)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		tracker: tracker,
		config:  cfg,
		logger:  logger,
	}, nil
}

// pageResponse is the wire shape of the registry listing endpoint.
type pageResponse struct {
	Data   []RawRecord `json:"data"`
	Paging struct {
		Total int `json:"total"`
	} `json:"paging"`
}

// FetchPage retrieves one page of declaration summaries. A zero token
// fetches the first page; otherwise token must come from the Next field of
// a page previously fetched for the same query. The returned page's Next is
// the zero token when the walk is complete.
func (c *Client) FetchPage(ctx context.Context, q Query, token PageToken) (*Page, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	offset, index := q.Offset, 1
	if !token.IsZero() {
		if token.query != q.fingerprint() {
			return nil, fmt.Errorf("%w: token was issued by a different query", ErrForeignToken)
		}
		offset, index = token.offset, token.index
	}

	limit := q.PageSize
	if limit <= 0 {
		limit = c.config.PageSize
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	payload := map[string]any{
		"filter": q.filter(),
		"paging": map[string]int{
			"offset": offset,
			"limit":  limit,
		},
	}

	var body pageResponse
	if err := c.doJSON(ctx, http.MethodPost, declarationsPath, declarationsPath, payload, &body); err != nil {
		return nil, fmt.Errorf("fetch page %d: %w", index, err)
	}

	page := &Page{
		Index:   index,
		Records: body.Data,
		Total:   body.Paging.Total,
	}

	// Only a short page ends the walk. The advisory total is not consulted:
	// upstream does not guarantee it is consistent across pages, and a
	// misreported total on a full page boundary would silently truncate the
	// dataset. An exactly-full registry costs one trailing empty request.
	if len(body.Data) == limit {
		page.Next = PageToken{offset: offset + len(body.Data), index: index + 1, query: q.fingerprint()}
	}

	c.logger.Debug().
		Int("page", index).
		Int("records", len(body.Data)).
		Int("total", page.Total).
		Bool("last", page.Next.IsZero()).
		Msg("Fetched registry page")

	return page, nil
}

// FetchDetail retrieves one full declaration document by record identifier.
func (c *Client) FetchDetail(ctx context.Context, id int64) (Detail, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: record id must be positive", ErrInvalidQuery)
	}

	path := fmt.Sprintf("%s/%d", declarationPath, id)

	var detail Detail
	if err := c.doJSON(ctx, http.MethodGet, path, declarationPath+"/{id}", nil, &detail); err != nil {
		return nil, fmt.Errorf("fetch detail %d: %w", id, err)
	}
	return detail, nil
}

// doJSON performs one JSON exchange with the registry, wrapped in the retry
// policy. endpoint is the low-cardinality metric label for path.
func (c *Client) doJSON(ctx context.Context, method, path, endpoint string, payload, out any) error {
	// Request timing covers all attempts.
	startTime := time.Now()
	defer func() {
		cpcRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	// Tracks whether any attempt hit a 429, so a later success can clear the
	// shared cooldown state.
	sawRateLimit := false

	return retryWithBackoff(ctx, c.config.Retry, func() error {
		// Step 1: Consult the shared cooldown before touching the upstream.
		allowed, err := c.tracker.Allow(ctx)
		if err != nil {
			c.logger.Error().Err(err).Msg("Rate limit check failed")
			return fmt.Errorf("rate limit check: %w", err)
		}
		if !allowed {
			c.logger.Warn().
				Str("endpoint", endpoint).
				Msg("Request blocked by upstream cooldown")
			cpcRequestsTotal.WithLabelValues(endpoint, "rate_limited").Inc()
			return &UpstreamError{
				StatusCode: http.StatusTooManyRequests,
				Class:      ErrorClassRateLimit,
				Message:    "upstream cooldown active",
			}
		}

		// Step 2: Build the request. Each attempt gets a fresh body reader.
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", c.config.UserAgent)
		req.Header.Set("Accept", "application/json")
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		// Step 3: Execute.
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
			cpcErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			cpcRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			return &UpstreamError{
				Class:   ErrorClassNetwork,
				Message: "request failed",
				Err:     err,
			}
		}

		// Step 4: Classify the response.
		if resp.StatusCode >= 400 {
			resp.Body.Close()

			class := classifyStatus(resp.StatusCode)
			cpcErrorsTotal.WithLabelValues(string(class)).Inc()
			cpcRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

			c.logger.Warn().
				Str("endpoint", endpoint).
				Int("status", resp.StatusCode).
				Str("error_class", string(class)).
				Msg("Upstream request error")

			if class == ErrorClassRateLimit {
				sawRateLimit = true
				retryAfter := parseRetryAfter(resp.Header)
				if err := c.tracker.ReportRateLimit(ctx, retryAfter); err != nil {
					c.logger.Warn().Err(err).Msg("Failed to record rate limit cooldown")
				}
			}

			return &UpstreamError{
				StatusCode: resp.StatusCode,
				Class:      class,
				Message:    resp.Status,
			}
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if err != nil {
			cpcErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			cpcRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			return &UpstreamError{
				StatusCode: resp.StatusCode,
				Class:      ErrorClassNetwork,
				Message:    "read response body",
				Err:        err,
			}
		}

		if err := json.Unmarshal(data, out); err != nil {
			cpcErrorsTotal.WithLabelValues(string(ErrorClassDecode)).Inc()
			cpcRequestsTotal.WithLabelValues(endpoint, "decode_error").Inc()
			return &UpstreamError{
				StatusCode: resp.StatusCode,
				Class:      ErrorClassDecode,
				Message:    "malformed response body",
				Err:        err,
			}
		}

		// Success
		cpcRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
		if sawRateLimit {
			if err := c.tracker.ReportSuccess(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to clear rate limit cooldown")
			}
		}
		return nil
	})
}

// classifyStatus categorizes an HTTP status for retry handling and
// observability.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// parseRetryAfter reads the Retry-After header as a second count. Returns
// zero when the header is absent or not a plain integer, in which case the
// tracker applies its default cooldown.
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
