// Package client provides the resilient HTTP client used for all vendor API
// access: pooled transport, bounded exponential retry, circuit breaking,
// store-backed rate limiting and error classification.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/avfleet/device-sync-agent/internal/ratelimit"
)

// softFailureLimit is the consecutive transport-failure count above which the
// client reports itself unhealthy. Informational only; it never gates traffic.
const softFailureLimit = 5

// EndpointConfig describes a single vendor API endpoint. Immutable after the
// client is constructed.
type EndpointConfig struct {
	VendorID          string
	BaseURL           string
	Username          string
	Password          string
	APIKey            string
	Timeout           time.Duration
	MaxRetries        int
	BackoffFactor     float64
	RetryableStatuses []int
	VerifyTLS         bool
	FailureThreshold  int
	RecoveryTimeout   time.Duration
	MaxCallsPerSecond float64
	HealthPath        string
}

// HealthStatus is the standardized result of a vendor health probe.
type HealthStatus struct {
	Status  string                 `json:"status"` // healthy, unhealthy, error
	Details map[string]interface{} `json:"details,omitempty"`
}

// Client performs logical HTTP calls against one vendor endpoint. Each client
// owns its circuit breaker; one client per (vendor, credential) pair.
type Client struct {
	cfg        EndpointConfig
	httpClient *http.Client
	breaker    *CircuitBreaker
	limiter    *ratelimit.Limiter
	logger     *zap.SugaredLogger

	retryable map[int]bool

	mu                      sync.Mutex
	lastSuccessAt           time.Time
	consecutiveSoftFailures int

	sleepFn func(ctx context.Context, d time.Duration) error
}

// New creates a Client for the given endpoint. The limiter may be nil to
// disable cross-process rate limiting.
func New(cfg EndpointConfig, limiter *ratelimit.Limiter, logger *zap.SugaredLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 0.5
	}
	if len(cfg.RetryableStatuses) == 0 {
		cfg.RetryableStatuses = []int{http.StatusTooManyRequests, 500, 502, 503, 504}
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/api/health"
	}

	retryable := make(map[int]bool, len(cfg.RetryableStatuses))
	for _, code := range cfg.RetryableStatuses {
		retryable[code] = true
	}

	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS},
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		breaker:   NewCircuitBreaker(cfg.VendorID, cfg.FailureThreshold, cfg.RecoveryTimeout),
		limiter:   limiter,
		logger:    logger,
		retryable: retryable,
		sleepFn:   sleepContext,
	}
}

// Breaker returns the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodGet, path, nil)
}

// Put performs a PUT request with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodPut, path, body)
}

// Post performs a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodPost, path, body)
}

// Patch performs a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body interface{}) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodPatch, path, body)
}

// Request performs one logical HTTP call. It fast-fails with CircuitOpenError
// while the breaker is open (without recording a failure), waits on the rate
// limiter, then issues the call with up to MaxRetries retries for retryable
// statuses on idempotent methods, and classifies the final outcome.
func (c *Client) Request(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	if !c.breaker.AllowRequest() {
		c.logger.Warnw("Request rejected, circuit open",
			"vendor", c.cfg.VendorID, "method", method, "path", path)
		return nil, &CircuitOpenError{Scope: c.cfg.VendorID}
	}

	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, c.cfg.VendorID, method+" "+path, c.cfg.MaxCallsPerSecond); err != nil {
			return nil, err
		}
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + path

	var resp *http.Response
	var respBody []byte
	var doErr error

	for attempt := 0; ; attempt++ {
		resp, respBody, doErr = c.do(ctx, method, url, payload)

		if attempt >= c.cfg.MaxRetries || !c.shouldRetry(method, resp, doErr) {
			break
		}

		backoff := time.Duration(c.cfg.BackoffFactor * math.Pow(2, float64(attempt)) * float64(time.Second))
		c.logger.Debugw("Retrying request",
			"vendor", c.cfg.VendorID, "method", method, "path", path,
			"attempt", attempt+1, "backoff", backoff)
		if err := c.sleepFn(ctx, backoff); err != nil {
			break
		}
	}

	return c.classify(method, path, resp, respBody, doErr)
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte) (*http.Response, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, err
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.cfg.APIKey != "":
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	case c.cfg.Username != "":
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
}

func (c *Client) shouldRetry(method string, resp *http.Response, doErr error) bool {
	if !isIdempotentMethod(method) {
		return false
	}
	if doErr != nil {
		// Never retry past a cancelled caller.
		return !errors.Is(doErr, context.Canceled)
	}
	return c.retryable[resp.StatusCode]
}

// classify maps the final attempt's outcome to the error taxonomy and updates
// breaker and soft-health state. Client errors other than 429 do not count as
// breaker failures: they indicate a bad request, not an unhealthy upstream.
func (c *Client) classify(method, path string, resp *http.Response, body []byte, doErr error) (json.RawMessage, error) {
	if doErr != nil {
		c.breaker.RecordFailure()
		c.recordSoftFailure()
		if isTimeout(doErr) {
			return nil, &TimeoutError{Err: doErr}
		}
		return nil, &ConnectionError{Err: doErr}
	}

	status := resp.StatusCode

	switch {
	case status >= 200 && status < 300:
		if len(body) == 0 {
			c.breaker.RecordSuccess()
			c.recordSoftSuccess()
			return nil, nil
		}
		if !json.Valid(body) {
			c.breaker.RecordFailure()
			c.recordSoftFailure()
			return nil, &DecodeError{Err: fmt.Errorf("invalid JSON in %s %s response", method, path)}
		}
		c.breaker.RecordSuccess()
		c.recordSoftSuccess()
		return json.RawMessage(body), nil

	case status == http.StatusTooManyRequests:
		c.breaker.RecordFailure()
		retryAfter := 0
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retryAfter = secs
			}
		}
		return nil, &RateLimitError{RetryAfter: retryAfter}

	case status >= 500:
		c.breaker.RecordFailure()
		return nil, &GenericAPIError{StatusCode: status, Body: string(body)}

	default:
		// 4xx other than 429: caller's fault, not the upstream's.
		return nil, &GenericAPIError{StatusCode: status, Body: string(body)}
	}
}

func (c *Client) recordSoftFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveSoftFailures++
}

func (c *Client) recordSoftSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveSoftFailures = 0
	c.lastSuccessAt = time.Now()
}

// IsHealthy reports the soft-health signal: false once five or more
// consecutive transport-level failures have been observed. Separate from the
// breaker and used only for informational health endpoints.
func (c *Client) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveSoftFailures < softFailureLimit
}

// LastSuccessAt returns the time of the last successful call, zero if none.
func (c *Client) LastSuccessAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSuccessAt
}

// CheckHealth issues a single GET to the vendor's health endpoint without
// consuming retries or touching the breaker.
func (c *Client) CheckHealth(ctx context.Context) HealthStatus {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + c.cfg.HealthPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return HealthStatus{Status: "error", Details: map[string]interface{}{"error": err.Error()}}
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthStatus{Status: "error", Details: map[string]interface{}{"error": err.Error()}}
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		details := map[string]interface{}{}
		if len(body) > 0 && json.Valid(body) {
			_ = json.Unmarshal(body, &details)
		}
		return HealthStatus{Status: "healthy", Details: details}
	}

	return HealthStatus{
		Status:  "unhealthy",
		Details: map[string]interface{}{"status_code": resp.StatusCode},
	}
}

func isIdempotentMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
