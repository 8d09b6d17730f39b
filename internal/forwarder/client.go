// Package forwarder provides the retrying HTTP client used for all outbound
// service-to-service calls. Each attempt is bounded by its own timeout;
// retries apply only to retriable statuses, timeouts, and network-layer
// errors, with exponential backoff between attempts.
package forwarder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"wa-router/internal/common/logging"
)

// Config holds retry tuning
type Config struct {
	// MaxAttempts is the number of retries after the first attempt
	MaxAttempts int
	// BaseDelay seeds the exponential backoff (base * 2^attempt)
	BaseDelay time.Duration
	// AttemptTimeout bounds each individual attempt
	AttemptTimeout time.Duration
	// RetriableStatusCodes lists response statuses worth retrying
	RetriableStatusCodes []int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:          2,
		BaseDelay:            200 * time.Millisecond,
		AttemptTimeout:       4 * time.Second,
		RetriableStatusCodes: []int{408, 429, 503, 504},
	}
}

// Request describes one outbound call
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is a fully buffered upstream response
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Client wraps http.Client with bounded retries. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     logging.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient creates a forwarding client
func NewClient(config Config, logger logging.Logger) *Client {
	if config.MaxAttempts < 0 {
		config.MaxAttempts = 0
	}
	if config.BaseDelay < 50*time.Millisecond {
		config.BaseDelay = 50 * time.Millisecond
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 4 * time.Second
	}
	if len(config.RetriableStatusCodes) == 0 {
		config.RetriableStatusCodes = []int{408, 429, 503, 504}
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		config:     config,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// Do performs the request with retries. When retries exhaust, the last
// non-ok response is returned without error; an error is returned only when
// no response was ever obtained or the failure is not retriable.
func (c *Client) Do(ctx context.Context, req Request, correlationID string) (*Response, error) {
	var lastResponse *Response
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxAttempts; attempt++ {
		response, err := c.attempt(ctx, req)
		if err == nil {
			if response.StatusCode < 400 || !c.isRetriableStatus(response.StatusCode) {
				return response, nil
			}
			lastResponse = response
		} else {
			if !isRetriableError(err) {
				return nil, err
			}
			lastErr = err
		}

		if attempt < c.config.MaxAttempts {
			delay := c.config.BaseDelay * (1 << attempt)
			fields := []logging.Field{
				logging.String("url", req.URL),
				logging.Int("attempt", attempt+1),
				logging.Int("max_attempts", c.config.MaxAttempts),
				logging.Duration("delay", delay),
				logging.String("correlation_id", correlationID),
			}
			if lastResponse != nil {
				fields = append(fields, logging.Int("status", lastResponse.StatusCode))
			}
			if lastErr != nil {
				fields = append(fields, logging.String("error", lastErr.Error()))
			}
			c.logger.Info("RETRY_SCHEDULED", fields...)

			if err := c.sleep(ctx, delay); err != nil {
				return lastResponse, err
			}
		}
	}

	c.logger.Error("RETRY_EXHAUSTED", lastErr,
		logging.String("url", req.URL),
		logging.Int("attempts", c.config.MaxAttempts+1),
		logging.String("correlation_id", correlationID),
	)

	if lastResponse != nil {
		return lastResponse, nil
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, req Request) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.AttemptTimeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, &requestError{err}
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       respBody,
	}, nil
}

func (c *Client) isRetriableStatus(status int) bool {
	for _, code := range c.config.RetriableStatusCodes {
		if code == status {
			return true
		}
	}
	return false
}

// requestError marks request-construction failures, which must propagate
// without retry.
type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func isRetriableError(err error) bool {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// http.Client wraps transport failures in *url.Error, matched above via
	// net.Error; anything else is not a transport problem.
	return false
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
