package exchange

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxRetries = 3

// RetryPolicy selects which failures a request may be retried on
type RetryPolicy int

const (
	// RetryAll retries throttling, 5xx and transport errors. Use for reads.
	RetryAll RetryPolicy = iota
	// RetryThrottled retries only 429/418 responses, which the broker
	// rejected before processing. Use for order placement and mutation.
	RetryThrottled
)

// HTTPError is returned for a non-2xx broker response
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// RestOptions configures a RestClient
type RestOptions struct {
	BaseURL        string
	RateLimit      float64
	RateLimitBurst int
	Timeout        time.Duration
}

// RestClient is the rate limited, retrying HTTP core shared by the broker gateways
type RestClient struct {
	client    *resty.Client
	limiter   *rate.Limiter
	logger    *zap.Logger
	retryBase time.Duration
}

// NewRestClient creates a RestClient. A zero rate limit disables limiting.
func NewRestClient(opts RestOptions, logger *zap.Logger) *RestClient {
	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetHeader("Accept", "application/json")
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}

	limit := rate.Inf
	burst := 1
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
		burst = opts.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
	}

	return &RestClient{
		client:    client,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger,
		retryBase: time.Second,
	}
}

// SetRetryBase changes the first backoff delay; later attempts double it
func (c *RestClient) SetRetryBase(d time.Duration) *RestClient {
	c.retryBase = d
	return c
}

// BaseURL returns the broker base URL
func (c *RestClient) BaseURL() string {
	return c.client.BaseURL
}

// R starts a request bound to ctx
func (c *RestClient) R(ctx context.Context) *resty.Request {
	return c.client.R().SetContext(ctx)
}

// Do executes req with rate limiting and exponential backoff
func (c *RestClient) Do(ctx context.Context, method, path string, req *resty.Request, policy RetryPolicy) (*resty.Response, error) {
	var resp *resty.Response
	var err error

	for i := 0; i < maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+path))
		resp, err = req.Execute(method, path)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		shouldRetry := false
		var retryAfter time.Duration

		if err == nil && resp != nil {
			statusCode := resp.StatusCode()
			switch {
			case statusCode == http.StatusTooManyRequests || statusCode == 418:
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			case statusCode >= 500:
				shouldRetry = policy == RetryAll
			}
			err = &HTTPError{StatusCode: statusCode, Body: resp.String()}
		} else {
			shouldRetry = policy == RetryAll && ctx.Err() == nil
		}

		if !shouldRetry || i == maxRetries-1 {
			return nil, err
		}

		if retryAfter == 0 {
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.retryBase
		}

		c.logger.Warn("Request failed, retrying...",
			zap.String("path", path),
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}
