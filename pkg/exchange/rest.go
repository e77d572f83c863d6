package exchange

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mrcha033/ats/pkg/ratelimit"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout = 15 * time.Second
	maxTransportRetries   = 3
	backoffBase           = 250 * time.Millisecond
)

// signFunc signs a request in place. query is the already-encoded query
// string, body the raw request body (nil for GET).
type signFunc func(req *http.Request, query url.Values, body []byte) error

// parseErrFunc maps a non-2xx venue response to a typed error.
type parseErrFunc func(op string, status int, body []byte) *Error

// restClient is the shared request path for one venue: every outbound
// request passes the sliding-window governor, then the pacer, then a bounded
// retry loop for transport failures.
type restClient struct {
	venue   string
	baseURL string
	http    *http.Client
	limiter *ratelimit.SlidingWindow
	pacer   *rate.Limiter
	stats   *Stats
	logger  *logrus.Logger

	sign     signFunc
	parseErr parseErrFunc
}

func newRESTClient(venue, baseURL string, requestsPerMinute int, stats *Stats, logger *logrus.Logger) *restClient {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 600
	}
	perSecond := float64(requestsPerMinute) / 60.0
	return &restClient{
		venue:   venue,
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultRequestTimeout},
		limiter: ratelimit.NewSlidingWindow(requestsPerMinute, time.Minute),
		pacer:   rate.NewLimiter(rate.Limit(perSecond), 10),
		stats:   stats,
		logger:  logger,
	}
}

// do performs one request with window check, pacing and transport retry.
func (c *restClient) do(ctx context.Context, op, method, path string, query url.Values, body []byte, signed bool) ([]byte, error) {
	if !c.limiter.Allow() {
		return nil, &Error{
			Kind:       KindRateLimited,
			Venue:      c.venue,
			Op:         op,
			Message:    "request window exhausted",
			RetryAfter: c.limiter.TimeUntilNext(),
		}
	}
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, wrapError(KindTimeout, c.venue, op, err)
	}

	var lastErr error
	delay := backoffBase
	for attempt := 0; attempt <= maxTransportRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, wrapError(KindTimeout, c.venue, op, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}

		data, err := c.doOnce(ctx, op, method, path, query, body, signed)
		if err == nil {
			return data, nil
		}
		lastErr = err

		// Only transport failures are retried locally.
		if KindOf(err) != KindTransport {
			return nil, err
		}
		c.logger.WithError(err).WithFields(logrus.Fields{
			"venue":   c.venue,
			"op":      op,
			"attempt": attempt + 1,
		}).Warn("Transport error, retrying")
	}
	return nil, lastErr
}

func (c *restClient) doOnce(ctx context.Context, op, method, path string, query url.Values, body []byte, signed bool) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, wrapError(KindProtocol, c.venue, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if signed {
		if c.sign == nil {
			return nil, newError(KindAuth, c.venue, op, "no signer configured")
		}
		if err := c.sign(req, query, body); err != nil {
			return nil, wrapError(KindAuth, c.venue, op, err)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			werr := wrapError(KindTimeout, c.venue, op, ctx.Err())
			c.stats.RequestDone(latency, werr)
			return nil, werr
		}
		werr := wrapError(KindTransport, c.venue, op, err)
		c.stats.RequestDone(latency, werr)
		return nil, werr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		werr := wrapError(KindTransport, c.venue, op, err)
		c.stats.RequestDone(latency, werr)
		return nil, werr
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		werr := &Error{
			Kind:       KindRateLimited,
			Venue:      c.venue,
			Op:         op,
			Message:    "venue rate limit",
			RetryAfter: retryAfterHeader(resp),
		}
		c.stats.RequestDone(latency, werr)
		return nil, werr
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		werr := newError(KindAuth, c.venue, op, fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(data)))
		c.stats.RequestDone(latency, werr)
		return nil, werr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var werr *Error
		if c.parseErr != nil {
			werr = c.parseErr(op, resp.StatusCode, data)
		}
		if werr == nil {
			werr = newError(KindBusiness, c.venue, op, fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(data)))
		}
		c.stats.RequestDone(latency, werr)
		return nil, werr
	}

	c.stats.RequestDone(latency, nil)
	return data, nil
}

func retryAfterHeader(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
