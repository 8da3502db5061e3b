package upstream

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// RetryPolicy configures the retrying caller.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	// Total attempts never exceed MaxRetries + 1, even when every
	// attempt carries a Retry-After hint. Zero disables retries;
	// negative values fall back to the default of 3.
	MaxRetries int

	// BaseDelay is the first backoff delay. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps every computed delay. Default: 30s.
	MaxDelay time.Duration

	// JitterFraction in [0, 1] adds uniform(0, fraction*delay) to each
	// backoff delay. Default: 0.25.
	JitterFraction float64
}

// DefaultRetryPolicy returns a retry policy with sensible defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.25,
	}
}

// resetHeaders are upstream token-bucket reset timestamps (RFC 3339),
// checked in order when no Retry-After is present.
var resetHeaders = []string{
	"Anthropic-Ratelimit-Input-Tokens-Reset",
	"Anthropic-Ratelimit-Tokens-Reset",
	"Anthropic-Ratelimit-Requests-Reset",
}

// Caller executes one logical upstream call with bounded retries,
// exponential backoff with jitter, and respect for upstream retry
// hints.
type Caller struct {
	client *Client
	policy RetryPolicy
	log    *slog.Logger

	// OnRetry, when set, observes each scheduled retry. Used for
	// metrics; never on the first attempt.
	OnRetry func(attempt int, delay time.Duration)

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// NewCaller creates a retrying caller around the client.
func NewCaller(client *Client, policy RetryPolicy, log *slog.Logger) *Caller {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 3
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.JitterFraction < 0 || policy.JitterFraction > 1 {
		policy.JitterFraction = 0.25
	}
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		client: client,
		policy: policy,
		log:    log,
		now:    time.Now,
		sleep:  sleepCtx,
		jitter: randomJitter,
	}
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// randomJitter draws uniformly from [0, max).
func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// Call executes the request, retrying on retryable failures. Retries
// are never scheduled past the deadline (zero means unbounded); an
// in-flight attempt is not interrupted by it.
//
// The returned Result may carry a non-2xx status: permanent upstream
// failures (4xx other than 429) are returned after the first attempt,
// and retryable statuses are returned once retries are exhausted. The
// orchestrator decides how each surfaces to the client. A non-nil error
// means no HTTP response was ever obtained.
func (c *Caller) Call(ctx context.Context, body []byte, inbound http.Header, deadline time.Time) (*Result, error) {
	var last *Result
	var lastErr error

	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		res, err := c.client.Do(ctx, body, inbound)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			last, lastErr = nil, err
		case res.StatusCode < 300:
			return res, nil
		default:
			last, lastErr = res, nil
			if !retryableResult(res) {
				return res, nil
			}
		}

		if attempt == c.policy.MaxRetries {
			break
		}

		delay := c.retryDelay(attempt, last)
		if !deadline.IsZero() && c.now().Add(delay).After(deadline) {
			c.log.Warn("abandoning retries, deadline would pass",
				"attempt", attempt+1, "delay", delay)
			break
		}
		c.log.Warn("retrying upstream call",
			"attempt", attempt+1,
			"max_retries", c.policy.MaxRetries,
			"delay", delay,
			"status", statusOf(last),
			"error", lastErr)
		if c.OnRetry != nil {
			c.OnRetry(attempt, delay)
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	if last != nil {
		return last, nil
	}
	return nil, &ExhaustedError{Attempts: c.policy.MaxRetries + 1, Last: lastErr}
}

// statusOf is a nil-safe status accessor for log fields.
func statusOf(res *Result) int {
	if res == nil {
		return 0
	}
	return res.StatusCode
}

// retryDelay computes the wait before retry attempt+1. Upstream hints
// win over the default exponential backoff; every result is capped at
// MaxDelay.
func (c *Caller) retryDelay(attempt int, last *Result) time.Duration {
	if last != nil {
		if d, ok := c.retryAfter(last.Header); ok {
			return c.cap(d)
		}
		if d, ok := c.untilReset(last.Header); ok {
			return c.cap(d)
		}
	}

	delay := c.policy.BaseDelay << uint(attempt)
	if delay > c.policy.MaxDelay || delay <= 0 {
		delay = c.policy.MaxDelay
	}
	if c.policy.JitterFraction > 0 {
		delay += c.jitter(time.Duration(float64(delay) * c.policy.JitterFraction))
	}
	return c.cap(delay)
}

// cap clamps a delay to [0, MaxDelay].
func (c *Caller) cap(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > c.policy.MaxDelay {
		return c.policy.MaxDelay
	}
	return d
}

// retryAfter parses a Retry-After header, accepting both delta-seconds
// and HTTP-date forms. Half a second of margin is added so the retry
// lands after the upstream's bucket actually refills.
func (c *Caller) retryAfter(h http.Header) (time.Duration, bool) {
	value := h.Get("Retry-After")
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs)*time.Second + 500*time.Millisecond, true
	}

	if t, err := http.ParseTime(value); err == nil {
		if until := t.Sub(c.now()); until > 0 {
			return until + 500*time.Millisecond, true
		}
		return 500 * time.Millisecond, true
	}

	return 0, false
}

// untilReset reads the upstream token-bucket reset timestamp and, when
// it lands within the next two minutes, waits until a second past it.
func (c *Caller) untilReset(h http.Header) (time.Duration, bool) {
	for _, name := range resetHeaders {
		value := h.Get(name)
		if value == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			continue
		}
		until := t.Sub(c.now())
		if until > 0 && until <= retentionHorizon {
			return until + time.Second, true
		}
	}
	return 0, false
}

// retentionHorizon bounds how far ahead a reset hint is trusted.
const retentionHorizon = 2 * time.Minute
