package httpclient

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Retrier reruns idempotent HTTP calls on transient failures with
// exponential backoff. Rate-limit responses wait out the server's
// Retry-After hint when one is present.
type Retrier struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Notify observes every failed attempt before its backoff sleep.
	// The rate limiter hooks in here to see 429s as they happen.
	Notify func(err error, attempt int, delay time.Duration)

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// NewRetrier creates a retrier with the given schedule
func NewRetrier(maxAttempts int, base, max time.Duration) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if max <= 0 {
		max = 15 * time.Second
	}
	return &Retrier{
		MaxAttempts: maxAttempts,
		BaseDelay:   base,
		MaxDelay:    max,
		sleep:       sleepContext,
		jitter:      rand.Float64,
	}
}

// Do runs op until it succeeds, fails fatally, or attempts are exhausted.
// The last error is returned when retries run out.
func (r *Retrier) Do(ctx context.Context, op func(context.Context) (*Response, error)) (*Response, error) {
	var lastErr error
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		resp, err := op(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return nil, err
		}
		if attempt == r.MaxAttempts {
			break
		}

		delay := r.backoff(attempt, err)
		if r.Notify != nil {
			r.Notify(err, attempt, delay)
		}
		if err := r.sleep(ctx, delay); err != nil {
			break
		}
	}
	return nil, lastErr
}

// backoff computes the delay before attempt+1. Exponential growth from
// BaseDelay, 30% jitter for server errors and transport failures, clamped
// to MaxDelay. A parseable Retry-After on a 429 takes precedence.
func (r *Retrier) backoff(attempt int, err error) time.Duration {
	status, _ := StatusOf(err)

	if status == http.StatusTooManyRequests {
		if d, ok := ParseRetryAfter(HeadersOf(err).Get("Retry-After")); ok {
			return d
		}
	}

	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	d := r.BaseDelay * time.Duration(1<<shift)
	if status == 0 || status >= 500 {
		d = time.Duration(float64(d) * (1 + 0.3*r.jitter()))
	}
	if d > r.MaxDelay {
		d = r.MaxDelay
	}
	return d
}

// ParseRetryAfter interprets a Retry-After header value: positive
// delta-seconds, or an HTTP-date with a positive future delta. Anything
// else reports false.
func ParseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n > 0 {
			return time.Duration(n) * time.Second, true
		}
		return 0, false
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
	}
	return 0, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
