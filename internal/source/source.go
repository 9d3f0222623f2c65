package source

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/httpclient"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/ratelimit"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/stream"

	"github.com/rs/zerolog/log"
)

// The stream endpoint advertised by credentials, with the feed path the
// dashboard uses when credentials omit one
const fallbackFeedPath = "/events/d4ta/x7k9/feed"

type transport interface {
	Get(ctx context.Context, url string, headers map[string]string) (*httpclient.Response, error)
}

type credentialProvider interface {
	Get(ctx context.Context) (*stream.Credentials, error)
	Invalidate()
}

// FetchOptions parameterize a single page fetch
type FetchOptions struct {
	Limit  int
	Cursor string
	Since  int64
	Until  int64
}

// Source fetches event pages. The stream endpoint is primary; after its
// credentials are rejected twice in a row the documented /events endpoint
// takes over for the remainder of the process.
type Source struct {
	transport  transport
	retrier    *httpclient.Retrier
	limiter    *ratelimit.Limiter
	creds      credentialProvider
	apiBaseURL string
	origin     string
	apiKey     string

	mu              sync.Mutex
	fallbackLatched bool

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a source. origin is the API origin; apiBaseURL already
// carries the /api/v1 suffix.
func New(t transport, retrier *httpclient.Retrier, limiter *ratelimit.Limiter, creds credentialProvider, origin, apiBaseURL, apiKey string) *Source {
	return &Source{
		transport:  t,
		retrier:    retrier,
		limiter:    limiter,
		creds:      creds,
		apiBaseURL: apiBaseURL,
		origin:     origin,
		apiKey:     apiKey,
		sleep:      sleepContext,
	}
}

// FetchPage retrieves and normalizes one page of events
func (s *Source) FetchPage(ctx context.Context, opts FetchOptions) (*Page, error) {
	if d := s.limiter.Delay(); d > 0 {
		log.Debug().Dur("delay", d).Msg("Rate limiter pre-request delay")
		if err := s.sleep(ctx, d); err != nil {
			return nil, err
		}
	}

	resp, err := s.fetch(ctx, opts)
	if err != nil {
		if status, _ := httpclient.StatusOf(err); status == http.StatusTooManyRequests {
			s.limiter.Record429()
		}
		return nil, err
	}

	s.limiter.UpdateFromHeaders(resp.Headers)
	s.limiter.RecordSuccess()

	return NormalizePage(resp.Body), nil
}

// FallbackLatched reports whether the source has switched to the
// documented endpoint
func (s *Source) FallbackLatched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallbackLatched
}

func (s *Source) latch() {
	s.mu.Lock()
	s.fallbackLatched = true
	s.mu.Unlock()
}

func (s *Source) fetch(ctx context.Context, opts FetchOptions) (*httpclient.Response, error) {
	if s.FallbackLatched() {
		return s.fetchFallback(ctx, opts)
	}

	resp, err := s.fetchPrimary(ctx, opts)
	if err != nil && isAuthError(err) {
		log.Warn().Err(err).Msg("Stream credentials rejected, refreshing once")
		s.creds.Invalidate()

		resp, err = s.fetchPrimary(ctx, opts)
		if err != nil && isAuthError(err) {
			s.latch()
			log.Warn().Msg("Stream endpoint unavailable, switching to documented events endpoint")
			return s.fetchFallback(ctx, opts)
		}
	}
	return resp, err
}

func (s *Source) fetchPrimary(ctx context.Context, opts FetchOptions) (*httpclient.Response, error) {
	creds, err := s.creds.Get(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := creds.Endpoint
	if endpoint == "" {
		endpoint = fallbackFeedPath
	}

	headers := map[string]string{
		"X-API-Key":  s.apiKey,
		"Origin":     s.origin,
		"Referer":    s.origin + "/dashboard",
		"User-Agent": stream.BrowserUserAgent,
	}
	tokenHeader := creds.TokenHeader
	if tokenHeader == "" {
		tokenHeader = "X-Stream-Token"
	}
	headers[tokenHeader] = creds.Token

	u := s.origin + endpoint + "?" + buildQuery(opts, true)
	return s.retrier.Do(ctx, func(ctx context.Context) (*httpclient.Response, error) {
		return s.transport.Get(ctx, u, headers)
	})
}

func (s *Source) fetchFallback(ctx context.Context, opts FetchOptions) (*httpclient.Response, error) {
	u := s.apiBaseURL + "/events?" + buildQuery(opts, false)
	headers := map[string]string{"X-API-Key": s.apiKey}
	return s.retrier.Do(ctx, func(ctx context.Context) (*httpclient.Response, error) {
		return s.transport.Get(ctx, u, headers)
	})
}

func buildQuery(opts FetchOptions, includeRange bool) string {
	v := url.Values{}
	if opts.Limit > 0 {
		v.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		v.Set("cursor", opts.Cursor)
	}
	if includeRange {
		if opts.Since > 0 {
			v.Set("since", strconv.FormatInt(opts.Since, 10))
		}
		if opts.Until > 0 {
			v.Set("until", strconv.FormatInt(opts.Until, 10))
		}
	}
	return v.Encode()
}

func isAuthError(err error) bool {
	status, ok := httpclient.StatusOf(err)
	return ok && (status == http.StatusUnauthorized || status == http.StatusForbidden)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
