package stream

import (
	"context"
	"sync"
	"time"

	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/httpclient"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/logging"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	streamAccessPath = "/internal/dashboard/stream-access"
	// Refresh this long before the stated expiry
	refreshBuffer     = 60 * time.Second
	defaultExpirySecs = 300

	// BrowserUserAgent mimics the dashboard client; the internal endpoints
	// reject obvious non-browser agents
	BrowserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Credentials grant access to the stream endpoint. They are short-lived
// and treated as opaque.
type Credentials struct {
	Endpoint    string `json:"endpoint"`
	TokenHeader string `json:"tokenHeader"`
	Token       string `json:"token"`
	ExpiresIn   int64  `json:"expiresIn"`
}

type credentialsEnvelope struct {
	StreamAccess *Credentials `json:"streamAccess"`
}

type poster interface {
	Post(ctx context.Context, url string, body []byte, headers map[string]string) (*httpclient.Response, error)
}

// Manager acquires, caches and refreshes stream credentials. Concurrent
// callers needing a refresh share a single in-flight request.
type Manager struct {
	client  poster
	retrier *httpclient.Retrier
	origin  string
	apiKey  string

	mu        sync.Mutex
	cached    *Credentials
	expiresAt time.Time

	group singleflight.Group
	now   func() time.Time
}

// NewManager creates a credential manager for the given API origin
func NewManager(client poster, retrier *httpclient.Retrier, origin, apiKey string) *Manager {
	return &Manager{
		client:  client,
		retrier: retrier,
		origin:  origin,
		apiKey:  apiKey,
		now:     time.Now,
	}
}

// Get returns valid credentials, refreshing them when the cache is empty
// or inside the eager-refresh buffer
func (m *Manager) Get(ctx context.Context) (*Credentials, error) {
	m.mu.Lock()
	if m.cached != nil && m.now().Before(m.expiresAt) {
		c := m.cached
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credentials), nil
}

// Invalidate drops the cached credentials so the next Get refreshes.
// The source calls this when the stream endpoint answers 401/403.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.expiresAt = time.Time{}
	m.mu.Unlock()
}

func (m *Manager) refresh(ctx context.Context) (*Credentials, error) {
	headers := map[string]string{
		"Content-Type": "application/json",
		"Origin":       m.origin,
		"Referer":      m.origin + "/dashboard",
		"User-Agent":   BrowserUserAgent,
		"Cookie":       "dashboard_api_key=" + m.apiKey,
		"X-API-Key":    m.apiKey,
	}

	resp, err := m.retrier.Do(ctx, func(ctx context.Context) (*httpclient.Response, error) {
		return m.client.Post(ctx, m.origin+streamAccessPath, []byte("{}"), headers)
	})
	if err != nil {
		return nil, errors.Wrap(err, "stream access request failed")
	}

	var env credentialsEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, errors.Wrap(err, "failed to decode stream access response")
	}
	if env.StreamAccess == nil || env.StreamAccess.Token == "" {
		return nil, errors.New("stream access response missing token")
	}

	creds := env.StreamAccess
	logging.Redact(creds.Token)

	ttl := time.Duration(creds.ExpiresIn) * time.Second
	if creds.ExpiresIn <= 0 {
		ttl = defaultExpirySecs * time.Second
	}
	buffered := ttl - refreshBuffer
	if buffered <= 0 {
		buffered = ttl / 2
	}

	m.mu.Lock()
	m.cached = creds
	m.expiresAt = m.now().Add(buffered)
	m.mu.Unlock()

	log.Debug().
		Str("endpoint", creds.Endpoint).
		Int64("expires_in", creds.ExpiresIn).
		Msg("Stream credentials acquired")

	return creds, nil
}
