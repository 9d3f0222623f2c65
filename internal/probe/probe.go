package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/cursor"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/httpclient"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/source"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/stream"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const probeLimit = 2

type transport interface {
	Get(ctx context.Context, url string, headers map[string]string) (*httpclient.Response, error)
}

type credentialProvider interface {
	Get(ctx context.Context) (*stream.Credentials, error)
}

// Probe performs a one-off look at the events API and reports what it
// finds through the log. It never writes to the store.
type Probe struct {
	client     transport
	creds      credentialProvider
	apiBaseURL string
	apiKey     string
}

// New creates a probe against the given API base URL
func New(client transport, creds credentialProvider, apiBaseURL, apiKey string) *Probe {
	return &Probe{
		client:     client,
		creds:      creds,
		apiBaseURL: apiBaseURL,
		apiKey:     apiKey,
	}
}

// Run fetches a tiny page from the documented events endpoint and then
// checks whether stream access is available. The stream check is
// informational; its failure does not fail the probe.
func (p *Probe) Run(ctx context.Context) error {
	if err := p.probeEvents(ctx); err != nil {
		return err
	}
	p.probeStreamAccess(ctx)
	return nil
}

func (p *Probe) probeEvents(ctx context.Context) error {
	url := fmt.Sprintf("%s/events?limit=%d", p.apiBaseURL, probeLimit)
	headers := map[string]string{"X-API-Key": p.apiKey}

	resp, err := p.client.Get(ctx, url, headers)
	if err != nil {
		return errors.Wrap(err, "events probe failed")
	}

	log.Info().
		Int("status", resp.Status).
		Str("content_type", resp.Headers.Get("Content-Type")).
		Str("ratelimit_limit", resp.Headers.Get("X-RateLimit-Limit")).
		Str("ratelimit_remaining", resp.Headers.Get("X-RateLimit-Remaining")).
		Str("ratelimit_reset", resp.Headers.Get("X-RateLimit-Reset")).
		Msg("Events endpoint responded")

	page := source.NormalizePage(resp.Body)

	evt := log.Info().
		Int("events", len(page.Events)).
		Bool("has_more", page.HasMore).
		Int64("total", page.Total)
	if ts, ok := cursor.DecodeTs(page.NextCursor); ok {
		evt = evt.
			Int64("next_cursor_ts_ms", ts).
			Str("next_cursor_time", time.UnixMilli(ts).UTC().Format(time.RFC3339))
	}
	evt.Msg("Recognized page shape")

	if len(page.Events) > 0 {
		e := page.Events[0]
		log.Info().
			Str("event_id", e.ID).
			Int64("timestamp_ms", e.TsMs).
			Str("time", time.UnixMilli(e.TsMs).UTC().Format(time.RFC3339)).
			Int("payload_bytes", len(e.Payload)).
			Msg("Sample event")
	}
	return nil
}

func (p *Probe) probeStreamAccess(ctx context.Context) {
	creds, err := p.creds.Get(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Stream access unavailable")
		return
	}
	log.Info().
		Str("endpoint", creds.Endpoint).
		Str("token_header", creds.TokenHeader).
		Int64("expires_in", creds.ExpiresIn).
		Msg("Stream access granted")
}
