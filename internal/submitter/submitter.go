package submitter

import (
	"context"
	"net/url"
	"strings"

	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/httpclient"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Ids are streamed out of the table in keyset pages
const pageSize = 50000

type transport interface {
	Post(ctx context.Context, url string, body []byte, headers map[string]string) (*httpclient.Response, error)
}

type eventLister interface {
	ListEventIDs(ctx context.Context, afterID string, limit int) ([]string, error)
}

// Submitter uploads the ingested event ids as the final step of a run
type Submitter struct {
	transport  transport
	retrier    *httpclient.Retrier
	events     eventLister
	apiBaseURL string
	apiKey     string
}

// New creates a submitter
func New(t transport, retrier *httpclient.Retrier, events eventLister, apiBaseURL, apiKey string) *Submitter {
	return &Submitter{
		transport:  t,
		retrier:    retrier,
		events:     events,
		apiBaseURL: apiBaseURL,
		apiKey:     apiKey,
	}
}

// Submit posts every ingested event id, newline-joined, as one text/plain
// body tagged with the repository url
func (s *Submitter) Submit(ctx context.Context, githubRepoURL string) error {
	ids, err := s.collectIDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return errors.New("no ingested events to submit")
	}

	u := s.apiBaseURL + "/submissions?github_repo=" + url.QueryEscape(githubRepoURL)
	headers := map[string]string{
		"Content-Type": "text/plain",
		"X-API-Key":    s.apiKey,
	}
	body := []byte(strings.Join(ids, "\n"))

	resp, err := s.retrier.Do(ctx, func(ctx context.Context) (*httpclient.Response, error) {
		return s.transport.Post(ctx, u, body, headers)
	})
	if err != nil {
		return errors.Wrap(err, "submission failed")
	}

	log.Info().
		Int("event_ids", len(ids)).
		Int("status", resp.Status).
		Msg("Submission accepted")
	return nil
}

func (s *Submitter) collectIDs(ctx context.Context) ([]string, error) {
	var ids []string
	after := ""
	for {
		page, err := s.events.ListEventIDs(ctx, after, pageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			return ids, nil
		}
		ids = append(ids, page...)
		after = page[len(page)-1]
		if len(page) < pageSize {
			return ids, nil
		}
	}
}
