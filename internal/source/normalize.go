package source

import (
	"math"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Event is a normalized ingestion record. Payload keeps the original
// JSON object verbatim.
type Event struct {
	ID      string
	TsMs    int64
	Payload []byte
}

// Page is the canonical page shape both server envelopes map onto.
// Total is -1 when the server did not report one.
type Page struct {
	Events     []Event
	HasMore    bool
	NextCursor string
	Total      int64
}

type paginationEnvelope struct {
	HasMore    *bool   `json:"hasMore"`
	NextCursor *string `json:"nextCursor"`
}

type metaEnvelope struct {
	Total *int64 `json:"total"`
}

type pageEnvelope struct {
	Data       json.RawMessage     `json:"data"`
	HasMore    *bool               `json:"hasMore"`
	NextCursor *string             `json:"nextCursor"`
	Pagination *paginationEnvelope `json:"pagination"`
	Meta       *metaEnvelope       `json:"meta"`
}

// NormalizePage maps a raw response body onto the canonical page. The server
// emits either a flat envelope or one nested inside a data object; anything
// unrecognized yields an empty page rather than an error.
func NormalizePage(body []byte) *Page {
	page := &Page{Total: -1}
	if len(body) == 0 {
		return page
	}

	var outer pageEnvelope
	if err := json.Unmarshal(body, &outer); err != nil {
		return page
	}

	env := &outer
	var items []json.RawMessage
	if len(outer.Data) > 0 {
		if err := json.Unmarshal(outer.Data, &items); err != nil {
			// data was not an array; try the nested envelope shape
			var inner pageEnvelope
			if err := json.Unmarshal(outer.Data, &inner); err == nil && len(inner.Data) > 0 {
				if err := json.Unmarshal(inner.Data, &items); err == nil {
					env = &inner
				}
			}
		}
	}

	switch {
	case env.HasMore != nil:
		page.HasMore = *env.HasMore
	case env.Pagination != nil && env.Pagination.HasMore != nil:
		page.HasMore = *env.Pagination.HasMore
	}
	switch {
	case env.NextCursor != nil:
		page.NextCursor = *env.NextCursor
	case env.Pagination != nil && env.Pagination.NextCursor != nil:
		page.NextCursor = *env.Pagination.NextCursor
	}
	if env.Meta != nil && env.Meta.Total != nil {
		page.Total = *env.Meta.Total
	}

	for _, raw := range items {
		if ev, ok := normalizeEvent(raw); ok {
			page.Events = append(page.Events, ev)
		}
	}
	return page
}

// normalizeEvent validates one raw item. Events lacking a string id or a
// usable timestamp are dropped; the page keeps going.
func normalizeEvent(raw json.RawMessage) (Event, bool) {
	var probe struct {
		ID        any `json:"id"`
		Timestamp any `json:"timestamp"`
		Ts        any `json:"ts"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Event{}, false
	}

	id, ok := probe.ID.(string)
	if !ok || id == "" {
		return Event{}, false
	}

	tsVal := probe.Timestamp
	if tsVal == nil {
		tsVal = probe.Ts
	}
	ts, ok := NormalizeTimestamp(tsVal)
	if !ok {
		return Event{}, false
	}

	return Event{
		ID:      id,
		TsMs:    ts,
		Payload: append([]byte(nil), raw...),
	}, true
}

// NormalizeTimestamp converts any accepted timestamp representation to
// milliseconds since epoch: numeric seconds or milliseconds, the same as
// digit strings, or an ISO-8601 date string.
func NormalizeTimestamp(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		if math.Abs(t) >= math.MaxInt64 {
			return 0, false
		}
		return normalizeNumericTs(int64(t))
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		if isDigits(s) {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return 0, false
			}
			return normalizeNumericTs(n)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return parsed.UnixMilli(), true
		}
		return 0, false
	}
	return 0, false
}

// Values below 1e12 are seconds, everything else already milliseconds
func normalizeNumericTs(n int64) (int64, bool) {
	if n <= 0 {
		return 0, false
	}
	if n < 1_000_000_000_000 {
		return n * 1000, true
	}
	return n, true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
