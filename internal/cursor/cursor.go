package cursor

import (
	"encoding/base64"
	"math"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Cursor payloads carry a protocol version and an expiry the server checks.
// Position is resolved purely from the ts field, which is what makes forging
// cursors at arbitrary timestamps possible.
const (
	protocolVersion = 2
	farFutureExpMs  = int64(4102444800000) // 2100-01-01 UTC
)

type payload struct {
	ID  string `json:"id"`
	Ts  int64  `json:"ts"`
	V   int    `json:"v"`
	Exp int64  `json:"exp"`
}

// Forge synthesizes a cursor positioned at tsMs
func Forge(tsMs int64) string {
	raw, _ := json.Marshal(payload{
		ID:  uuid.Nil.String(),
		Ts:  tsMs,
		V:   protocolVersion,
		Exp: farFutureExpMs,
	})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeTs extracts the timestamp a cursor points at. It accepts both padded
// and unpadded base64url and reports false on any malformed input.
func DecodeTs(cursor string) (int64, bool) {
	if cursor == "" {
		return 0, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(cursor, "="))
	if err != nil {
		return 0, false
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0, false
	}
	if p.Ts <= 0 {
		return 0, false
	}
	return p.Ts, true
}

// Chunk is a half-open timestamp interval [StartTs, EndTs) assigned to one worker
type Chunk struct {
	StartTs int64
	EndTs   int64
}

// Partition splits [tsMin, tsMax] into n contiguous, non-overlapping chunks.
// The final chunk's upper bound is tsMax+1 so events exactly at tsMax are
// still captured by the exclusive-end filter.
func Partition(tsMin, tsMax int64, n int) []Chunk {
	if n < 1 {
		n = 1
	}
	width := float64(tsMax-tsMin) / float64(n)
	bound := func(i int) int64 {
		return int64(math.Floor(float64(tsMin) + width*float64(i)))
	}

	chunks := make([]Chunk, n)
	for i := 0; i < n; i++ {
		chunks[i] = Chunk{StartTs: bound(i), EndTs: bound(i + 1)}
	}
	chunks[0].StartTs = tsMin
	chunks[n-1].EndTs = tsMax + 1
	return chunks
}
