package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	minAdaptiveDelayMs = 1000
	maxAdaptiveDelayMs = 8000
	// A burst of 429s across workers counts once
	dedupWindowMs = 2000
	// Extra wait past the advertised reset instant
	headerSlackMs = 100
	// Decayed delays below this snap to zero
	snapFloorMs = 100
)

// Limiter coordinates all workers against the API's shared quota. Server
// headers drive the pre-request wait when they are conclusive; an adaptive
// delay that grows on 429 and decays on success covers the rest.
type Limiter struct {
	mu              sync.Mutex
	remaining       int64
	limit           int64
	resetAtMs       int64
	adaptiveDelayMs float64
	consecutive429s int
	last429AtMs     int64

	now func() time.Time
}

// State is a point-in-time snapshot of the limiter
type State struct {
	Remaining       int64 `json:"remaining"`
	Limit           int64 `json:"limit"`
	ResetAtMs       int64 `json:"resetAtMs"`
	AdaptiveDelayMs int64 `json:"adaptiveDelayMs"`
	Consecutive429s int   `json:"consecutive429s"`
}

// New creates a limiter with no header knowledge and no adaptive delay
func New() *Limiter {
	return &Limiter{
		remaining: -1,
		limit:     -1,
		now:       time.Now,
	}
}

// Delay returns how long the caller should wait before its next request:
// the larger of the header-derived wait and the adaptive delay.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	nowMs := l.now().UnixMilli()
	var headerWaitMs int64
	if l.remaining >= 0 && l.remaining <= 1 && l.resetAtMs > nowMs {
		headerWaitMs = l.resetAtMs - nowMs + headerSlackMs
	}

	waitMs := max(headerWaitMs, int64(l.adaptiveDelayMs))
	return time.Duration(waitMs) * time.Millisecond
}

// UpdateFromHeaders records the server's rate-limit headers. Reset values
// above 1e9 are epoch seconds, smaller values are delta seconds.
func (l *Limiter) UpdateFromHeaders(h http.Header) {
	if h == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := parseHeaderInt(h, "X-RateLimit-Remaining"); ok {
		l.remaining = v
	}
	if v, ok := parseHeaderInt(h, "X-RateLimit-Limit"); ok {
		l.limit = v
	}
	if v, ok := parseHeaderInt(h, "X-RateLimit-Reset"); ok {
		if v > 1_000_000_000 {
			l.resetAtMs = v * 1000
		} else {
			l.resetAtMs = l.now().UnixMilli() + v*1000
		}
	}
}

// Record429 grows the adaptive delay. Bursts within the dedup window count
// once, so eight workers hitting the quota simultaneously do not multiply
// the penalty.
func (l *Limiter) Record429() {
	l.mu.Lock()
	defer l.mu.Unlock()

	nowMs := l.now().UnixMilli()
	if l.last429AtMs > 0 && nowMs-l.last429AtMs < dedupWindowMs {
		return
	}
	l.last429AtMs = nowMs
	l.adaptiveDelayMs = math.Max(minAdaptiveDelayMs, math.Min(maxAdaptiveDelayMs, l.adaptiveDelayMs*1.3))
	l.consecutive429s++
}

// RecordSuccess decays the adaptive delay and clears the 429 streak
func (l *Limiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.adaptiveDelayMs *= 0.5
	if l.adaptiveDelayMs < snapFloorMs {
		l.adaptiveDelayMs = 0
	}
	l.consecutive429s = 0
}

// State returns a snapshot for logs and the metrics endpoint
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return State{
		Remaining:       l.remaining,
		Limit:           l.limit,
		ResetAtMs:       l.resetAtMs,
		AdaptiveDelayMs: int64(l.adaptiveDelayMs),
		Consecutive429s: l.consecutive429s,
	}
}

func parseHeaderInt(h http.Header, key string) (int64, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
