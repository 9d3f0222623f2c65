package metrics

import (
	"sync"
	"time"

	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/models"
)

// Target is the expected total volume of a full ingestion run
const Target = 3_000_000

// Smoothing factor for the throughput EMA
const alpha = 0.2

// WorkerState is one worker's progress as last reported
type WorkerState struct {
	FetchedCount  int64  `json:"fetched_count"`
	InsertedCount int64  `json:"inserted_count"`
	Status        string `json:"status"`
}

// Snapshot is a point-in-time view of the whole run. ETASeconds is -1
// until throughput is known.
type Snapshot struct {
	Workers       map[int]WorkerState `json:"workers"`
	TotalFetched  int64               `json:"total_fetched"`
	TotalInserted int64               `json:"total_inserted"`
	EventsPerSec  float64             `json:"events_per_sec"`
	ETASeconds    float64             `json:"eta_seconds"`
	PendingWrites int64               `json:"pending_writes"`
}

// Tracker aggregates per-worker progress and smooths global throughput
// with an EMA recomputed on each snapshot. The first snapshot only seeds
// the baseline so a resumed run's prior totals do not spike the rate.
type Tracker struct {
	mu        sync.Mutex
	workers   map[int]WorkerState
	ema       float64
	lastAt    time.Time
	lastTotal int64
	primed    bool
	pending   func() int64

	now func() time.Time
}

// NewTracker creates a tracker. pending reports the write-queue depth and
// may be nil.
func NewTracker(pending func() int64) *Tracker {
	return &Tracker{
		workers: make(map[int]WorkerState),
		pending: pending,
		now:     time.Now,
	}
}

// Update records a worker's latest checkpoint state
func (t *Tracker) Update(cp models.WorkerCheckpoint) {
	t.mu.Lock()
	t.workers[cp.WorkerID] = WorkerState{
		FetchedCount:  cp.FetchedCount,
		InsertedCount: cp.InsertedCount,
		Status:        cp.Status,
	}
	t.mu.Unlock()
}

// Snapshot computes the current totals and advances the throughput EMA
// against the wall-clock delta since the previous snapshot
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view(true)
}

// Peek returns the current view without touching the EMA baseline. HTTP
// surfaces poll at their own cadence and must not distort the smoothing.
func (t *Tracker) Peek() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view(false)
}

func (t *Tracker) view(advance bool) Snapshot {
	workers := make(map[int]WorkerState, len(t.workers))
	var fetched, inserted int64
	for id, ws := range t.workers {
		workers[id] = ws
		fetched += ws.FetchedCount
		inserted += ws.InsertedCount
	}

	if advance {
		now := t.now()
		if !t.primed {
			t.primed = true
		} else if dt := now.Sub(t.lastAt).Seconds(); dt > 0 {
			instant := float64(inserted-t.lastTotal) / dt
			t.ema = alpha*instant + (1-alpha)*t.ema
		}
		t.lastAt = now
		t.lastTotal = inserted
	}

	eta := -1.0
	if t.ema > 0 {
		eta = max(float64(Target-inserted), 0) / t.ema
	}

	var pending int64
	if t.pending != nil {
		pending = t.pending()
	}

	return Snapshot{
		Workers:       workers,
		TotalFetched:  fetched,
		TotalInserted: inserted,
		EventsPerSec:  t.ema,
		ETASeconds:    eta,
		PendingWrites: pending,
	}
}
