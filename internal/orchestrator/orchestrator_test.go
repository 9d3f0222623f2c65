package orchestrator

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Kota1609/data-sync-ingestion-coding-challenge/config"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/cursor"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/metrics"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/models"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/writequeue"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const (
	tsMin = int64(1768000000000)
	tsMax = int64(1769000000000)
)

type stubCheckpoints struct {
	mu     sync.Mutex
	rows   map[int]models.WorkerCheckpoint
	resets int
}

func newStubCheckpoints(seed ...models.WorkerCheckpoint) *stubCheckpoints {
	s := &stubCheckpoints{rows: make(map[int]models.WorkerCheckpoint)}
	for _, cp := range seed {
		s.rows[cp.WorkerID] = cp
	}
	return s
}

func (s *stubCheckpoints) LoadAll(context.Context) ([]models.WorkerCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WorkerCheckpoint, 0, len(s.rows))
	for _, cp := range s.rows {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (s *stubCheckpoints) Initialize(_ context.Context, checkpoints []models.WorkerCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cp := range checkpoints {
		if _, ok := s.rows[cp.WorkerID]; !ok {
			s.rows[cp.WorkerID] = cp
		}
	}
	return nil
}

func (s *stubCheckpoints) ResetAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[int]models.WorkerCheckpoint)
	s.resets++
	return nil
}

type stubQueue struct {
	mu      sync.Mutex
	drained bool
}

func (q *stubQueue) Enqueue(context.Context, writequeue.Task) (<-chan writequeue.Result, error) {
	ch := make(chan writequeue.Result, 1)
	ch <- writequeue.Result{}
	return ch, nil
}

func (q *stubQueue) Pending() int64 { return 0 }

func (q *stubQueue) Drain() {
	q.mu.Lock()
	q.drained = true
	q.mu.Unlock()
}

func (q *stubQueue) wasDrained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drained
}

func testConfig(partitions int) *config.Config {
	return &config.Config{
		PartitionCount:      partitions,
		BatchSize:           100,
		MinTimestampMs:      tsMin,
		MaxTimestampMs:      tsMax,
		ProgressLogInterval: time.Hour,
	}
}

type runRecorder struct {
	mu   sync.Mutex
	cps  []models.WorkerCheckpoint
	fail map[int]error
}

func (r *runRecorder) run(_ context.Context, cp models.WorkerCheckpoint) (models.WorkerCheckpoint, error) {
	r.mu.Lock()
	r.cps = append(r.cps, cp)
	r.mu.Unlock()
	if err := r.fail[cp.WorkerID]; err != nil {
		cp.Status = models.StatusFailed
		return cp, err
	}
	cp.Status = models.StatusCompleted
	return cp, nil
}

func (r *runRecorder) recorded() []models.WorkerCheckpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]models.WorkerCheckpoint(nil), r.cps...)
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

func newTestOrchestrator(cfg *config.Config, store *stubCheckpoints, q *stubQueue, rec *runRecorder) *Orchestrator {
	o := New(Options{
		Config:      cfg,
		Checkpoints: store,
		Queue:       q,
		Tracker:     metrics.NewTracker(q.Pending),
	})
	o.stagger = 0
	o.runWorker = rec.run
	return o
}

func TestRunInitializesCheckpointsOnFreshDatabase(t *testing.T) {
	store := newStubCheckpoints()
	q := &stubQueue{}
	rec := &runRecorder{}
	o := newTestOrchestrator(testConfig(4), store, q, rec)

	require.NoError(t, o.Run(context.Background()))

	ran := rec.recorded()
	require.Len(t, ran, 4)
	chunks := cursor.Partition(tsMin, tsMax, 4)
	for i, cp := range ran {
		require.Equal(t, i, cp.WorkerID)
		require.Equal(t, chunks[i].StartTs, cp.ChunkStartTs)
		require.Equal(t, chunks[i].EndTs, cp.ChunkEndTs)
	}
	require.True(t, q.wasDrained())

	rows, err := store.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 4)
}

func TestRunResetsCheckpointsWhenPartitionCountChanges(t *testing.T) {
	stale := newStubCheckpoints(
		models.WorkerCheckpoint{WorkerID: 0, ChunkStartTs: tsMin, ChunkEndTs: tsMin + 10, Status: models.StatusRunning},
		models.WorkerCheckpoint{WorkerID: 1, ChunkStartTs: tsMin + 10, ChunkEndTs: tsMax + 1, Status: models.StatusCompleted},
	)
	q := &stubQueue{}
	rec := &runRecorder{}
	o := newTestOrchestrator(testConfig(4), stale, q, rec)

	require.NoError(t, o.Run(context.Background()))

	require.Equal(t, 1, stale.resets)
	// Prior progress is discarded, including the completed chunk
	require.Len(t, rec.recorded(), 4)
	rows, err := stale.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 4)
	require.Equal(t, cursor.Partition(tsMin, tsMax, 4)[0].StartTs, rows[0].ChunkStartTs)
}

func TestRunIsNoOpAfterCleanCompletion(t *testing.T) {
	chunks := cursor.Partition(tsMin, tsMax, 3)
	seed := make([]models.WorkerCheckpoint, len(chunks))
	for i, c := range chunks {
		seed[i] = models.WorkerCheckpoint{
			WorkerID:      i,
			ChunkStartTs:  c.StartTs,
			ChunkEndTs:    c.EndTs,
			Status:        models.StatusCompleted,
			FetchedCount:  1000,
			InsertedCount: 990,
		}
	}
	store := newStubCheckpoints(seed...)
	q := &stubQueue{}
	rec := &runRecorder{}
	o := newTestOrchestrator(testConfig(3), store, q, rec)

	require.NoError(t, o.Run(context.Background()))
	require.Empty(t, rec.recorded())
	require.True(t, q.wasDrained())

	// Totals from the finished run are still reported
	snap := o.opts.Tracker.Snapshot()
	require.EqualValues(t, 2970, snap.TotalInserted)
}

func TestRunSkipsCompletedChunksOnResume(t *testing.T) {
	chunks := cursor.Partition(tsMin, tsMax, 3)
	seed := make([]models.WorkerCheckpoint, len(chunks))
	for i, c := range chunks {
		seed[i] = models.WorkerCheckpoint{
			WorkerID:     i,
			ChunkStartTs: c.StartTs,
			ChunkEndTs:   c.EndTs,
			Status:       models.StatusRunning,
		}
	}
	seed[1].Status = models.StatusCompleted
	store := newStubCheckpoints(seed...)
	q := &stubQueue{}
	rec := &runRecorder{}
	o := newTestOrchestrator(testConfig(3), store, q, rec)

	require.NoError(t, o.Run(context.Background()))

	require.Zero(t, store.resets)
	ran := rec.recorded()
	require.Len(t, ran, 2)
	require.Equal(t, 0, ran[0].WorkerID)
	require.Equal(t, 2, ran[1].WorkerID)
}

func TestRunAggregatesWorkerFailuresAfterDrain(t *testing.T) {
	store := newStubCheckpoints()
	q := &stubQueue{}
	rec := &runRecorder{fail: map[int]error{1: errors.New("worker 1 exploded")}}
	o := newTestOrchestrator(testConfig(3), store, q, rec)

	err := o.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "worker 1 exploded")

	// One failure does not stop the other workers, and the queue still
	// flushes before the error is surfaced
	require.Len(t, rec.recorded(), 3)
	require.True(t, q.wasDrained())
}

func TestRunStopsLaunchingWhenStopRequested(t *testing.T) {
	store := newStubCheckpoints()
	q := &stubQueue{}
	rec := &runRecorder{}
	o := New(Options{
		Config:      testConfig(4),
		Checkpoints: store,
		Queue:       q,
		Tracker:     metrics.NewTracker(nil),
		Stopped:     func() bool { return true },
	})
	o.stagger = 0
	o.runWorker = rec.run

	require.NoError(t, o.Run(context.Background()))
	require.Empty(t, rec.recorded())
	require.True(t, q.wasDrained())
}
