package worker

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/cursor"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/httpclient"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/models"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/source"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/writequeue"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const (
	chunkStart = int64(1768000000000)
	chunkEnd   = int64(1769000000000)
)

type fetchReply struct {
	page *source.Page
	err  error
}

type stubSource struct {
	mu      sync.Mutex
	replies []fetchReply
	calls   []source.FetchOptions
	done    int
	delay   time.Duration
}

func (s *stubSource) FetchPage(_ context.Context, opts source.FetchOptions) (*source.Page, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.calls)
	s.calls = append(s.calls, opts)
	s.done++
	if idx >= len(s.replies) {
		return &source.Page{Total: -1}, nil
	}
	r := s.replies[idx]
	if r.err != nil {
		return nil, r.err
	}
	return r.page, nil
}

func (s *stubSource) completed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *stubSource) recorded() []source.FetchOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]source.FetchOptions(nil), s.calls...)
}

type stubQueue struct {
	mu      sync.Mutex
	tasks   []writequeue.Task
	results func(writequeue.Task) writequeue.Result
}

func (q *stubQueue) Enqueue(_ context.Context, task writequeue.Task) (<-chan writequeue.Result, error) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	ch := make(chan writequeue.Result, 1)
	if q.results != nil {
		ch <- q.results(task)
	} else {
		ch <- writequeue.Result{Inserted: int64(len(task.Events))}
	}
	return ch, nil
}

func (q *stubQueue) recorded() []writequeue.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]writequeue.Task(nil), q.tasks...)
}

func ev(id string, ts int64) source.Event {
	return source.Event{ID: id, TsMs: ts, Payload: []byte(`{"id":"` + id + `"}`)}
}

func newCheckpoint(workerID int) models.WorkerCheckpoint {
	return models.WorkerCheckpoint{
		WorkerID:     workerID,
		ChunkStartTs: chunkStart,
		ChunkEndTs:   chunkEnd,
		Status:       models.StatusRunning,
	}
}

func TestWorkerDrainsChunkToCompletion(t *testing.T) {
	src := &stubSource{replies: []fetchReply{
		{page: &source.Page{
			Events:     []source.Event{ev("e1", 1768500000000), ev("e2", 1768400000000)},
			HasMore:    true,
			NextCursor: "c2",
			Total:      -1,
		}},
		{page: &source.Page{
			Events: []source.Event{ev("e3", 1768300000000)},
			Total:  -1,
		}},
	}}
	queue := &stubQueue{}

	w := New(Config{
		Checkpoint: newCheckpoint(0),
		Source:     src,
		Queue:      queue,
		BatchSize:  500,
	})
	cp, err := w.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, models.StatusCompleted, cp.Status)
	require.EqualValues(t, 3, cp.FetchedCount)
	require.EqualValues(t, 3, cp.InsertedCount)
	require.NotNil(t, cp.LastTs)
	require.EqualValues(t, 1768300000000, *cp.LastTs)

	calls := src.recorded()
	require.Len(t, calls, 2)
	require.Equal(t, 500, calls[0].Limit)
	require.Equal(t, chunkStart, calls[0].Since)
	require.Equal(t, chunkEnd, calls[0].Until)
	forgedTs, ok := cursor.DecodeTs(calls[0].Cursor)
	require.True(t, ok)
	require.Equal(t, chunkEnd, forgedTs)
	require.Equal(t, "c2", calls[1].Cursor)

	// Two batch writes plus the final status write
	tasks := queue.recorded()
	require.Len(t, tasks, 3)
	require.Len(t, tasks[0].Events, 2)
	require.Len(t, tasks[1].Events, 1)
	require.Empty(t, tasks[2].Events)
	require.Equal(t, models.StatusCompleted, tasks[2].Checkpoint.Status)
	require.EqualValues(t, 3, tasks[2].Checkpoint.FetchedCount)
}

func TestWorkerStopsAfterCurrentPage(t *testing.T) {
	src := &stubSource{
		delay: 20 * time.Millisecond,
		replies: []fetchReply{
			{page: &source.Page{
				Events:     []source.Event{ev("e1", 1768500000000), ev("e2", 1768400000000)},
				HasMore:    true,
				NextCursor: "c2",
				Total:      -1,
			}},
		},
	}
	queue := &stubQueue{}

	w := New(Config{
		Checkpoint: newCheckpoint(1),
		Source:     src,
		Queue:      queue,
		BatchSize:  500,
		Stopped:    func() bool { return src.completed() >= 1 },
	})
	cp, err := w.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, models.StatusRunning, cp.Status)
	require.EqualValues(t, 2, cp.FetchedCount)
	require.Equal(t, 1, src.completed(), "second page must not be fetched")

	tasks := queue.recorded()
	require.Len(t, tasks, 2)
	require.Len(t, tasks[0].Events, 2)
	require.Equal(t, models.StatusRunning, tasks[1].Checkpoint.Status)
}

func TestWorkerFiltersEventsToChunkBounds(t *testing.T) {
	src := &stubSource{replies: []fetchReply{
		{page: &source.Page{
			Events: []source.Event{
				ev("at-end", chunkEnd),
				ev("in-range", 1768500000000),
				ev("below-range", 1767000000000),
			},
			HasMore:    true,
			NextCursor: "c2",
			Total:      -1,
		}},
	}}
	queue := &stubQueue{}

	w := New(Config{Checkpoint: newCheckpoint(2), Source: src, Queue: queue, BatchSize: 500})
	cp, err := w.Run(context.Background())
	require.NoError(t, err)

	// Crossing below chunkStartTs ends the chunk even with hasMore=true
	require.Equal(t, models.StatusCompleted, cp.Status)
	require.Equal(t, 1, src.completed())
	require.EqualValues(t, 3, cp.FetchedCount)
	require.EqualValues(t, 1, cp.InsertedCount)

	tasks := queue.recorded()
	require.Len(t, tasks, 2)
	require.Len(t, tasks[0].Events, 1)
	require.Equal(t, "in-range", tasks[0].Events[0].EventID)
}

func TestWorkerSkipsCompletedChunk(t *testing.T) {
	src := &stubSource{}
	queue := &stubQueue{}
	cp := newCheckpoint(3)
	cp.Status = models.StatusCompleted
	cp.FetchedCount = 5000

	w := New(Config{Checkpoint: cp, Source: src, Queue: queue, BatchSize: 500})
	got, err := w.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, cp, got)
	require.Zero(t, src.completed())
	require.Empty(t, queue.recorded())
}

func TestWorkerReforgesCursorOnExpiry(t *testing.T) {
	lastTs := int64(1768400000000)
	src := &stubSource{replies: []fetchReply{
		{err: &httpclient.StatusError{Status: http.StatusBadRequest, Method: http.MethodGet, URL: "feed"}},
		{page: &source.Page{
			Events: []source.Event{ev("e9", 1768300000000)},
			Total:  -1,
		}},
	}}
	queue := &stubQueue{}

	cp := newCheckpoint(4)
	stale := "stale-cursor"
	cp.Cursor = &stale
	cp.LastTs = &lastTs
	cp.FetchedCount = 120

	w := New(Config{Checkpoint: cp, Source: src, Queue: queue, BatchSize: 500})
	got, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.EqualValues(t, 121, got.FetchedCount)

	calls := src.recorded()
	require.Len(t, calls, 2)
	require.Equal(t, "stale-cursor", calls[0].Cursor)
	reforgedTs, ok := cursor.DecodeTs(calls[1].Cursor)
	require.True(t, ok)
	require.Equal(t, lastTs, reforgedTs)
}

func TestWorkerGivesUpAfterRepeatedCursorRejection(t *testing.T) {
	lastTs := int64(1768400000000)
	bad := &httpclient.StatusError{Status: http.StatusBadRequest, Method: http.MethodGet, URL: "feed"}
	src := &stubSource{replies: []fetchReply{{err: bad}, {err: bad}}}
	queue := &stubQueue{}

	cp := newCheckpoint(5)
	cp.LastTs = &lastTs

	w := New(Config{Checkpoint: cp, Source: src, Queue: queue, BatchSize: 500})
	got, err := w.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, 2, src.completed())
	require.Empty(t, queue.recorded())
}

func TestWorkerPropagatesFetchFailure(t *testing.T) {
	src := &stubSource{replies: []fetchReply{
		{err: &httpclient.StatusError{Status: http.StatusInternalServerError, Method: http.MethodGet, URL: "feed"}},
	}}
	queue := &stubQueue{}

	w := New(Config{Checkpoint: newCheckpoint(6), Source: src, Queue: queue, BatchSize: 500})
	got, err := w.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Empty(t, queue.recorded())
}

func TestWorkerPropagatesWriteFailure(t *testing.T) {
	src := &stubSource{replies: []fetchReply{
		{page: &source.Page{
			Events: []source.Event{ev("e1", 1768500000000)},
			Total:  -1,
		}},
	}}
	queue := &stubQueue{results: func(writequeue.Task) writequeue.Result {
		return writequeue.Result{Err: errors.New("deadlock detected")}
	}}

	w := New(Config{Checkpoint: newCheckpoint(7), Source: src, Queue: queue, BatchSize: 500})
	got, err := w.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "deadlock detected")
	require.Equal(t, models.StatusFailed, got.Status)
}

func TestWorkerPipelinesNextFetchBeforeAwaitingWrite(t *testing.T) {
	src := &stubSource{replies: []fetchReply{
		{page: &source.Page{
			Events:     []source.Event{ev("e1", 1768500000000)},
			HasMore:    true,
			NextCursor: "c2",
			Total:      -1,
		}},
		{page: &source.Page{Total: -1}},
	}}

	// The first write result is withheld until the second fetch has been
	// started; a worker that awaits the write first would report an error
	queue := &stubQueue{}
	queue.results = func(task writequeue.Task) writequeue.Result {
		if len(task.Events) == 0 {
			return writequeue.Result{}
		}
		deadline := time.Now().Add(2 * time.Second)
		for src.completed() < 2 {
			if time.Now().After(deadline) {
				return writequeue.Result{Err: errors.New("next fetch never started")}
			}
			time.Sleep(time.Millisecond)
		}
		return writequeue.Result{Inserted: int64(len(task.Events))}
	}

	w := New(Config{Checkpoint: newCheckpoint(8), Source: src, Queue: queue, BatchSize: 500})
	cp, err := w.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, cp.Status)
	require.Equal(t, 2, src.completed())
}
