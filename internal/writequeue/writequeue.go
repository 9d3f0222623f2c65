package writequeue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Store commits one batch together with the checkpoint describing it
type Store interface {
	CommitBatch(ctx context.Context, events []models.IngestedEvent, cp models.WorkerCheckpoint) (int64, error)
}

// Task is one unit of write work. Events may be empty for a
// checkpoint-only write, such as a worker's final status update.
type Task struct {
	Events     []models.IngestedEvent
	Checkpoint models.WorkerCheckpoint
}

// Result reports the outcome of one committed task
type Result struct {
	Inserted int64
	Err      error
}

type job struct {
	task Task
	done chan Result
}

// Queue funnels all database writes through a bounded backlog and a fixed
// set of writer goroutines. Enqueue blocks once the backlog is full, which
// is the backpressure that keeps fetching from outrunning the database.
type Queue struct {
	store   Store
	tasks   chan job
	wg      sync.WaitGroup
	writers int

	mu      sync.RWMutex
	closed  bool
	pending atomic.Int64
}

// New creates a queue with the given writer count and backlog capacity
func New(store Store, writers, backlog int) *Queue {
	return &Queue{
		store:   store,
		tasks:   make(chan job, max(backlog, 1)),
		writers: max(writers, 1),
	}
}

// Start launches the writer goroutines. ctx bounds the database work, not
// the callers: writes still in the backlog at shutdown flush as long as
// ctx stays alive.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.writers; i++ {
		q.wg.Add(1)
		go q.writer(ctx)
	}
}

// Enqueue submits a task and returns the channel its result will arrive
// on. It blocks while the backlog is full and fails once the queue is
// draining or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, task Task) (<-chan Result, error) {
	// Read lock held across the send so Drain cannot close the channel
	// under an in-flight enqueue
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, errors.New("write queue is draining")
	}

	j := job{task: task, done: make(chan Result, 1)}
	select {
	case q.tasks <- j:
		q.pending.Add(1)
		return j.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of tasks enqueued but not yet committed
func (q *Queue) Pending() int64 {
	return q.pending.Load()
}

// Drain stops accepting new tasks and blocks until everything already
// enqueued has been committed. Callers must stop all producers first.
func (q *Queue) Drain() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) writer(ctx context.Context) {
	defer q.wg.Done()
	for j := range q.tasks {
		inserted, err := q.store.CommitBatch(ctx, j.task.Events, j.task.Checkpoint)
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", j.task.Checkpoint.WorkerID).
				Int("events", len(j.task.Events)).
				Msg("Batch commit failed")
		}
		q.pending.Add(-1)
		j.done <- Result{Inserted: inserted, Err: err}
	}
}
