package orchestrator

import (
	"context"
	stderrors "errors"
	"math"
	"sync"
	"time"

	"github.com/Kota1609/data-sync-ingestion-coding-challenge/config"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/cursor"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/metrics"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/models"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/source"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/worker"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/writequeue"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
)

const defaultStagger = 500 * time.Millisecond

type checkpointStore interface {
	LoadAll(ctx context.Context) ([]models.WorkerCheckpoint, error)
	Initialize(ctx context.Context, checkpoints []models.WorkerCheckpoint) error
	ResetAll(ctx context.Context) error
}

type queue interface {
	Enqueue(ctx context.Context, task writequeue.Task) (<-chan writequeue.Result, error)
	Pending() int64
	Drain()
}

// Options carries the orchestrator's collaborators
type Options struct {
	Config      *config.Config
	Source      *source.Source
	Checkpoints checkpointStore
	Queue       queue
	Tracker     *metrics.Tracker
	Stopped     func() bool

	// OnProgress receives every progress snapshot, on top of the log line
	OnProgress func(metrics.Snapshot)
}

// Orchestrator owns one ingestion run: it partitions the timeline,
// reconciles checkpoints with the configured partition count, starts the
// workers with a launch stagger and reports progress until everyone is
// done and the write queue has flushed.
type Orchestrator struct {
	opts    Options
	stagger time.Duration

	runWorker func(ctx context.Context, cp models.WorkerCheckpoint) (models.WorkerCheckpoint, error)
}

// New creates an orchestrator
func New(opts Options) *Orchestrator {
	if opts.Stopped == nil {
		opts.Stopped = func() bool { return false }
	}
	o := &Orchestrator{opts: opts, stagger: defaultStagger}
	o.runWorker = o.startWorker
	return o
}

// Run executes the full ingestion. It returns nil when every chunk
// completed or a stop was requested; worker failures are aggregated into
// a single error after the queue has drained.
func (o *Orchestrator) Run(ctx context.Context) error {
	cfg := o.opts.Config
	chunks := cursor.Partition(cfg.MinTimestampMs, cfg.MaxTimestampMs, cfg.PartitionCount)

	checkpoints, err := o.reconcileCheckpoints(ctx, chunks)
	if err != nil {
		return err
	}

	// Seed totals with prior progress before any worker reports
	for _, cp := range checkpoints {
		o.opts.Tracker.Update(cp)
	}

	runnable := make([]models.WorkerCheckpoint, 0, len(checkpoints))
	for _, cp := range checkpoints {
		if cp.Status != models.StatusCompleted {
			runnable = append(runnable, cp)
		}
	}
	if len(runnable) == 0 {
		log.Info().Msg("All chunks already completed, nothing to do")
		o.opts.Queue.Drain()
		return nil
	}

	log.Info().
		Int("workers", len(runnable)).
		Int64("ts_min", cfg.MinTimestampMs).
		Int64("ts_max", cfg.MaxTimestampMs).
		Msg("Starting ingestion workers")

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(cfg.ProgressLogInterval),
		gocron.NewTask(o.logProgress),
	)
	if err != nil {
		return err
	}
	scheduler.Start()

	failures := make([]error, len(runnable))
	var wg sync.WaitGroup
	for i, cp := range runnable {
		if i > 0 {
			time.Sleep(o.stagger)
		}
		if o.opts.Stopped() {
			break
		}
		wg.Add(1)
		go func(i int, cp models.WorkerCheckpoint) {
			defer wg.Done()
			if _, err := o.runWorker(ctx, cp); err != nil {
				log.Error().Err(err).Int("worker_id", cp.WorkerID).Msg("Worker failed")
				failures[i] = err
			}
		}(i, cp)
	}
	wg.Wait()

	// Flush everything the workers handed off before judging the run
	o.opts.Queue.Drain()
	o.logProgress()

	if err := scheduler.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down progress scheduler")
	}

	return stderrors.Join(failures...)
}

// reconcileCheckpoints aligns the stored checkpoints with the configured
// chunk list. A partition-count change shifts every boundary, so prior
// rows are dropped rather than reinterpreted.
func (o *Orchestrator) reconcileCheckpoints(ctx context.Context, chunks []cursor.Chunk) ([]models.WorkerCheckpoint, error) {
	existing, err := o.opts.Checkpoints.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 && len(existing) != len(chunks) {
		log.Warn().
			Int("existing", len(existing)).
			Int("configured", len(chunks)).
			Msg("Partition count changed, resetting checkpoints")
		if err := o.opts.Checkpoints.ResetAll(ctx); err != nil {
			return nil, err
		}
	}

	rows := make([]models.WorkerCheckpoint, len(chunks))
	for i, c := range chunks {
		rows[i] = models.WorkerCheckpoint{
			WorkerID:     i,
			ChunkStartTs: c.StartTs,
			ChunkEndTs:   c.EndTs,
			Status:       models.StatusRunning,
		}
	}
	if err := o.opts.Checkpoints.Initialize(ctx, rows); err != nil {
		return nil, err
	}

	return o.opts.Checkpoints.LoadAll(ctx)
}

func (o *Orchestrator) startWorker(ctx context.Context, cp models.WorkerCheckpoint) (models.WorkerCheckpoint, error) {
	w := worker.New(worker.Config{
		Checkpoint: cp,
		Source:     o.opts.Source,
		Queue:      o.opts.Queue,
		BatchSize:  o.opts.Config.BatchSize,
		Stopped:    o.opts.Stopped,
		Progress:   o.opts.Tracker.Update,
	})
	return w.Run(ctx)
}

func (o *Orchestrator) logProgress() {
	snap := o.opts.Tracker.Snapshot()
	evt := log.Info().
		Int64("total_fetched", snap.TotalFetched).
		Int64("total_inserted", snap.TotalInserted).
		Float64("events_per_sec", math.Round(snap.EventsPerSec*10)/10).
		Int64("pending_writes", snap.PendingWrites)
	if snap.ETASeconds >= 0 {
		evt = evt.Str("eta", (time.Duration(snap.ETASeconds * float64(time.Second))).Round(time.Second).String())
	}
	evt.Msg("Ingestion progress")

	if o.opts.OnProgress != nil {
		o.opts.OnProgress(snap)
	}
}
