package worker

import (
	"context"
	"net/http"

	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/cursor"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/httpclient"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/models"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/source"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/writequeue"

	"github.com/rs/zerolog/log"
)

type pageSource interface {
	FetchPage(ctx context.Context, opts source.FetchOptions) (*source.Page, error)
}

type writeQueue interface {
	Enqueue(ctx context.Context, task writequeue.Task) (<-chan writequeue.Result, error)
}

// Config carries one worker's collaborators
type Config struct {
	Checkpoint models.WorkerCheckpoint
	Source     pageSource
	Queue      writeQueue
	BatchSize  int
	Stopped    func() bool
	Progress   func(models.WorkerCheckpoint)
}

// Worker drains one chunk of the timeline. The API pages descending, so
// the worker starts from the chunk's upper boundary and walks backwards
// until it sees a timestamp below the lower boundary.
type Worker struct {
	cfg Config
}

// New creates a worker
func New(cfg Config) *Worker {
	if cfg.Stopped == nil {
		cfg.Stopped = func() bool { return false }
	}
	return &Worker{cfg: cfg}
}

type fetchResult struct {
	page *source.Page
	err  error
}

// Run processes the worker's chunk until it is exhausted, a stop is
// requested, or an error escapes. The returned checkpoint mirrors the
// last state handed to the write queue.
func (w *Worker) Run(ctx context.Context) (models.WorkerCheckpoint, error) {
	cp := w.cfg.Checkpoint
	if cp.Status == models.StatusCompleted {
		return cp, nil
	}
	cp.Status = models.StatusRunning

	cur := ""
	if cp.Cursor != nil {
		cur = *cp.Cursor
	}
	if cur == "" {
		cur = cursor.Forge(cp.ChunkEndTs)
		cp.Cursor = &cur
	}

	log.Info().
		Int("worker_id", cp.WorkerID).
		Int64("chunk_start_ts", cp.ChunkStartTs).
		Int64("chunk_end_ts", cp.ChunkEndTs).
		Msg("Worker starting")

	inflight := w.startFetch(ctx, cur)
	done := false
	reforged := false

	for !done && !w.cfg.Stopped() {
		var res fetchResult
		select {
		case res = <-inflight:
		case <-ctx.Done():
			return cp, ctx.Err()
		}
		inflight = nil

		if res.err != nil {
			// A 400 on a forged cursor means it expired server-side. One
			// recovery per success: a second consecutive 400 escapes.
			if status, _ := httpclient.StatusOf(res.err); status == http.StatusBadRequest && cp.LastTs != nil && !reforged {
				log.Warn().
					Int("worker_id", cp.WorkerID).
					Int64("last_ts", *cp.LastTs).
					Msg("Cursor rejected, re-forging from last event timestamp")
				cur = cursor.Forge(*cp.LastTs)
				cp.Cursor = &cur
				reforged = true
				inflight = w.startFetch(ctx, cur)
				continue
			}
			cp.Status = models.StatusFailed
			return cp, res.err
		}
		reforged = false

		page := res.page
		filtered := make([]models.IngestedEvent, 0, len(page.Events))
		for _, ev := range page.Events {
			if ev.TsMs < cp.ChunkStartTs {
				// Descending order: once below the chunk, every later
				// page is below it too
				done = true
				continue
			}
			if ev.TsMs >= cp.ChunkEndTs {
				continue
			}
			filtered = append(filtered, models.IngestedEvent{
				EventID:     ev.ID,
				TimestampMs: ev.TsMs,
				Payload:     ev.Payload,
			})
		}

		cp.FetchedCount += int64(len(page.Events))
		if len(page.Events) > 0 {
			minTs := page.Events[0].TsMs
			for _, ev := range page.Events[1:] {
				minTs = min(minTs, ev.TsMs)
			}
			lastTs := minTs
			cp.LastTs = &lastTs
		}
		if page.NextCursor != "" {
			cur = page.NextCursor
			cp.Cursor = &cur
		}

		// Start the next fetch before awaiting the write so the round
		// trip overlaps the transaction
		if page.HasMore && !done && page.NextCursor != "" && !w.cfg.Stopped() {
			inflight = w.startFetch(ctx, page.NextCursor)
		}

		if len(filtered) > 0 {
			inserted, err := w.commit(ctx, filtered, cp)
			if err != nil {
				cp.Status = models.StatusFailed
				return cp, err
			}
			cp.InsertedCount += inserted
		}

		if w.cfg.Progress != nil {
			w.cfg.Progress(cp)
		}

		if !page.HasMore || inflight == nil {
			done = true
		}
	}

	if w.cfg.Stopped() {
		cp.Status = models.StatusRunning
	} else {
		cp.Status = models.StatusCompleted
	}

	// Persist the final status so a resumed run can skip finished chunks
	if _, err := w.commit(ctx, nil, cp); err != nil {
		return cp, err
	}

	log.Info().
		Int("worker_id", cp.WorkerID).
		Int64("fetched", cp.FetchedCount).
		Int64("inserted", cp.InsertedCount).
		Str("status", cp.Status).
		Msg("Worker finished")
	return cp, nil
}

func (w *Worker) startFetch(ctx context.Context, cur string) <-chan fetchResult {
	ch := make(chan fetchResult, 1)
	go func() {
		page, err := w.cfg.Source.FetchPage(ctx, source.FetchOptions{
			Limit:  w.cfg.BatchSize,
			Cursor: cur,
			Since:  w.cfg.Checkpoint.ChunkStartTs,
			Until:  w.cfg.Checkpoint.ChunkEndTs,
		})
		ch <- fetchResult{page: page, err: err}
	}()
	return ch
}

func (w *Worker) commit(ctx context.Context, events []models.IngestedEvent, cp models.WorkerCheckpoint) (int64, error) {
	resCh, err := w.cfg.Queue.Enqueue(ctx, writequeue.Task{Events: events, Checkpoint: cp})
	if err != nil {
		return 0, err
	}
	select {
	case res := <-resCh:
		return res.Inserted, res.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
