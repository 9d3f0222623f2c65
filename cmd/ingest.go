package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Kota1609/data-sync-ingestion-coding-challenge/config"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/api"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/cache"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/database"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/httpclient"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/logging"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/metrics"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/models"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/orchestrator"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/ratelimit"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/repositories"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/source"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/stream"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/submitter"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/tracing"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/writequeue"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run the full ingestion",
	Long: `Partition the configured timestamp range into per-worker chunks,
pull every event through the stream endpoint and persist batches to
Postgres inside checkpointed transactions.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logging.Setup(cfg.LogLevel, cfg.Environment)
	logging.Redact(cfg.TargetAPIKey)
	log.Logger = log.With().Str("run_id", uuid.NewString()).Logger()

	// The first signal requests a cooperative stop: workers finish their
	// current page, the queue flushes and checkpoints stay exact. A second
	// signal gets the default handler and kills the process.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var stopRequested atomic.Bool
	go func() {
		s := <-sigCh
		stopRequested.Store(true)
		signal.Stop(sigCh)
		log.Warn().Str("signal", s.String()).
			Msg("Stop requested, finishing in-flight pages before shutdown")
	}()

	// Initialize the database connection
	db, err := initDatabase(&cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(db); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}()

	// HTTP stack: one transport and one rate limiter shared by all workers.
	// The connection budget covers every worker's in-flight fetch plus
	// credential refresh and submission headroom.
	client := httpclient.New(httpclient.Options{
		Timeout:  cfg.RequestTimeout,
		PoolSize: cfg.PartitionCount + 4,
	})
	limiter := ratelimit.New()
	retrier := httpclient.NewRetrier(cfg.MaxRetries, cfg.RetryBase, cfg.RetryMax)
	retrier.Notify = func(err error, attempt int, delay time.Duration) {
		if s, ok := httpclient.StatusOf(err); ok && s == http.StatusTooManyRequests {
			limiter.Record429()
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("Retrying request")
	}
	creds := stream.NewManager(client, retrier, cfg.Origin(), cfg.TargetAPIKey)
	src := source.New(client, retrier, limiter, creds, cfg.Origin(), cfg.APIBaseURL, cfg.TargetAPIKey)

	// Persistence
	events := repositories.NewEventRepository(db)
	checkpoints := repositories.NewCheckpointRepository(db)
	store := repositories.NewBatchStore(db, events, checkpoints)

	queue := writequeue.New(store, cfg.DBWriteConcurrency, cfg.MaxPendingWrites)
	queue.Start(context.Background())

	// Observability
	tracker := metrics.NewTracker(queue.Pending)

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
	}
	if tracer != nil {
		defer tracer.Close()
	}

	mirror := cache.NewMirror(cfg.Redis)
	defer func() {
		if err := mirror.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Redis mirror")
		}
	}()

	server := api.NewServer(&cfg, tracker, limiter, tracer)

	orch := orchestrator.New(orchestrator.Options{
		Config:      &cfg,
		Source:      src,
		Checkpoints: checkpoints,
		Queue:       queue,
		Tracker:     tracker,
		Stopped:     stopRequested.Load,
		OnProgress: func(snap metrics.Snapshot) {
			if err := mirror.Publish(context.Background(), snap); err != nil {
				log.Warn().Err(err).Msg("Failed to mirror progress")
			}
		},
	})

	started := time.Now()
	log.Info().
		Str("api", cfg.APIBaseURL).
		Int("partitions", cfg.PartitionCount).
		Int("batch_size", cfg.BatchSize).
		Int64("ts_min", cfg.MinTimestampMs).
		Int64("ts_max", cfg.MaxTimestampMs).
		Msg("Starting ingestion")

	// The health server runs for the lifetime of the run and is shut down
	// once the orchestrator returns. A server failure is logged but never
	// aborts the ingestion.
	g := new(errgroup.Group)
	g.Go(func() error {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Health server error")
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			if err := server.Shutdown(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Health server shutdown error")
			}
		}()
		return orch.Run(context.Background())
	})
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "ingestion failed")
	}

	if stopRequested.Load() {
		snap := tracker.Snapshot()
		log.Warn().
			Int64("total_inserted", snap.TotalInserted).
			Msg("Ingestion stopped before completion, run again to resume")
		return nil
	}

	snap := tracker.Snapshot()
	stored, err := events.Count(context.Background())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count stored events")
		stored = snap.TotalInserted
	}

	logWorkerTotals(snap)

	log.Info().
		Int64("total_fetched", snap.TotalFetched).
		Int64("total_inserted", snap.TotalInserted).
		Int64("events_in_store", stored).
		Str("elapsed", time.Since(started).Round(time.Second).String()).
		Msg("ingestion complete")

	if cfg.AutoSubmit {
		if cfg.GithubRepoURL == "" {
			log.Warn().Msg("AUTO_SUBMIT is set but GITHUB_REPO_URL is empty, skipping submission")
			return nil
		}
		sub := submitter.New(client, retrier, events, cfg.APIBaseURL, cfg.TargetAPIKey)
		if err := sub.Submit(context.Background(), cfg.GithubRepoURL); err != nil {
			return err
		}
	}

	return nil
}

func initDatabase(cfg *config.Config) (*gorm.DB, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, err
	}

	// Auto-migrate the schema before any worker touches it
	if err := models.SetupModels(db); err != nil {
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return db, nil
}

func logWorkerTotals(snap metrics.Snapshot) {
	ids := make([]int, 0, len(snap.Workers))
	for id := range snap.Workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		w := snap.Workers[id]
		log.Info().
			Int("worker_id", id).
			Int64("fetched", w.FetchedCount).
			Int64("inserted", w.InsertedCount).
			Str("status", w.Status).
			Msg("Worker totals")
	}
}
