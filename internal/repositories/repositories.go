package repositories

import (
	"context"

	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const bulkInsertSQL = `
INSERT INTO ingested_events (event_id, timestamp_ms, payload)
SELECT u.event_id, u.timestamp_ms, u.payload::jsonb
FROM unnest($1::text[], $2::bigint[], $3::text[]) AS u(event_id, timestamp_ms, payload)
ON CONFLICT (event_id) DO NOTHING`

// EventRepository provides access to ingested events
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// BulkInsert writes a batch in array-unnest form, one bind per column, and
// skips ids that already exist. It runs on the caller's transaction and
// returns the number of rows actually inserted, which can be lower than
// len(events) on replayed pages. Empty input is a no-op.
func (r *EventRepository) BulkInsert(ctx context.Context, tx *gorm.DB, events []models.IngestedEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	ids := make([]string, len(events))
	timestamps := make([]int64, len(events))
	payloads := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.EventID
		timestamps[i] = ev.TimestampMs
		payloads[i] = string(ev.Payload)
	}

	// GORM rewrites slice binds into IN lists, so the statement goes to the
	// driver directly, which binds Go slices as Postgres arrays
	res, err := tx.Statement.ConnPool.ExecContext(ctx, bulkInsertSQL, ids, timestamps, payloads)
	if err != nil {
		return 0, errors.Wrap(err, "failed to bulk insert events")
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read bulk insert row count")
	}
	return inserted, nil
}

// Count returns the number of rows in ingested_events
func (r *EventRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.IngestedEvent{}).Count(&n).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count ingested events")
	}
	return n, nil
}

// ListEventIDs returns up to limit event ids after afterID in ascending
// order. Pass an empty afterID to start from the beginning.
func (r *EventRepository) ListEventIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	var ids []string
	q := r.db.WithContext(ctx).Model(&models.IngestedEvent{}).Order("event_id").Limit(limit)
	if afterID != "" {
		q = q.Where("event_id > ?", afterID)
	}
	if err := q.Pluck("event_id", &ids).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list event ids")
	}
	return ids, nil
}

// CheckpointRepository provides access to worker checkpoints
type CheckpointRepository struct {
	db *gorm.DB
}

// NewCheckpointRepository creates a new checkpoint repository
func NewCheckpointRepository(db *gorm.DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// LoadAll returns all checkpoints ordered by worker id
func (r *CheckpointRepository) LoadAll(ctx context.Context) ([]models.WorkerCheckpoint, error) {
	var checkpoints []models.WorkerCheckpoint
	err := r.db.WithContext(ctx).Order("worker_id").Find(&checkpoints).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to load checkpoints")
	}
	return checkpoints, nil
}

// Initialize inserts checkpoint rows, leaving existing rows untouched so a
// resumed run keeps its committed progress
func (r *CheckpointRepository) Initialize(ctx context.Context, checkpoints []models.WorkerCheckpoint) error {
	if len(checkpoints) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&checkpoints).Error
	if err != nil {
		return errors.Wrap(err, "failed to initialize checkpoints")
	}
	return nil
}

// ResetAll drops all checkpoint rows. Used when the partition count
// changes, which shifts every chunk boundary.
func (r *CheckpointRepository) ResetAll(ctx context.Context) error {
	err := r.db.WithContext(ctx).Exec("TRUNCATE TABLE worker_checkpoints").Error
	if err != nil {
		return errors.Wrap(err, "failed to reset checkpoints")
	}
	return nil
}

// Upsert writes a checkpoint on the caller's transaction, updating every
// mutable column when the row exists
func (r *CheckpointRepository) Upsert(ctx context.Context, tx *gorm.DB, cp models.WorkerCheckpoint) error {
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "worker_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"cursor", "last_ts", "fetched_count", "inserted_count", "status", "updated_at",
			}),
		}).
		Create(&cp).Error
	if err != nil {
		return errors.Wrap(err, "failed to upsert checkpoint")
	}
	return nil
}

// BatchStore commits one worker batch atomically: the event rows and the
// checkpoint describing them land in the same transaction
type BatchStore struct {
	db          *gorm.DB
	events      *EventRepository
	checkpoints *CheckpointRepository
}

// NewBatchStore creates a new batch store
func NewBatchStore(db *gorm.DB, events *EventRepository, checkpoints *CheckpointRepository) *BatchStore {
	return &BatchStore{db: db, events: events, checkpoints: checkpoints}
}

// CommitBatch inserts the batch and upserts its checkpoint in one
// transaction, returning how many events were actually inserted
func (s *BatchStore) CommitBatch(ctx context.Context, events []models.IngestedEvent, cp models.WorkerCheckpoint) (int64, error) {
	var inserted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := s.events.BulkInsert(ctx, tx, events)
		if err != nil {
			return err
		}
		inserted = n
		return s.checkpoints.Upsert(ctx, tx, cp)
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}
