package models

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Checkpoint statuses as stored in worker_checkpoints.status
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// IngestedEvent represents one ingested event. Payload carries the upstream
// JSON object verbatim.
type IngestedEvent struct {
	EventID     string    `gorm:"primaryKey" json:"event_id"`
	TimestampMs int64     `gorm:"not null" json:"timestamp_ms"`
	Payload     []byte    `gorm:"type:jsonb;not null" json:"payload"`
	IngestedAt  time.Time `gorm:"type:timestamptz;default:now()" json:"ingested_at"`
}

// WorkerCheckpoint tracks one worker's progress through its chunk of the
// timeline. Cursor and LastTs stay NULL until the worker commits its first
// batch.
type WorkerCheckpoint struct {
	WorkerID      int       `gorm:"primaryKey;autoIncrement:false;type:int" json:"worker_id"`
	ChunkStartTs  int64     `json:"chunk_start_ts"`
	ChunkEndTs    int64     `json:"chunk_end_ts"`
	Cursor        *string   `json:"cursor"`
	LastTs        *int64    `json:"last_ts"`
	FetchedCount  int64     `gorm:"default:0" json:"fetched_count"`
	InsertedCount int64     `gorm:"default:0" json:"inserted_count"`
	Status        string    `gorm:"default:'running'" json:"status"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	// Apply all migrations
	err := db.AutoMigrate(
		&IngestedEvent{},
		&WorkerCheckpoint{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
