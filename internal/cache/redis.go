package cache

import (
	"context"
	"time"

	"github.com/Kota1609/data-sync-ingestion-coding-challenge/config"
	"github.com/Kota1609/data-sync-ingestion-coding-challenge/internal/metrics"

	"github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	progressKey = "ingestion:progress"
	progressTTL = 5 * time.Minute
)

// Mirror publishes run progress to Redis so external dashboards can watch
// the ingestion without access to the process. A run never fails because
// of the mirror: when Redis is not configured or unreachable the mirror
// stays disabled.
type Mirror struct {
	client  *redis.Client
	enabled bool
}

// NewMirror creates a progress mirror
func NewMirror(cfg config.RedisConfig) *Mirror {
	if !cfg.Enabled {
		return &Mirror{}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Addr).Msg("Redis unreachable, progress mirror disabled")
		_ = client.Close()
		return &Mirror{}
	}

	return &Mirror{client: client, enabled: true}
}

// Enabled reports whether snapshots are being mirrored
func (m *Mirror) Enabled() bool {
	return m.enabled
}

// Publish stores the latest snapshot under a fixed key with a TTL, so a
// stale key disappears once the run is gone
func (m *Mirror) Publish(ctx context.Context, snap metrics.Snapshot) error {
	if !m.enabled {
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "failed to marshal progress snapshot")
	}

	if err := m.client.Set(ctx, progressKey, data, progressTTL).Err(); err != nil {
		return errors.Wrap(err, "failed to publish progress snapshot")
	}
	return nil
}

// Close closes the Redis connection
func (m *Mirror) Close() error {
	if !m.enabled || m.client == nil {
		return nil
	}

	return m.client.Close()
}
