package database

import (
	"context"
	"fmt"
	"time"

	"github.com/Kota1609/data-sync-ingestion-coding-challenge/config"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect establishes the pooled connection set shared by the workers and
// the write queue. Each new pooled connection applies the session-level
// synchronous_commit setting before first use; a failure there is logged
// and the connection is used anyway.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse database url")
	}

	sqlDB := stdlib.OpenDB(*connCfg, stdlib.OptionAfterConnect(sessionSetup(cfg.PgSyncCommit)))

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	// Workers, writers and the health surface share one pool
	poolSize := cfg.PoolSize()
	sqlDB.SetMaxOpenConns(poolSize)
	sqlDB.SetMaxIdleConns(poolSize)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// sessionSetup returns the after-connect hook applying synchronous_commit.
// The value is constrained to on/off by config validation.
func sessionSetup(syncCommit string) func(context.Context, *pgx.Conn) error {
	stmt := fmt.Sprintf("SET synchronous_commit = '%s'", syncCommit)
	return func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			log.Warn().Err(err).Str("setting", syncCommit).Msg("Failed to set synchronous_commit, continuing with server default")
		}
		return nil
	}
}

// Close releases the underlying connection pool
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
