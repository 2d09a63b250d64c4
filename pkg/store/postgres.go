package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgreSQLStore implements Store interface using PostgreSQL
type PostgreSQLStore struct {
	*sqlStore
}

var _ Store = (*PostgreSQLStore)(nil)

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25) // Default
	}

	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5) // Default
	}

	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute) // Default
	}

	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute) // Default
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{sqlStore: &sqlStore{
		db: db,
		dialect: dialect{
			name:        "postgres",
			placeholder: postgresPlaceholder,
			forUpdate:   " FOR UPDATE",
			isDuplicate: isUniqueViolation,
		},
		now: time.Now,
	}}

	// Initialize schema
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// initSchema creates tables if they don't exist
func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		segment TEXT NOT NULL,
		file_name TEXT NOT NULL,
		file_size BIGINT NOT NULL DEFAULT 0,
		bucket TEXT NOT NULL,
		video_key TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		current_step TEXT NOT NULL DEFAULT '',
		execution_reference TEXT NOT NULL DEFAULT '',
		meeting_id TEXT NOT NULL DEFAULT '',
		analysis_key TEXT NOT NULL DEFAULT '',
		transcript_key TEXT NOT NULL DEFAULT '',
		total_score DOUBLE PRECISION,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_user_created ON jobs(user_id, created_at);

	CREATE TABLE IF NOT EXISTS upload_metadata (
		meta_key TEXT PRIMARY KEY,
		storage_key TEXT NOT NULL,
		original_filename TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		segment TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		ttl BIGINT NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_upload_metadata_ttl ON upload_metadata(ttl);

	CREATE TABLE IF NOT EXISTS recordings (
		user_id TEXT NOT NULL,
		recording_name TEXT NOT NULL,
		meeting_id TEXT NOT NULL DEFAULT '',
		job_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (user_id, recording_name)
	);

	CREATE INDEX IF NOT EXISTS idx_recordings_job_id ON recordings(job_id);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		state_machine TEXT NOT NULL,
		job_id TEXT NOT NULL,
		status TEXT NOT NULL,
		input TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		context JSONB,
		current_stage TEXT NOT NULL DEFAULT '',
		next_stage INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		cause TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		stopped_at TIMESTAMP,
		notified_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);

	CREATE TABLE IF NOT EXISTS execution_history (
		id BIGSERIAL PRIMARY KEY,
		execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		item_index INTEGER,
		attempt INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		cause TEXT NOT NULL DEFAULT '',
		ts TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_execution ON execution_history(execution_id, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Vacuum drops expired upload metadata and refreshes planner statistics
func (s *PostgreSQLStore) Vacuum(ctx context.Context) error {
	if _, err := s.DeleteExpiredUploads(ctx, s.now()); err != nil {
		return err
	}
	for _, table := range []string{"jobs", "upload_metadata", "executions", "execution_history"} {
		if _, err := s.db.ExecContext(ctx, "VACUUM ANALYZE "+table); err != nil {
			return fmt.Errorf("failed to vacuum %s: %w", table, err)
		}
	}
	return nil
}
