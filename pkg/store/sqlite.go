package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-based implementation of the data store
type SQLiteStore struct {
	*sqlStore
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite connection string with parameters for concurrent access
	// - _journal_mode=WAL: Enable Write-Ahead Logging for better concurrency
	// - _busy_timeout=10000: Wait up to 10 seconds when database is locked
	// - _synchronous=NORMAL: Balance between safety and performance
	// - _cache_size=-8000: 8MB memory cache for better performance
	// - _txlock=immediate: Acquire write lock at transaction start so UpdateJob's
	//   read-modify-write cannot interleave with another writer
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_cache_size=-8000&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1) // Serialize writes to avoid SQLITE_BUSY
	db.SetMaxIdleConns(1) // Keep one connection ready
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{sqlStore: &sqlStore{
		db: db,
		dialect: dialect{
			name:        "sqlite",
			isDuplicate: isSQLiteConstraint,
		},
		now: time.Now,
	}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func isSQLiteConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		segment TEXT NOT NULL,
		file_name TEXT NOT NULL,
		file_size INTEGER NOT NULL DEFAULT 0,
		bucket TEXT NOT NULL,
		video_key TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		current_step TEXT NOT NULL DEFAULT '',
		execution_reference TEXT NOT NULL DEFAULT '',
		meeting_id TEXT NOT NULL DEFAULT '',
		analysis_key TEXT NOT NULL DEFAULT '',
		transcript_key TEXT NOT NULL DEFAULT '',
		total_score REAL,
		error_message TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_user_created ON jobs(user_id, created_at);

	CREATE TABLE IF NOT EXISTS upload_metadata (
		meta_key TEXT PRIMARY KEY,
		storage_key TEXT NOT NULL,
		original_filename TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		segment TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		ttl INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_upload_metadata_ttl ON upload_metadata(ttl);

	CREATE TABLE IF NOT EXISTS recordings (
		user_id TEXT NOT NULL,
		recording_name TEXT NOT NULL,
		meeting_id TEXT NOT NULL DEFAULT '',
		job_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
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
		context TEXT,
		current_stage TEXT NOT NULL DEFAULT '',
		next_stage INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		cause TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		stopped_at DATETIME,
		notified_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);

	CREATE TABLE IF NOT EXISTS execution_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL,
		type TEXT NOT NULL,
		stage TEXT NOT NULL DEFAULT '',
		item_index INTEGER,
		attempt INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		cause TEXT NOT NULL DEFAULT '',
		ts DATETIME NOT NULL,
		FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_history_execution ON execution_history(execution_id, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Vacuum drops expired upload metadata then compacts the database file
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	if _, err := s.DeleteExpiredUploads(ctx, s.now()); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}
