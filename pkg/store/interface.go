package store

import (
	"context"
	"errors"
	"time"

	"github.com/psantana5/media-pipeline/pkg/models"
)

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrJobExists           = errors.New("job already exists")
	ErrUploadNotFound      = errors.New("upload metadata not found")
	ErrRecordingNotFound   = errors.New("recording not found")
	ErrExecutionNotFound   = errors.New("execution not found")
	ErrExecutionExists     = errors.New("execution already exists")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// JobStore persists Job records. All writes are keyed by job_id.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// UpdateJob applies a partial update under the job status FSM and returns
	// the stored record. A rejected transition returns models.ErrInvalidTransition.
	UpdateJob(ctx context.Context, id string, update models.JobUpdate) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
}

// UploadStore persists short-lived upload metadata
type UploadStore interface {
	PutUploadMetadata(ctx context.Context, meta *models.UploadMetadata) error
	// GetUploadMetadata treats expired records as missing
	GetUploadMetadata(ctx context.Context, key string) (*models.UploadMetadata, error)
	// DeleteUploadMetadata is a no-op for missing keys
	DeleteUploadMetadata(ctx context.Context, key string) error
	DeleteExpiredUploads(ctx context.Context, now time.Time) (int, error)
}

// RecordingStore persists meeting recordings, with a secondary lookup by job
type RecordingStore interface {
	PutRecording(ctx context.Context, rec *models.Recording) error
	GetRecording(ctx context.Context, userID, name string) (*models.Recording, error)
	FindRecordingByJobID(ctx context.Context, jobID string) (*models.Recording, error)
	UpdateRecordingStatus(ctx context.Context, userID, name string, status models.RecordingStatus) error
}

// ExecutionStore persists orchestration instances and their history
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *models.Execution) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	SaveExecution(ctx context.Context, exec *models.Execution) error
	ListExecutions(ctx context.Context, status models.ExecutionStatus) ([]*models.Execution, error)
	// MarkExecutionNotified records that the terminal event was delivered
	MarkExecutionNotified(ctx context.Context, id string, at time.Time) error
	// ListUnnotifiedExecutions returns stopped executions whose terminal
	// event was never delivered, oldest first
	ListUnnotifiedExecutions(ctx context.Context) ([]*models.Execution, error)
	// AppendHistory assigns ev.ID
	AppendHistory(ctx context.Context, ev *models.HistoryEvent) error
	// GetHistory returns at most limit events (limit <= 0 means all),
	// newest first when reverse is set
	GetHistory(ctx context.Context, executionID string, reverse bool, limit int) ([]models.HistoryEvent, error)
}

// Store defines the interface for data persistence
// Memory, SQLite and PostgreSQL implement this interface
type Store interface {
	JobStore
	UploadStore
	RecordingStore
	ExecutionStore

	// Lifecycle
	Close() error
	HealthCheck(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Stats returns aggregated counts for the metrics endpoint
	Stats(ctx context.Context) (*Stats, error)
}

// JobFilter narrows ListJobs; zero values match everything
type JobFilter struct {
	Status models.JobStatus
	UserID string
	Limit  int
}

func (f JobFilter) matches(j *models.Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.UserID != "" && j.UserID != f.UserID {
		return false
	}
	return true
}

// Stats contains aggregated job and execution counts
type Stats struct {
	JobsByStatus       map[models.JobStatus]int
	ExecutionsByStatus map[models.ExecutionStatus]int
	PendingUploads     int
	TotalJobs          int
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SQLite specific
	Path string
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "pipeline.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}
