package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/media-pipeline/pkg/models"
)

// dialect captures the few places SQLite and PostgreSQL disagree
type dialect struct {
	name        string
	placeholder func(n int) string
	forUpdate   string
	isDuplicate func(err error) bool
}

// sqlStore implements Store over database/sql; the SQLite and PostgreSQL
// stores embed it and differ only in connection setup and schema.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// rebind rewrites ? placeholders for the active dialect
func (s *sqlStore) rebind(query string) string {
	if s.dialect.placeholder == nil {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.dialect.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func postgresPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

type rowScanner interface {
	Scan(dest ...any) error
}

// Job operations

const jobColumns = `job_id, user_id, segment, file_name, file_size, bucket, video_key, status,
	progress, current_step, execution_reference, meeting_id, analysis_key, transcript_key,
	total_score, error_message, created_at, updated_at`

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var score sql.NullFloat64
	err := row.Scan(&job.JobID, &job.UserID, &job.Segment, &job.FileName, &job.FileSize,
		&job.Bucket, &job.VideoKey, &job.Status, &job.Progress, &job.CurrentStep,
		&job.ExecutionReference, &job.MeetingID, &job.AnalysisKey, &job.TranscriptKey,
		&score, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if score.Valid {
		v := score.Float64
		job.TotalScore = &v
	}
	return &job, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// CreateJob adds a new job to the store
func (s *sqlStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), job.JobID, job.UserID, job.Segment, job.FileName, job.FileSize, job.Bucket, job.VideoKey,
		job.Status, job.Progress, job.CurrentStep, job.ExecutionReference, job.MeetingID,
		job.AnalysisKey, job.TranscriptKey, nullFloat(job.TotalScore), job.ErrorMessage,
		job.CreatedAt.UTC(), job.UpdatedAt.UTC())
	if err != nil {
		if s.dialect.isDuplicate != nil && s.dialect.isDuplicate(err) {
			return ErrJobExists
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *sqlStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// UpdateJob reads, applies and writes the job inside one transaction
func (s *sqlStore) UpdateJob(ctx context.Context, id string, update models.JobUpdate) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`+s.dialect.forUpdate), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	changed, err := job.Apply(update, s.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return job, nil
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE jobs SET status = ?, progress = ?, current_step = ?, execution_reference = ?,
			analysis_key = ?, transcript_key = ?, total_score = ?, error_message = ?, updated_at = ?
		WHERE job_id = ?
	`), job.Status, job.Progress, job.CurrentStep, job.ExecutionReference, job.AnalysisKey,
		job.TranscriptKey, nullFloat(job.TotalScore), job.ErrorMessage, job.UpdatedAt.UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job update: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, newest first
func (s *sqlStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	query += ` ORDER BY created_at DESC, job_id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Upload metadata operations

func (s *sqlStore) PutUploadMetadata(ctx context.Context, meta *models.UploadMetadata) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO upload_metadata (meta_key, storage_key, original_filename, user_id, segment, created_at, ttl)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (meta_key) DO UPDATE SET
			storage_key = excluded.storage_key,
			original_filename = excluded.original_filename,
			user_id = excluded.user_id,
			segment = excluded.segment,
			created_at = excluded.created_at,
			ttl = excluded.ttl
	`), meta.Key, meta.StorageKey, meta.OriginalFilename, meta.UserID, meta.Segment, meta.CreatedAt.UTC(), meta.TTL)
	if err != nil {
		return fmt.Errorf("failed to put upload metadata: %w", err)
	}
	return nil
}

func (s *sqlStore) GetUploadMetadata(ctx context.Context, key string) (*models.UploadMetadata, error) {
	var meta models.UploadMetadata
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT meta_key, storage_key, original_filename, user_id, segment, created_at, ttl
		FROM upload_metadata WHERE meta_key = ?
	`), key).Scan(&meta.Key, &meta.StorageKey, &meta.OriginalFilename, &meta.UserID,
		&meta.Segment, &meta.CreatedAt, &meta.TTL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload metadata: %w", err)
	}
	if meta.Expired(s.now()) {
		return nil, ErrUploadNotFound
	}
	return &meta, nil
}

func (s *sqlStore) DeleteUploadMetadata(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM upload_metadata WHERE meta_key = ?`), key); err != nil {
		return fmt.Errorf("failed to delete upload metadata: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteExpiredUploads(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM upload_metadata WHERE ttl > 0 AND ttl <= ?`), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired uploads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Recording operations

const recordingColumns = `user_id, recording_name, meeting_id, job_id, status, created_at, updated_at`

func scanRecording(row rowScanner) (*models.Recording, error) {
	var rec models.Recording
	if err := row.Scan(&rec.UserID, &rec.RecordingName, &rec.MeetingID, &rec.JobID,
		&rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutRecording inserts or replaces a recording
func (s *sqlStore) PutRecording(ctx context.Context, rec *models.Recording) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO recordings (`+recordingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, recording_name) DO UPDATE SET
			meeting_id = excluded.meeting_id,
			job_id = excluded.job_id,
			status = excluded.status,
			updated_at = excluded.updated_at
	`), rec.UserID, rec.RecordingName, rec.MeetingID, rec.JobID, rec.Status,
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to put recording: %w", err)
	}
	return nil
}

func (s *sqlStore) GetRecording(ctx context.Context, userID, name string) (*models.Recording, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+recordingColumns+` FROM recordings WHERE user_id = ? AND recording_name = ?
	`), userID, name)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recording: %w", err)
	}
	return rec, nil
}

func (s *sqlStore) FindRecordingByJobID(ctx context.Context, jobID string) (*models.Recording, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+recordingColumns+` FROM recordings WHERE job_id = ? LIMIT 1
	`), jobID)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recording by job: %w", err)
	}
	return rec, nil
}

func (s *sqlStore) UpdateRecordingStatus(ctx context.Context, userID, name string, status models.RecordingStatus) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE recordings SET status = ?, updated_at = ? WHERE user_id = ? AND recording_name = ?
	`), status, s.now().UTC(), userID, name)
	if err != nil {
		return fmt.Errorf("failed to update recording: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRecordingNotFound
	}
	return nil
}

// Execution operations

const executionColumns = `id, state_machine, job_id, status, input, output, context, current_stage,
	next_stage, error, cause, started_at, stopped_at, notified_at`

func scanExecution(row rowScanner) (*models.Execution, error) {
	var exec models.Execution
	var execContext sql.NullString
	var stopped, notified sql.NullTime
	err := row.Scan(&exec.ID, &exec.StateMachine, &exec.JobID, &exec.Status, &exec.Input,
		&exec.Output, &execContext, &exec.CurrentStage, &exec.NextStage, &exec.Error,
		&exec.Cause, &exec.StartedAt, &stopped, &notified)
	if err != nil {
		return nil, err
	}
	if execContext.Valid && execContext.String != "" {
		exec.Context = json.RawMessage(execContext.String)
	}
	if stopped.Valid {
		t := stopped.Time
		exec.StoppedAt = &t
	}
	if notified.Valid {
		t := notified.Time
		exec.NotifiedAt = &t
	}
	return &exec, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func (s *sqlStore) CreateExecution(ctx context.Context, exec *models.Execution) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), exec.ID, exec.StateMachine, exec.JobID, exec.Status, exec.Input, exec.Output,
		nullJSON(exec.Context), exec.CurrentStage, exec.NextStage, exec.Error, exec.Cause,
		exec.StartedAt.UTC(), nullTime(exec.StoppedAt), nullTime(exec.NotifiedAt))
	if err != nil {
		if s.dialect.isDuplicate != nil && s.dialect.isDuplicate(err) {
			return ErrExecutionExists
		}
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (s *sqlStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+executionColumns+` FROM executions WHERE id = ?`), id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return exec, nil
}

func (s *sqlStore) SaveExecution(ctx context.Context, exec *models.Execution) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE executions SET status = ?, output = ?, context = ?, current_stage = ?, next_stage = ?,
			error = ?, cause = ?, stopped_at = ?
		WHERE id = ?
	`), exec.Status, exec.Output, nullJSON(exec.Context), exec.CurrentStage, exec.NextStage,
		exec.Error, exec.Cause, nullTime(exec.StoppedAt), exec.ID)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func (s *sqlStore) ListExecutions(ctx context.Context, status models.ExecutionStatus) ([]*models.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	return s.queryExecutions(ctx, query+` ORDER BY started_at ASC`, args...)
}

func (s *sqlStore) MarkExecutionNotified(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE executions SET notified_at = ? WHERE id = ?`), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark execution notified: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

func (s *sqlStore) ListUnnotifiedExecutions(ctx context.Context) ([]*models.Execution, error) {
	return s.queryExecutions(ctx, `SELECT `+executionColumns+` FROM executions
		WHERE status <> ? AND notified_at IS NULL ORDER BY started_at ASC`, models.ExecutionRunning)
}

func (s *sqlStore) queryExecutions(ctx context.Context, query string, args ...any) ([]*models.Execution, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Execution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendHistory(ctx context.Context, ev *models.HistoryEvent) error {
	var itemIndex sql.NullInt64
	if ev.ItemIndex != nil {
		itemIndex = sql.NullInt64{Int64: int64(*ev.ItemIndex), Valid: true}
	}
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO execution_history (execution_id, type, stage, item_index, attempt, error, cause, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), ev.ExecutionID, ev.Type, ev.Stage, itemIndex, ev.Attempt, ev.Error, ev.Cause,
		ev.Timestamp.UTC()).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (s *sqlStore) GetHistory(ctx context.Context, executionID string, reverse bool, limit int) ([]models.HistoryEvent, error) {
	if _, err := s.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}

	query := `SELECT id, execution_id, type, stage, item_index, attempt, error, cause, ts
		FROM execution_history WHERE execution_id = ?`
	if reverse {
		query += ` ORDER BY id DESC`
	} else {
		query += ` ORDER BY id ASC`
	}
	args := []any{executionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	events := make([]models.HistoryEvent, 0)
	for rows.Next() {
		var ev models.HistoryEvent
		var itemIndex sql.NullInt64
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &ev.Type, &ev.Stage, &itemIndex,
			&ev.Attempt, &ev.Error, &ev.Cause, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan history event: %w", err)
		}
		if itemIndex.Valid {
			i := int(itemIndex.Int64)
			ev.ItemIndex = &i
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Stats returns aggregated counts for the metrics endpoint
func (s *sqlStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		JobsByStatus:       make(map[models.JobStatus]int),
		ExecutionsByStatus: make(map[models.ExecutionStatus]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	for rows.Next() {
		var status models.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.JobsByStatus[status] = count
		stats.TotalJobs += count
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM executions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}
	for rows.Next() {
		var status models.ExecutionStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ExecutionsByStatus[status] = count
	}
	rows.Close()

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM upload_metadata`).Scan(&stats.PendingUploads); err != nil {
		return nil, fmt.Errorf("failed to count uploads: %w", err)
	}
	return stats, nil
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies database connectivity
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}
