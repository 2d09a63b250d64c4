package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/media-pipeline/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store.
// Records are copied on the way in and out so callers never share state with it.
type MemoryStore struct {
	jobs       map[string]*models.Job
	uploads    map[string]*models.UploadMetadata
	recordings map[recordingKey]*models.Recording
	executions map[string]*models.Execution
	history    map[string][]models.HistoryEvent
	nextEvent  int64

	jobsMu   sync.RWMutex
	uploadMu sync.RWMutex
	recMu    sync.RWMutex
	execMu   sync.RWMutex

	now func() time.Time
}

type recordingKey struct {
	userID string
	name   string
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*models.Job),
		uploads:    make(map[string]*models.UploadMetadata),
		recordings: make(map[recordingKey]*models.Recording),
		executions: make(map[string]*models.Execution),
		history:    make(map[string][]models.HistoryEvent),
		now:        time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

// Job operations

// CreateJob adds a new job to the store
func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if _, exists := s.jobs[job.JobID]; exists {
		return ErrJobExists
	}
	s.jobs[job.JobID] = copyJob(job)
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(job), nil
}

// UpdateJob applies a partial update to a job
func (s *MemoryStore) UpdateJob(ctx context.Context, id string, update models.JobUpdate) (*models.Job, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	next := copyJob(job)
	if _, err := next.Apply(update, s.now()); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return copyJob(next), nil
}

// ListJobs returns jobs matching the filter, newest first
func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.matches(job) {
			jobs = append(jobs, copyJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].JobID < jobs[j].JobID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// Upload metadata operations

func (s *MemoryStore) PutUploadMetadata(ctx context.Context, meta *models.UploadMetadata) error {
	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()

	m := *meta
	s.uploads[meta.Key] = &m
	return nil
}

func (s *MemoryStore) GetUploadMetadata(ctx context.Context, key string) (*models.UploadMetadata, error) {
	s.uploadMu.RLock()
	defer s.uploadMu.RUnlock()

	meta, ok := s.uploads[key]
	if !ok || meta.Expired(s.now()) {
		return nil, ErrUploadNotFound
	}
	m := *meta
	return &m, nil
}

func (s *MemoryStore) DeleteUploadMetadata(ctx context.Context, key string) error {
	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()

	delete(s.uploads, key)
	return nil
}

func (s *MemoryStore) DeleteExpiredUploads(ctx context.Context, now time.Time) (int, error) {
	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()

	removed := 0
	for key, meta := range s.uploads {
		if meta.Expired(now) {
			delete(s.uploads, key)
			removed++
		}
	}
	return removed, nil
}

// Recording operations

// PutRecording inserts or replaces a recording
func (s *MemoryStore) PutRecording(ctx context.Context, rec *models.Recording) error {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	r := *rec
	s.recordings[recordingKey{rec.UserID, rec.RecordingName}] = &r
	return nil
}

func (s *MemoryStore) GetRecording(ctx context.Context, userID, name string) (*models.Recording, error) {
	s.recMu.RLock()
	defer s.recMu.RUnlock()

	rec, ok := s.recordings[recordingKey{userID, name}]
	if !ok {
		return nil, ErrRecordingNotFound
	}
	r := *rec
	return &r, nil
}

func (s *MemoryStore) FindRecordingByJobID(ctx context.Context, jobID string) (*models.Recording, error) {
	s.recMu.RLock()
	defer s.recMu.RUnlock()

	for _, rec := range s.recordings {
		if rec.JobID == jobID {
			r := *rec
			return &r, nil
		}
	}
	return nil, ErrRecordingNotFound
}

func (s *MemoryStore) UpdateRecordingStatus(ctx context.Context, userID, name string, status models.RecordingStatus) error {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	rec, ok := s.recordings[recordingKey{userID, name}]
	if !ok {
		return ErrRecordingNotFound
	}
	rec.Status = status
	rec.UpdatedAt = s.now()
	return nil
}

// Execution operations

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *models.Execution) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return ErrExecutionExists
	}
	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	s.execMu.RLock()
	defer s.execMu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return copyExecution(exec), nil
}

func (s *MemoryStore) SaveExecution(ctx context.Context, exec *models.Execution) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	old, exists := s.executions[exec.ID]
	if !exists {
		return ErrExecutionNotFound
	}
	c := copyExecution(exec)
	// Only MarkExecutionNotified sets the delivery marker
	c.NotifiedAt = old.NotifiedAt
	s.executions[exec.ID] = c
	return nil
}

func (s *MemoryStore) MarkExecutionNotified(ctx context.Context, id string, at time.Time) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return ErrExecutionNotFound
	}
	exec.NotifiedAt = &at
	return nil
}

func (s *MemoryStore) ListUnnotifiedExecutions(ctx context.Context) ([]*models.Execution, error) {
	s.execMu.RLock()
	defer s.execMu.RUnlock()

	out := make([]*models.Execution, 0)
	for _, exec := range s.executions {
		if exec.Status.IsTerminal() && exec.NotifiedAt == nil {
			out = append(out, copyExecution(exec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, status models.ExecutionStatus) ([]*models.Execution, error) {
	s.execMu.RLock()
	defer s.execMu.RUnlock()

	out := make([]*models.Execution, 0)
	for _, exec := range s.executions {
		if status == "" || exec.Status == status {
			out = append(out, copyExecution(exec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) AppendHistory(ctx context.Context, ev *models.HistoryEvent) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	if _, exists := s.executions[ev.ExecutionID]; !exists {
		return ErrExecutionNotFound
	}
	s.nextEvent++
	ev.ID = s.nextEvent
	s.history[ev.ExecutionID] = append(s.history[ev.ExecutionID], *ev)
	return nil
}

func (s *MemoryStore) GetHistory(ctx context.Context, executionID string, reverse bool, limit int) ([]models.HistoryEvent, error) {
	s.execMu.RLock()
	defer s.execMu.RUnlock()

	if _, exists := s.executions[executionID]; !exists {
		return nil, ErrExecutionNotFound
	}
	events := slices.Clone(s.history[executionID])
	if reverse {
		slices.Reverse(events)
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Lifecycle

func (s *MemoryStore) Close() error                          { return nil }
func (s *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

// Vacuum drops expired upload metadata
func (s *MemoryStore) Vacuum(ctx context.Context) error {
	_, err := s.DeleteExpiredUploads(ctx, s.now())
	return err
}

func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		JobsByStatus:       make(map[models.JobStatus]int),
		ExecutionsByStatus: make(map[models.ExecutionStatus]int),
	}

	s.jobsMu.RLock()
	for _, job := range s.jobs {
		stats.JobsByStatus[job.Status]++
	}
	stats.TotalJobs = len(s.jobs)
	s.jobsMu.RUnlock()

	s.execMu.RLock()
	for _, exec := range s.executions {
		stats.ExecutionsByStatus[exec.Status]++
	}
	s.execMu.RUnlock()

	s.uploadMu.RLock()
	stats.PendingUploads = len(s.uploads)
	s.uploadMu.RUnlock()

	return stats, nil
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	if j.TotalScore != nil {
		score := *j.TotalScore
		c.TotalScore = &score
	}
	return &c
}

func copyExecution(e *models.Execution) *models.Execution {
	c := *e
	c.Context = slices.Clone(e.Context)
	if e.StoppedAt != nil {
		t := *e.StoppedAt
		c.StoppedAt = &t
	}
	if e.NotifiedAt != nil {
		t := *e.NotifiedAt
		c.NotifiedAt = &t
	}
	return &c
}
