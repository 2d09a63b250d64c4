package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/media-pipeline/pkg/models"
)

// runStoreSuite exercises the behaviour every Store implementation must share
func runStoreSuite(t *testing.T, s Store) {
	t.Run("JobOperations", func(t *testing.T) { testJobOperations(t, s) })
	t.Run("JobTerminalIdempotency", func(t *testing.T) { testJobTerminalIdempotency(t, s) })
	t.Run("UploadMetadata", func(t *testing.T) { testUploadMetadata(t, s) })
	t.Run("Recordings", func(t *testing.T) { testRecordings(t, s) })
	t.Run("Executions", func(t *testing.T) { testExecutions(t, s) })
	t.Run("Stats", func(t *testing.T) { testStats(t, s) })
}

func newTestJob(userID string) *models.Job {
	now := time.Now().UTC().Truncate(time.Millisecond)
	req := models.JobStartRequest{
		JobID:    uuid.NewString(),
		Bucket:   "media",
		VideoKey: "uploads/" + userID + "/2025-06-01/HEMS/video.mp4",
		UserID:   userID,
		Segment:  "HEMS",
		FileName: "video.mp4",
		FileSize: 1_000_000,
	}
	return req.NewJob(now)
}

func testJobOperations(t *testing.T, s Store) {
	ctx := context.Background()
	job := newTestJob("u-" + uuid.NewString()[:8])

	require.NoError(t, s.CreateJob(ctx, job))
	assert.ErrorIs(t, s.CreateJob(ctx, job), ErrJobExists)

	got, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, models.StepQueued, got.CurrentStep)
	assert.Equal(t, int64(1_000_000), got.FileSize)
	assert.Nil(t, got.TotalScore)

	updated, err := s.UpdateJob(ctx, job.JobID, models.JobUpdate{
		Progress:    models.IntPtr(45),
		CurrentStep: models.StringPtr("merge_speakers"),
	})
	require.NoError(t, err)
	assert.Equal(t, 45, updated.Progress)

	// Progress never moves backwards while processing
	updated, err = s.UpdateJob(ctx, job.JobID, models.JobUpdate{Progress: models.IntPtr(15)})
	require.NoError(t, err)
	assert.Equal(t, 45, updated.Progress)

	_, err = s.UpdateJob(ctx, "missing-"+uuid.NewString(), models.JobUpdate{Progress: models.IntPtr(1)})
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = s.GetJob(ctx, "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, ErrJobNotFound)

	jobs, err := s.ListJobs(ctx, JobFilter{UserID: job.UserID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.JobID, jobs[0].JobID)
}

func testJobTerminalIdempotency(t *testing.T, s Store) {
	ctx := context.Background()
	job := newTestJob("u-" + uuid.NewString()[:8])
	require.NoError(t, s.CreateJob(ctx, job))

	update := models.JobUpdate{
		Status:        models.StatusPtr(models.JobStatusCompleted),
		Progress:      models.IntPtr(100),
		CurrentStep:   models.StringPtr(models.StepCompleted),
		AnalysisKey:   models.StringPtr("analysis/x_structured.json"),
		TranscriptKey: models.StringPtr("transcripts/x_transcript.json"),
		TotalScore:    models.FloatPtr(23),
	}

	first, err := s.UpdateJob(ctx, job.JobID, update)
	require.NoError(t, err)
	second, err := s.UpdateJob(ctx, job.JobID, update)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Progress, second.Progress)
	assert.Equal(t, first.AnalysisKey, second.AnalysisKey)
	assert.Equal(t, first.TranscriptKey, second.TranscriptKey)
	require.NotNil(t, second.TotalScore)
	assert.Equal(t, 23.0, *second.TotalScore)

	_, err = s.UpdateJob(ctx, job.JobID, models.JobUpdate{Status: models.StatusPtr(models.JobStatusFailed)})
	assert.True(t, errors.Is(err, models.ErrInvalidTransition), "got %v", err)
}

func testUploadMetadata(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	storageKey := "uploads/u1/2025-01-01/HEMS/" + uuid.NewString() + ".mp4"

	meta := models.NewUploadMetadata(storageKey, "Board Meeting.mp4", "u1", "HEMS", now, 0)
	require.NoError(t, s.PutUploadMetadata(ctx, meta))

	got, err := s.GetUploadMetadata(ctx, models.UploadMetadataKey(storageKey))
	require.NoError(t, err)
	assert.Equal(t, "Board Meeting.mp4", got.OriginalFilename)
	assert.Equal(t, now.Add(models.UploadMetadataTTL).Unix(), got.TTL)

	require.NoError(t, s.DeleteUploadMetadata(ctx, meta.Key))
	_, err = s.GetUploadMetadata(ctx, meta.Key)
	assert.ErrorIs(t, err, ErrUploadNotFound)
	// Deleting twice is fine
	require.NoError(t, s.DeleteUploadMetadata(ctx, meta.Key))

	expired := models.NewUploadMetadata(storageKey+"-old", "old.mp4", "u1", "HEMS", now.Add(-48*time.Hour), 0)
	require.NoError(t, s.PutUploadMetadata(ctx, expired))
	_, err = s.GetUploadMetadata(ctx, expired.Key)
	assert.ErrorIs(t, err, ErrUploadNotFound, "expired records read as missing")

	removed, err := s.DeleteExpiredUploads(ctx, now)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, 1)
}

func testRecordings(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	userID := "u-" + uuid.NewString()[:8]
	jobID := uuid.NewString()

	rec := &models.Recording{
		UserID:        userID,
		RecordingName: "rec.mp4",
		MeetingID:     "meet123",
		Status:        models.RecordingStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.PutRecording(ctx, rec))

	rec.JobID = jobID
	rec.Status = models.RecordingStatusProcessing
	require.NoError(t, s.PutRecording(ctx, rec))

	found, err := s.FindRecordingByJobID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "rec.mp4", found.RecordingName)
	assert.Equal(t, models.RecordingStatusProcessing, found.Status)

	require.NoError(t, s.UpdateRecordingStatus(ctx, userID, "rec.mp4", models.RecordingStatusAnalyzed))
	got, err := s.GetRecording(ctx, userID, "rec.mp4")
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusAnalyzed, got.Status)

	_, err = s.FindRecordingByJobID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrRecordingNotFound)
	assert.ErrorIs(t, s.UpdateRecordingStatus(ctx, userID, "nope.mp4", models.RecordingStatusError), ErrRecordingNotFound)
}

func testExecutions(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	exec := &models.Execution{
		ID:           uuid.NewString(),
		StateMachine: "meeting-analysis",
		JobID:        uuid.NewString(),
		Status:       models.ExecutionRunning,
		Input:        `{"job_id":"J1"}`,
		StartedAt:    now,
	}
	require.NoError(t, s.CreateExecution(ctx, exec))
	assert.ErrorIs(t, s.CreateExecution(ctx, exec), ErrExecutionExists)

	for i, typ := range []models.HistoryEventType{
		models.EventExecutionStarted,
		models.EventTaskStateEntered,
		models.EventLambdaFunctionFailed,
		models.EventExecutionFailed,
	} {
		ev := &models.HistoryEvent{
			ExecutionID: exec.ID,
			Type:        typ,
			Stage:       "ExtractAudio",
			Attempt:     i,
			Timestamp:   now.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.AppendHistory(ctx, ev))
		assert.NotZero(t, ev.ID)
	}

	newest, err := s.GetHistory(ctx, exec.ID, true, 2)
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, models.EventExecutionFailed, newest[0].Type)
	assert.Equal(t, models.EventLambdaFunctionFailed, newest[1].Type)

	all, err := s.GetHistory(ctx, exec.ID, false, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, models.EventExecutionStarted, all[0].Type)

	_, err = s.GetHistory(ctx, "missing-"+uuid.NewString(), true, 10)
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	stopped := now.Add(time.Minute)
	exec.Status = models.ExecutionFailed
	exec.Error = "States.TaskFailed"
	exec.Cause = "boom"
	exec.Context = []byte(`{"audio_key":"audio/x.wav"}`)
	exec.NextStage = 3
	exec.StoppedAt = &stopped
	require.NoError(t, s.SaveExecution(ctx, exec))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, got.Status)
	assert.Equal(t, 3, got.NextStage)
	assert.JSONEq(t, `{"audio_key":"audio/x.wav"}`, string(got.Context))
	require.NotNil(t, got.StoppedAt)

	running, err := s.ListExecutions(ctx, models.ExecutionRunning)
	require.NoError(t, err)
	for _, e := range running {
		assert.NotEqual(t, exec.ID, e.ID)
	}

	_, err = s.GetExecution(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	// Stopped and undelivered until marked
	assert.Contains(t, unnotifiedIDs(t, s), exec.ID)
	require.NoError(t, s.MarkExecutionNotified(ctx, exec.ID, stopped.Add(time.Second)))
	assert.NotContains(t, unnotifiedIDs(t, s), exec.ID)

	got, err = s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NotifiedAt)
	assert.WithinDuration(t, stopped.Add(time.Second), *got.NotifiedAt, time.Millisecond)

	// A later save does not clear the marker
	require.NoError(t, s.SaveExecution(ctx, exec))
	got, err = s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.NotifiedAt)

	assert.ErrorIs(t, s.MarkExecutionNotified(ctx, uuid.NewString(), now), ErrExecutionNotFound)
}

func unnotifiedIDs(t *testing.T, s Store) []string {
	t.Helper()
	execs, err := s.ListUnnotifiedExecutions(context.Background())
	require.NoError(t, err)
	ids := make([]string, len(execs))
	for i, e := range execs {
		assert.NotEqual(t, models.ExecutionRunning, e.Status)
		ids[i] = e.ID
	}
	return ids
}

func testStats(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newTestJob("stats-user")))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.TotalJobs, 1)
	assert.GreaterOrEqual(t, stats.JobsByStatus[models.JobStatusProcessing], 1)
}
