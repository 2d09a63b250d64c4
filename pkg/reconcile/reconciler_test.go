package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/media-pipeline/pkg/models"
	"github.com/psantana5/media-pipeline/pkg/store"
)

func seedJob(t *testing.T, st *store.MemoryStore, id, meetingID string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, st.CreateJob(context.Background(), &models.Job{
		JobID:       id,
		UserID:      "u1",
		Status:      models.JobStatusProcessing,
		Progress:    55,
		CurrentStep: "transcribing",
		MeetingID:   meetingID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))
}

func seedExecution(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	require.NoError(t, st.CreateExecution(context.Background(), &models.Execution{
		ID:           "exec-1",
		StateMachine: "meeting-analysis",
		JobID:        "J1",
		Status:       models.ExecutionFailed,
		StartedAt:    time.Now(),
	}))
}

func terminal(status models.ExecutionStatus, input, output string) models.TerminalEvent {
	return models.TerminalEvent{Detail: models.TerminalEventDetail{
		ExecutionArn:    "exec-1",
		StateMachineArn: "meeting-analysis",
		Status:          status,
		Input:           input,
		Output:          output,
	}}
}

func TestReconcileSucceeded(t *testing.T) {
	st := store.NewMemoryStore()
	seedJob(t, st, "J1", "")
	r := New(st, Options{})
	ctx := context.Background()

	res, err := r.Reconcile(ctx, terminal(models.ExecutionSucceeded,
		`{"job_id":"J1","bucket":"media"}`,
		`{"analysis_key":"analysis/x_structured.json","total_score":23}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	job, err := st.GetJob(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, models.StepCompleted, job.CurrentStep)
	assert.Equal(t, "analysis/x_structured.json", job.AnalysisKey)
	assert.Equal(t, "transcripts/x_transcript.json", job.TranscriptKey)
	require.NotNil(t, job.TotalScore)
	assert.Equal(t, 23.0, *job.TotalScore)
}

func TestReconcileSucceededIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	seedJob(t, st, "J1", "")
	r := New(st, Options{})
	ctx := context.Background()
	ev := terminal(models.ExecutionSucceeded, `{"job_id":"J1"}`, `{"analysis_key":"analysis/x_structured.json","total_score":23}`)

	_, err := r.Reconcile(ctx, ev)
	require.NoError(t, err)
	once, err := st.GetJob(ctx, "J1")
	require.NoError(t, err)

	_, err = r.Reconcile(ctx, ev)
	require.NoError(t, err)
	twice, err := st.GetJob(ctx, "J1")
	require.NoError(t, err)

	assert.Equal(t, once, twice)
}

func TestReconcilePrefersTranscriptKeyFromOutput(t *testing.T) {
	st := store.NewMemoryStore()
	seedJob(t, st, "J1", "")
	r := New(st, Options{})

	_, err := r.Reconcile(context.Background(), terminal(models.ExecutionSucceeded, `{"job_id":"J1"}`,
		`{"analysis_key":"analysis/x_structured.json","transcript_key":"transcripts/custom.json","total_score":"7.5"}`))
	require.NoError(t, err)

	job, _ := st.GetJob(context.Background(), "J1")
	assert.Equal(t, "transcripts/custom.json", job.TranscriptKey)
	require.NotNil(t, job.TotalScore)
	assert.Equal(t, 7.5, *job.TotalScore)
}

func TestReconcileSucceededWithBadOutput(t *testing.T) {
	st := store.NewMemoryStore()
	seedJob(t, st, "J1", "")
	r := New(st, Options{})

	res, err := r.Reconcile(context.Background(), terminal(models.ExecutionSucceeded, `{"job_id":"J1"}`, `{not json`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)

	job, _ := st.GetJob(context.Background(), "J1")
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Empty(t, job.AnalysisKey)
	assert.Nil(t, job.TotalScore)
}

func TestReconcileIgnoresBadInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unparseable", `{{{`},
		{"empty", ``},
		{"missing job_id", `{"bucket":"media"}`},
		{"numeric job_id", `{"job_id":42}`},
		{"blank job_id", `{"job_id":"  "}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			seedJob(t, st, "J1", "")
			before, _ := st.GetJob(context.Background(), "J1")

			res, err := New(st, Options{}).Reconcile(context.Background(), terminal(models.ExecutionFailed, tt.input, ""))
			require.NoError(t, err)
			assert.Equal(t, OutcomeIgnored, res.Outcome)

			after, _ := st.GetJob(context.Background(), "J1")
			assert.Equal(t, before, after)
		})
	}
}

func TestReconcileFailedUsesNewestFailureEvent(t *testing.T) {
	st := store.NewMemoryStore()
	seedJob(t, st, "J1", "")
	seedExecution(t, st)
	ctx := context.Background()

	for _, ev := range []models.HistoryEvent{
		{Type: models.EventExecutionStarted},
		{Type: models.EventTaskStateEntered, Stage: "TranscribeSegments"},
		{Type: models.EventLambdaFunctionFailed, Stage: "TranscribeSegments", Error: "RuntimeError", Cause: "CUDA out of memory"},
		{Type: models.EventTaskFailed, Stage: "TranscribeSegments", Error: "RuntimeError", Cause: "CUDA out of memory (attempt 4)"},
		{Type: models.EventExecutionFailed},
	} {
		ev.ExecutionID = "exec-1"
		ev.Timestamp = time.Now()
		require.NoError(t, st.AppendHistory(ctx, &ev))
	}

	res, err := New(st, Options{}).Reconcile(ctx, terminal(models.ExecutionFailed, `{"job_id":"J1"}`, ""))
	require.NoError(t, err)
	// ExecutionFailed carries no fields so the TaskFailed before it wins
	assert.Equal(t, "RuntimeError: CUDA out of memory (attempt 4)", res.Message)

	job, _ := st.GetJob(ctx, "J1")
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, models.StepFailed, job.CurrentStep)
	assert.Equal(t, res.Message, job.ErrorMessage)
	assert.Equal(t, 55, job.Progress)
}

func TestReconcileFailedRespectsLookback(t *testing.T) {
	st := store.NewMemoryStore()
	seedJob(t, st, "J1", "")
	seedExecution(t, st)
	ctx := context.Background()

	require.NoError(t, st.AppendHistory(ctx, &models.HistoryEvent{ExecutionID: "exec-1", Type: models.EventTaskFailed, Error: "Old", Cause: "too far back"}))
	for i := 0; i < 3; i++ {
		require.NoError(t, st.AppendHistory(ctx, &models.HistoryEvent{ExecutionID: "exec-1", Type: models.EventTaskScheduled}))
	}

	res, err := New(st, Options{Lookback: 2}).Reconcile(ctx, terminal(models.ExecutionFailed, `{"job_id":"J1"}`, ""))
	require.NoError(t, err)
	assert.Equal(t, "Execution FAILED", res.Message)
}

type failingHistory struct {
	*store.MemoryStore
}

func (failingHistory) GetHistory(ctx context.Context, executionID string, reverse bool, limit int) ([]models.HistoryEvent, error) {
	return nil, errors.New("history unavailable")
}

func TestReconcileFailedHistoryErrorFallsBack(t *testing.T) {
	mem := store.NewMemoryStore()
	seedJob(t, mem, "J1", "")

	res, err := New(failingHistory{mem}, Options{}).Reconcile(context.Background(), terminal(models.ExecutionFailed, `{"job_id":"J1"}`, ""))
	require.NoError(t, err)
	assert.Equal(t, "Execution FAILED", res.Message)

	job, _ := mem.GetJob(context.Background(), "J1")
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "Execution FAILED", job.ErrorMessage)
}

func TestReconcileFixedMessages(t *testing.T) {
	for status, want := range map[models.ExecutionStatus]string{
		models.ExecutionTimedOut: MessageTimedOut,
		models.ExecutionAborted:  MessageAborted,
	} {
		t.Run(string(status), func(t *testing.T) {
			st := store.NewMemoryStore()
			seedJob(t, st, "J1", "")

			_, err := New(st, Options{}).Reconcile(context.Background(), terminal(status, `{"job_id":"J1"}`, ""))
			require.NoError(t, err)

			job, _ := st.GetJob(context.Background(), "J1")
			assert.Equal(t, models.JobStatusFailed, job.Status)
			assert.Equal(t, want, job.ErrorMessage)
		})
	}
}

func TestReconcileAbsorbsNoise(t *testing.T) {
	st := store.NewMemoryStore()
	seedJob(t, st, "J1", "")
	r := New(st, Options{})
	ctx := context.Background()

	res, err := r.Reconcile(ctx, terminal(models.ExecutionSucceeded, `{"job_id":"missing"}`, ""))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMissingJob, res.Outcome)

	_, err = r.Reconcile(ctx, terminal(models.ExecutionSucceeded, `{"job_id":"J1"}`, ""))
	require.NoError(t, err)

	// A late failure must not replace the completed outcome
	res, err = r.Reconcile(ctx, terminal(models.ExecutionFailed, `{"job_id":"J1"}`, ""))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)

	job, _ := st.GetJob(ctx, "J1")
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Empty(t, job.ErrorMessage)

	res, err = r.Reconcile(ctx, terminal(models.ExecutionRunning, `{"job_id":"J1"}`, ""))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
}

type brokenStore struct {
	*store.MemoryStore
}

func (brokenStore) UpdateJob(ctx context.Context, id string, update models.JobUpdate) (*models.Job, error) {
	return nil, errors.New("connection refused")
}

func TestReconcileReturnsStorageErrors(t *testing.T) {
	_, err := New(brokenStore{store.NewMemoryStore()}, Options{}).Reconcile(context.Background(),
		terminal(models.ExecutionSucceeded, `{"job_id":"J1"}`, ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestReconcileSyncsRecording(t *testing.T) {
	tests := []struct {
		status models.ExecutionStatus
		want   models.RecordingStatus
	}{
		{models.ExecutionSucceeded, models.RecordingStatusAnalyzed},
		{models.ExecutionFailed, models.RecordingStatusError},
		{models.ExecutionTimedOut, models.RecordingStatusError},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			st := store.NewMemoryStore()
			ctx := context.Background()
			seedJob(t, st, "J2", "meet123")
			require.NoError(t, st.PutRecording(ctx, &models.Recording{
				UserID: "u1", RecordingName: "rec.mp4", MeetingID: "meet123", JobID: "J2", Status: models.RecordingStatusProcessing,
			}))

			_, err := New(st, Options{}).Reconcile(ctx, terminal(tt.status, `{"job_id":"J2","meeting_id":"meet123"}`, ""))
			require.NoError(t, err)

			rec, err := st.GetRecording(ctx, "u1", "rec.mp4")
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.Status)
		})
	}
}

type brokenRecordings struct {
	*store.MemoryStore
}

func (brokenRecordings) FindRecordingByJobID(ctx context.Context, jobID string) (*models.Recording, error) {
	return nil, errors.New("index unavailable")
}

type countingRecorder struct {
	reconciled map[string]int
	sideFails  []string
}

func (c *countingRecorder) IncReconciled(status, result string) {
	if c.reconciled == nil {
		c.reconciled = map[string]int{}
	}
	c.reconciled[status+"/"+result]++
}

func (c *countingRecorder) IncBestEffortFailure(op string) { c.sideFails = append(c.sideFails, op) }

func TestReconcileRecordingFailureIsSwallowed(t *testing.T) {
	mem := store.NewMemoryStore()
	seedJob(t, mem, "J2", "meet123")
	rec := &countingRecorder{}

	res, err := New(brokenRecordings{mem}, Options{Recorder: rec}).Reconcile(context.Background(),
		terminal(models.ExecutionSucceeded, `{"job_id":"J2"}`, `{"analysis_key":"analysis/m_structured.json"}`))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, []string{"sync_recording_status"}, rec.sideFails)
	assert.Equal(t, 1, rec.reconciled["SUCCEEDED/applied"])

	job, _ := mem.GetJob(context.Background(), "J2")
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

func TestHandle(t *testing.T) {
	st := store.NewMemoryStore()
	seedJob(t, st, "J1", "")
	r := New(st, Options{})

	_, err := r.Handle(context.Background(), []byte(`not an event`))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	raw := `{"detail":{"executionArn":"exec-1","stateMachineArn":"meeting-analysis","status":"SUCCEEDED",` +
		`"input":"{\"job_id\":\"J1\"}","output":"{\"analysis_key\":\"analysis/x_structured.json\",\"total_score\":23}"}}`
	res, err := r.Handle(context.Background(), []byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "J1", res.JobID)
	assert.Equal(t, OutcomeApplied, res.Outcome)
}

func TestNotifyDeliversInProcess(t *testing.T) {
	st := store.NewMemoryStore()
	seedJob(t, st, "J1", "")

	require.NoError(t, New(st, Options{}).Notify(context.Background(), terminal(models.ExecutionAborted, `{"job_id":"J1"}`, "")))
	job, _ := st.GetJob(context.Background(), "J1")
	assert.Equal(t, MessageAborted, job.ErrorMessage)
}

func TestFailureMessageIsTruncated(t *testing.T) {
	st := store.NewMemoryStore()
	seedJob(t, st, "J1", "")
	seedExecution(t, st)
	ctx := context.Background()
	require.NoError(t, st.AppendHistory(ctx, &models.HistoryEvent{
		ExecutionID: "exec-1", Type: models.EventExecutionFailed, Error: "States.TaskFailed", Cause: strings.Repeat("x", 5000),
	}))

	res, err := New(st, Options{}).Reconcile(ctx, terminal(models.ExecutionFailed, `{"job_id":"J1"}`, ""))
	require.NoError(t, err)
	assert.Len(t, []rune(res.Message), maxMessageLength)
	assert.True(t, strings.HasPrefix(res.Message, "States.TaskFailed: xxx"))
}

func TestDeriveTranscriptKey(t *testing.T) {
	tests := map[string]string{
		"analysis/x_structured.json":           "transcripts/x_transcript.json",
		"analysis/meeting_01_analysis.txt":     "transcripts/meeting_01_transcript.json",
		"analysis/deep/dir/call_analysis.json": "transcripts/call_transcript.json",
		"weird-name.bin":                       "transcripts/weird-name_transcript.json",
		"analysis/_structured.json":            "transcripts/_structured_transcript.json",
		"":                                     "transcripts/unknown_transcript.json",
	}
	for in, want := range tests {
		assert.Equal(t, want, DeriveTranscriptKey(in), in)
	}
}
