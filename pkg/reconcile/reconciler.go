// Package reconcile applies terminal execution outcomes to job records.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/psantana5/media-pipeline/internal/besteffort"
	"github.com/psantana5/media-pipeline/pkg/logging"
	"github.com/psantana5/media-pipeline/pkg/models"
	"github.com/psantana5/media-pipeline/pkg/store"
)

// ErrMalformedEvent is returned by Handle when the envelope itself is not JSON
var ErrMalformedEvent = errors.New("malformed terminal event")

const (
	DefaultLookback  = 20
	maxMessageLength = 1024

	MessageTimedOut = "Processing timed out"
	MessageAborted  = "Processing was aborted"
)

// Outcomes reported per notification
const (
	OutcomeApplied    = "applied"
	OutcomeIgnored    = "ignored"
	OutcomeMissingJob = "missing_job"
	OutcomeRejected   = "rejected"
)

// Store is the persistence the reconciler touches
type Store interface {
	UpdateJob(ctx context.Context, id string, update models.JobUpdate) (*models.Job, error)
	GetHistory(ctx context.Context, executionID string, reverse bool, limit int) ([]models.HistoryEvent, error)
	FindRecordingByJobID(ctx context.Context, jobID string) (*models.Recording, error)
	UpdateRecordingStatus(ctx context.Context, userID, name string, status models.RecordingStatus) error
}

// Recorder receives reconciliation metrics
type Recorder interface {
	IncReconciled(status, result string)
	IncBestEffortFailure(op string)
}

type nopRecorder struct{}

func (nopRecorder) IncReconciled(string, string)  {}
func (nopRecorder) IncBestEffortFailure(string) {}

// Options configures a Reconciler
type Options struct {
	Logger   *logging.Logger
	Recorder Recorder
	// Lookback bounds how many history events are read for a failure message
	Lookback int
}

// Result describes what one notification did
type Result struct {
	JobID   string                 `json:"job_id,omitempty"`
	Status  models.ExecutionStatus `json:"status"`
	Outcome string                 `json:"outcome"`
	Message string                 `json:"message,omitempty"`
}

// Reconciler maps terminal execution events onto job records.
// Every update is a full overwrite of the terminal fields, so duplicate
// deliveries leave the record unchanged.
type Reconciler struct {
	store    Store
	logger   *logging.Logger
	recorder Recorder
	side     besteffort.Runner
	lookback int
}

func New(st Store, opts Options) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultLookback
	}
	logger := opts.Logger.WithField("component", "reconciler")
	return &Reconciler{
		store:    st,
		logger:   logger,
		recorder: opts.Recorder,
		side:     besteffort.Runner{Logger: logger, OnFailure: opts.Recorder.IncBestEffortFailure},
		lookback: opts.Lookback,
	}
}

// Notify lets the engine deliver terminal events in process
func (r *Reconciler) Notify(ctx context.Context, ev models.TerminalEvent) error {
	_, err := r.Reconcile(ctx, ev)
	return err
}

// Handle decodes a raw terminal event and reconciles it
func (r *Reconciler) Handle(ctx context.Context, raw []byte) (*Result, error) {
	var ev models.TerminalEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return r.Reconcile(ctx, ev)
}

// Reconcile applies one terminal outcome. Malformed input, a missing job and
// a transition the job record refuses are absorbed; only storage failures
// are returned so the sender can redeliver.
func (r *Reconciler) Reconcile(ctx context.Context, ev models.TerminalEvent) (*Result, error) {
	detail := ev.Detail
	res := &Result{Status: detail.Status}
	fields := logging.Fields{"execution_id": detail.ExecutionArn, "status": string(detail.Status)}

	jobID, err := jobIDFromInput(detail.Input)
	if err != nil {
		r.logger.Warn("No job_id in terminal event input", logging.Fields{
			"execution_id": detail.ExecutionArn,
			"error":        err.Error(),
		})
		return r.done(res, OutcomeIgnored), nil
	}
	res.JobID = jobID
	fields["job_id"] = jobID

	var (
		update          models.JobUpdate
		recordingStatus models.RecordingStatus
	)
	switch detail.Status {
	case models.ExecutionSucceeded:
		update = r.successUpdate(detail.Output, fields)
		recordingStatus = models.RecordingStatusAnalyzed
	case models.ExecutionFailed, models.ExecutionTimedOut, models.ExecutionAborted:
		res.Message = r.failureMessage(ctx, detail.ExecutionArn, detail.Status)
		update = models.JobUpdate{
			Status:       models.StatusPtr(models.JobStatusFailed),
			CurrentStep:  models.StringPtr(models.StepFailed),
			ErrorMessage: models.StringPtr(res.Message),
		}
		recordingStatus = models.RecordingStatusError
	default:
		r.logger.Warn("Ignoring non-terminal execution status", fields)
		return r.done(res, OutcomeIgnored), nil
	}

	job, err := r.store.UpdateJob(ctx, jobID, update)
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		r.logger.Warn("Job not found for terminal event", fields)
		return r.done(res, OutcomeMissingJob), nil
	case errors.Is(err, models.ErrInvalidTransition):
		fields["error"] = err.Error()
		r.logger.Info("Terminal update rejected by job state", fields)
		return r.done(res, OutcomeRejected), nil
	case err != nil:
		r.recorder.IncReconciled(string(detail.Status), "error")
		return nil, fmt.Errorf("failed to update job %s: %w", jobID, err)
	}

	if job.MeetingID != "" {
		r.syncRecording(ctx, jobID, recordingStatus, fields)
	}

	r.logger.Info("Job reconciled", logging.Fields{
		"job_id":       jobID,
		"execution_id": detail.ExecutionArn,
		"status":       string(job.Status),
		"analysis_key": job.AnalysisKey,
	})
	return r.done(res, OutcomeApplied), nil
}

func (r *Reconciler) done(res *Result, outcome string) *Result {
	res.Outcome = outcome
	r.recorder.IncReconciled(string(res.Status), outcome)
	return res
}

func jobIDFromInput(input string) (string, error) {
	if input == "" {
		return "", errors.New("empty input")
	}
	var in struct {
		JobID any `json:"job_id"`
	}
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", err
	}
	id, ok := in.JobID.(string)
	if !ok || strings.TrimSpace(id) == "" {
		return "", errors.New("job_id missing or not a string")
	}
	return id, nil
}

func (r *Reconciler) successUpdate(output string, fields logging.Fields) models.JobUpdate {
	update := models.JobUpdate{
		Status:      models.StatusPtr(models.JobStatusCompleted),
		Progress:    models.IntPtr(100),
		CurrentStep: models.StringPtr(models.StepCompleted),
	}
	if output == "" {
		return update
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(output), &out); err != nil {
		r.logger.Warn("Unparseable execution output", logging.Fields{
			"job_id": fields["job_id"],
			"error":  err.Error(),
		})
		return update
	}

	analysisKey, _ := out["analysis_key"].(string)
	transcriptKey, _ := out["transcript_key"].(string)
	if analysisKey != "" {
		update.AnalysisKey = models.StringPtr(analysisKey)
		if transcriptKey == "" {
			transcriptKey = DeriveTranscriptKey(analysisKey)
		}
	}
	if transcriptKey != "" {
		update.TranscriptKey = models.StringPtr(transcriptKey)
	}
	if score, ok := number(out["total_score"]); ok {
		update.TotalScore = models.FloatPtr(score)
	}
	return update
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// failureMessage renders the newest failure event in the execution history.
// History problems fall back to "Execution {status}".
func (r *Reconciler) failureMessage(ctx context.Context, executionID string, status models.ExecutionStatus) string {
	switch status {
	case models.ExecutionTimedOut:
		return MessageTimedOut
	case models.ExecutionAborted:
		return MessageAborted
	}

	generic := "Execution " + string(status)
	if executionID == "" {
		return generic
	}

	events, err := r.store.GetHistory(ctx, executionID, true, r.lookback)
	if err != nil {
		r.logger.Warn("Failed to read execution history", logging.Fields{
			"execution_id": executionID,
			"error":        err.Error(),
		})
		return generic
	}

	for _, ev := range events {
		if !ev.Type.IsFailure() {
			continue
		}
		if msg := renderFailure(ev.Error, ev.Cause); msg != "" {
			return truncate(msg, maxMessageLength)
		}
	}
	return generic
}

func renderFailure(name, cause string) string {
	name, cause = strings.TrimSpace(name), strings.TrimSpace(cause)
	switch {
	case name != "" && cause != "":
		return name + ": " + cause
	case name != "":
		return name
	default:
		return cause
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func (r *Reconciler) syncRecording(ctx context.Context, jobID string, status models.RecordingStatus, fields logging.Fields) {
	r.side.Do("sync_recording_status", fields, func() error {
		rec, err := r.store.FindRecordingByJobID(ctx, jobID)
		if errors.Is(err, store.ErrRecordingNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return r.store.UpdateRecordingStatus(ctx, rec.UserID, rec.RecordingName, status)
	})
}
