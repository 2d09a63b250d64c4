package models

import (
	"time"
)

// JobStatus represents the status of an interview processing job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Step labels written to Job.CurrentStep outside of stage execution
const (
	StepQueued    = "queued"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// Job is the durable record of one end-to-end pipeline run
type Job struct {
	JobID              string    `json:"job_id"`
	UserID             string    `json:"user_id"`
	Segment            string    `json:"segment"`
	FileName           string    `json:"file_name"`
	FileSize           int64     `json:"file_size"`
	Bucket             string    `json:"bucket"`
	VideoKey           string    `json:"video_key"`
	Status             JobStatus `json:"status"`
	Progress           int       `json:"progress"`
	CurrentStep        string    `json:"current_step"`
	ExecutionReference string    `json:"execution_reference,omitempty"`
	MeetingID          string    `json:"meeting_id,omitempty"`
	AnalysisKey        string    `json:"analysis_key,omitempty"`
	TranscriptKey      string    `json:"transcript_key,omitempty"`
	TotalScore         *float64  `json:"total_score,omitempty"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// JobUpdate is a partial update; nil fields are left untouched.
// Set fields fully overwrite the stored value.
type JobUpdate struct {
	Status             *JobStatus
	Progress           *int
	CurrentStep        *string
	ExecutionReference *string
	AnalysisKey        *string
	TranscriptKey      *string
	TotalScore         *float64
	ErrorMessage       *string
}

// IsEmpty reports whether the update sets no field
func (u JobUpdate) IsEmpty() bool {
	return u.Status == nil && u.Progress == nil && u.CurrentStep == nil &&
		u.ExecutionReference == nil && u.AnalysisKey == nil && u.TranscriptKey == nil &&
		u.TotalScore == nil && u.ErrorMessage == nil
}

// Apply merges the update into the job, enforcing the status FSM.
// Progress never moves backwards while the job is processing; a lower value is ignored.
// The returned bool reports whether any stored field changed.
func (j *Job) Apply(u JobUpdate, now time.Time) (bool, error) {
	if u.Status != nil {
		if err := ValidateTransition(j.Status, *u.Status); err != nil {
			return false, err
		}
	}

	changed := false
	if u.Status != nil && j.Status != *u.Status {
		j.Status = *u.Status
		changed = true
	}
	if u.Progress != nil {
		p := clampProgress(*u.Progress)
		if j.Status != JobStatusProcessing || p >= j.Progress {
			if p != j.Progress {
				j.Progress = p
				changed = true
			}
		}
	}
	changed = setString(&j.CurrentStep, u.CurrentStep) || changed
	changed = setString(&j.ExecutionReference, u.ExecutionReference) || changed
	changed = setString(&j.AnalysisKey, u.AnalysisKey) || changed
	changed = setString(&j.TranscriptKey, u.TranscriptKey) || changed
	changed = setString(&j.ErrorMessage, u.ErrorMessage) || changed
	if u.TotalScore != nil {
		if j.TotalScore == nil || *j.TotalScore != *u.TotalScore {
			score := *u.TotalScore
			j.TotalScore = &score
			changed = true
		}
	}

	if changed {
		j.UpdatedAt = now
	}
	return changed, nil
}

func setString(dst *string, v *string) bool {
	if v == nil || *dst == *v {
		return false
	}
	*dst = *v
	return true
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// StatusPtr, IntPtr, StringPtr and FloatPtr build JobUpdate fields inline
func StatusPtr(s JobStatus) *JobStatus { return &s }
func IntPtr(i int) *int                { return &i }
func StringPtr(s string) *string       { return &s }
func FloatPtr(f float64) *float64      { return &f }
