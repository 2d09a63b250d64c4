package models

import (
	"errors"
	"testing"
	"time"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		// Valid transitions
		{"Queued to Processing", JobStatusQueued, JobStatusProcessing, false},
		{"Queued to Failed", JobStatusQueued, JobStatusFailed, false},
		{"Processing to Completed", JobStatusProcessing, JobStatusCompleted, false},
		{"Processing to Failed", JobStatusProcessing, JobStatusFailed, false},
		{"Processing to Processing", JobStatusProcessing, JobStatusProcessing, false},
		{"Completed reapplied", JobStatusCompleted, JobStatusCompleted, false},
		{"Failed reapplied", JobStatusFailed, JobStatusFailed, false},

		// Invalid transitions
		{"Processing to Queued", JobStatusProcessing, JobStatusQueued, true},
		{"Completed to Failed", JobStatusCompleted, JobStatusFailed, true},
		{"Failed to Completed", JobStatusFailed, JobStatusCompleted, true},
		{"Completed to Processing", JobStatusCompleted, JobStatusProcessing, true},
		{"Unknown source", JobStatus("paused"), JobStatusCompleted, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestIsTerminalState(t *testing.T) {
	tests := []struct {
		state    JobStatus
		expected bool
	}{
		{JobStatusCompleted, true},
		{JobStatusFailed, true},
		{JobStatusQueued, false},
		{JobStatusProcessing, false},
	}

	for _, tt := range tests {
		if got := IsTerminalState(tt.state); got != tt.expected {
			t.Errorf("IsTerminalState(%v) = %v, want %v", tt.state, got, tt.expected)
		}
	}
}

func TestJobApply_ProgressNeverDecreases(t *testing.T) {
	now := time.Now()
	job := &Job{JobID: "j1", Status: JobStatusProcessing, Progress: 40}

	changed, err := job.Apply(JobUpdate{Progress: IntPtr(25), CurrentStep: StringPtr("merge_speakers")}, now)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !changed {
		t.Error("expected current_step change to be reported")
	}
	if job.Progress != 40 {
		t.Errorf("progress moved backwards: got %d", job.Progress)
	}

	if _, err := job.Apply(JobUpdate{Progress: IntPtr(55)}, now); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if job.Progress != 55 {
		t.Errorf("expected progress 55, got %d", job.Progress)
	}
}

func TestJobApply_TerminalIsIdempotent(t *testing.T) {
	now := time.Now()
	job := &Job{JobID: "j1", Status: JobStatusProcessing, Progress: 90}
	update := JobUpdate{
		Status:      StatusPtr(JobStatusCompleted),
		Progress:    IntPtr(100),
		CurrentStep: StringPtr(StepCompleted),
		AnalysisKey: StringPtr("analysis/x_structured.json"),
		TotalScore:  FloatPtr(23),
	}

	if _, err := job.Apply(update, now); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	first := *job

	changed, err := job.Apply(update, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if changed {
		t.Error("re-applying the same terminal update should not change the record")
	}
	if job.UpdatedAt != first.UpdatedAt || job.Status != first.Status || *job.TotalScore != *first.TotalScore {
		t.Errorf("record changed on re-apply: %+v vs %+v", job, first)
	}

	_, err = job.Apply(JobUpdate{Status: StatusPtr(JobStatusFailed)}, now)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition replacing terminal state, got %v", err)
	}
}

func TestJobApply_ClampsProgress(t *testing.T) {
	job := &Job{Status: JobStatusQueued}
	if _, err := job.Apply(JobUpdate{Progress: IntPtr(250)}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if job.Progress != 100 {
		t.Errorf("expected clamp to 100, got %d", job.Progress)
	}
}
