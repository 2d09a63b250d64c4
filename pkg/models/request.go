package models

import (
	"encoding/json"
	"time"
)

// JobStartRequest is the canonical orchestration input built by the trigger
type JobStartRequest struct {
	JobID      string `json:"job_id"`
	Bucket     string `json:"bucket"`
	VideoKey   string `json:"video_key"`
	UserID     string `json:"user_id"`
	Segment    string `json:"segment"`
	FileName   string `json:"file_name"`
	FileSize   int64  `json:"file_size"`
	UploadDate string `json:"upload_date"`
	CreatedAt  string `json:"created_at"`
	MeetingID  string `json:"meeting_id,omitempty"`
}

// NewJob returns the initial job record for this request
func (r JobStartRequest) NewJob(now time.Time) *Job {
	return &Job{
		JobID:       r.JobID,
		UserID:      r.UserID,
		Segment:     r.Segment,
		FileName:    r.FileName,
		FileSize:    r.FileSize,
		Bucket:      r.Bucket,
		VideoKey:    r.VideoKey,
		Status:      JobStatusProcessing,
		Progress:    0,
		CurrentStep: StepQueued,
		MeetingID:   r.MeetingID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Payload flattens the request into a generic map for the pipeline context
func (r JobStartRequest) Payload() (map[string]any, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
