package models

import "time"

// RecordingStatus tracks an auto-recorded meeting through analysis
type RecordingStatus string

const (
	RecordingStatusPending    RecordingStatus = "PENDING"
	RecordingStatusProcessing RecordingStatus = "PROCESSING"
	RecordingStatusAnalyzed   RecordingStatus = "ANALYZED"
	RecordingStatusError      RecordingStatus = "ERROR"
)

// Recording is the source-of-truth row for a meeting recording.
// Keyed by (UserID, RecordingName); JobID is a secondary lookup key.
type Recording struct {
	UserID        string          `json:"user_id"`
	RecordingName string          `json:"recording_name"`
	MeetingID     string          `json:"meeting_id,omitempty"`
	JobID         string          `json:"job_id,omitempty"`
	Status        RecordingStatus `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
