package models

import "time"

// UploadMetadataTTL is how long a staged upload's metadata survives if no job consumes it
const UploadMetadataTTL = 24 * time.Hour

// uploadKeyPrefix namespaces upload metadata inside the job-record keyspace
const uploadKeyPrefix = "upload_"

// UploadMetadata remembers the human-chosen filename for a staged blob.
// The storage key uses a generated identifier, so this is the only place the
// original name survives until the job starts.
type UploadMetadata struct {
	Key              string    `json:"key"`
	StorageKey       string    `json:"storage_key"`
	OriginalFilename string    `json:"original_filename"`
	UserID           string    `json:"user_id"`
	Segment          string    `json:"segment"`
	CreatedAt        time.Time `json:"created_at"`
	TTL              int64     `json:"ttl"` // unix seconds
}

// UploadMetadataKey returns the record key for a storage key
func UploadMetadataKey(storageKey string) string {
	return uploadKeyPrefix + storageKey
}

// NewUploadMetadata builds a metadata record expiring ttl after now
func NewUploadMetadata(storageKey, filename, userID, segment string, now time.Time, ttl time.Duration) *UploadMetadata {
	if ttl <= 0 {
		ttl = UploadMetadataTTL
	}
	return &UploadMetadata{
		Key:              UploadMetadataKey(storageKey),
		StorageKey:       storageKey,
		OriginalFilename: filename,
		UserID:           userID,
		Segment:          segment,
		CreatedAt:        now,
		TTL:              now.Add(ttl).Unix(),
	}
}

// Expired reports whether the record is past its TTL
func (m *UploadMetadata) Expired(now time.Time) bool {
	return m.TTL > 0 && now.Unix() >= m.TTL
}
