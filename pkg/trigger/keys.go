package trigger

import (
	"path"
	"strings"
	"time"
)

// Layout identifies which key convention matched
type Layout string

const (
	LayoutUpload    Layout = "upload"
	LayoutRecording Layout = "recording"
	LayoutUnknown   Layout = "unknown"
)

const (
	unknownValue     = "unknown"
	recordingSegment = "MEETING"
	dateLayout       = "2006-01-02"
)

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".webm": true,
	".mkv":  true,
}

// KeyInfo is what the object key says about the upload
type KeyInfo struct {
	Layout     Layout
	UserID     string
	UploadDate string
	Segment    string
	FileName   string
	MeetingID  string
}

// IsVideo reports whether key ends in a recognized video extension
func IsVideo(key string) bool {
	return videoExtensions[strings.ToLower(path.Ext(key))]
}

// ParseKey reads the key conventions
//
//	uploads/{user_id}/{date}/{segment}/{file_name...}
//	recordings/{user_id}/{meeting_id}/{file_name...}
//
// Any other key yields unknown user and segment, today's date and the last
// path segment as file name.
func ParseKey(key string, now time.Time) KeyInfo {
	parts := strings.Split(key, "/")
	today := now.UTC().Format(dateLayout)

	switch {
	case len(parts) >= 5 && parts[0] == "uploads":
		return KeyInfo{
			Layout:     LayoutUpload,
			UserID:     parts[1],
			UploadDate: parts[2],
			Segment:    parts[3],
			FileName:   strings.Join(parts[4:], "/"),
		}
	case len(parts) >= 4 && parts[0] == "recordings":
		return KeyInfo{
			Layout:     LayoutRecording,
			UserID:     parts[1],
			UploadDate: today,
			Segment:    recordingSegment,
			FileName:   strings.Join(parts[3:], "/"),
			MeetingID:  parts[2],
		}
	}

	return KeyInfo{
		Layout:     LayoutUnknown,
		UserID:     unknownValue,
		UploadDate: today,
		Segment:    unknownValue,
		FileName:   parts[len(parts)-1],
	}
}
