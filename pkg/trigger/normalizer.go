package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/media-pipeline/internal/besteffort"
	"github.com/psantana5/media-pipeline/pkg/logging"
	"github.com/psantana5/media-pipeline/pkg/models"
	"github.com/psantana5/media-pipeline/pkg/store"
)

// Store is the persistence the normalizer touches
type Store interface {
	CreateJob(ctx context.Context, job *models.Job) error
	UpdateJob(ctx context.Context, id string, update models.JobUpdate) (*models.Job, error)
	GetUploadMetadata(ctx context.Context, key string) (*models.UploadMetadata, error)
	DeleteUploadMetadata(ctx context.Context, key string) error
	GetRecording(ctx context.Context, userID, name string) (*models.Recording, error)
	PutRecording(ctx context.Context, rec *models.Recording) error
}

// Starter starts one orchestration per job
type Starter interface {
	StartExecution(ctx context.Context, req models.JobStartRequest) (*models.Execution, error)
}

// Recorder receives trigger metrics
type Recorder interface {
	IncTriggerObject(outcome string)
	IncBestEffortFailure(op string)
}

// ResponseStatus classifies a whole invocation
type ResponseStatus string

const (
	StatusStarted    ResponseStatus = "started"
	StatusAllSkipped ResponseStatus = "all_skipped"
	StatusNoRecords  ResponseStatus = "no_records"
)

// Per-object outcomes
const (
	OutcomeStarted = "started"
	OutcomeSkipped = "skipped"
)

// Result is the outcome for one object
type Result struct {
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	Outcome     string `json:"outcome"`
	Reason      string `json:"reason,omitempty"`
	JobID       string `json:"job_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	Segment     string `json:"segment,omitempty"`
	FileName    string `json:"file_name,omitempty"`
}

// Response is the aggregate outcome of one notification
type Response struct {
	Status  ResponseStatus `json:"status"`
	Message string         `json:"message"`
	Results []Result       `json:"results,omitempty"`
}

// Normalizer converts storage notifications into started jobs
type Normalizer struct {
	store    Store
	starter  Starter
	logger   *logging.Logger
	recorder Recorder
	side     besteffort.Runner
	now      func() time.Time
}

type nopRecorder struct{}

func (nopRecorder) IncTriggerObject(string)     {}
func (nopRecorder) IncBestEffortFailure(string) {}

// NewNormalizer creates a normalizer. recorder may be nil.
func NewNormalizer(st Store, starter Starter, logger *logging.Logger, recorder Recorder) *Normalizer {
	if logger == nil {
		logger = logging.Nop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	logger = logger.WithField("component", "trigger")
	return &Normalizer{
		store:    st,
		starter:  starter,
		logger:   logger,
		recorder: recorder,
		side:     besteffort.Runner{Logger: logger, OnFailure: recorder.IncBestEffortFailure},
		now:      time.Now,
	}
}

// Handle processes one raw notification. An unrecognized shape or a failure
// to create a job or start its execution fails the whole invocation; the
// sender is expected to redeliver the batch.
func (n *Normalizer) Handle(ctx context.Context, raw []byte) (*Response, error) {
	objects, err := ParseEvent(raw)
	if err != nil {
		return nil, err
	}
	return n.HandleObjects(ctx, objects)
}

// HandleObjects starts a job for every video object
func (n *Normalizer) HandleObjects(ctx context.Context, objects []Object) (*Response, error) {
	if len(objects) == 0 {
		n.logger.Info("No records in event")
		return &Response{Status: StatusNoRecords, Message: "No records to process"}, nil
	}

	results := make([]Result, 0, len(objects))
	started := 0
	for _, obj := range objects {
		if !IsVideo(obj.Key) {
			n.logger.Info("Skipping non-video object", logging.Fields{"bucket": obj.Bucket, "key": obj.Key})
			n.recorder.IncTriggerObject(OutcomeSkipped)
			results = append(results, Result{Bucket: obj.Bucket, Key: obj.Key, Outcome: OutcomeSkipped, Reason: "not a video file"})
			continue
		}

		res, err := n.start(ctx, obj)
		if err != nil {
			n.recorder.IncTriggerObject("error")
			return nil, err
		}
		n.recorder.IncTriggerObject(OutcomeStarted)
		results = append(results, res)
		started++
	}

	if started == 0 {
		return &Response{Status: StatusAllSkipped, Message: "All files skipped (not video)", Results: results}, nil
	}
	return &Response{
		Status:  StatusStarted,
		Message: fmt.Sprintf("Processing started for %d of %d files", started, len(objects)),
		Results: results,
	}, nil
}

func (n *Normalizer) start(ctx context.Context, obj Object) (Result, error) {
	now := n.now()
	info := ParseKey(obj.Key, now)
	fields := logging.Fields{"bucket": obj.Bucket, "key": obj.Key}

	fileName := info.FileName
	if meta := n.consumeUploadMetadata(ctx, obj.Key, fields); meta != nil {
		if meta.OriginalFilename != "" {
			fileName = meta.OriginalFilename
		}
		if info.Layout == LayoutUnknown {
			if meta.UserID != "" {
				info.UserID = meta.UserID
			}
			if meta.Segment != "" {
				info.Segment = meta.Segment
			}
		}
	}

	req := models.JobStartRequest{
		JobID:      uuid.NewString(),
		Bucket:     obj.Bucket,
		VideoKey:   obj.Key,
		UserID:     info.UserID,
		Segment:    info.Segment,
		FileName:   fileName,
		FileSize:   obj.Size,
		UploadDate: info.UploadDate,
		CreatedAt:  now.UTC().Format(time.RFC3339),
		MeetingID:  info.MeetingID,
	}
	fields["job_id"] = req.JobID

	if err := n.store.CreateJob(ctx, req.NewJob(now)); err != nil {
		return Result{}, fmt.Errorf("failed to create job for %s: %w", obj.Key, err)
	}

	if info.Layout == LayoutRecording {
		n.markRecordingProcessing(ctx, info, req.JobID, now, fields)
	}

	exec, err := n.starter.StartExecution(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to start execution for job %s: %w", req.JobID, err)
	}

	n.side.Do("set_execution_reference", fields, func() error {
		_, err := n.store.UpdateJob(ctx, req.JobID, models.JobUpdate{ExecutionReference: models.StringPtr(exec.ID)})
		return err
	})

	n.logger.Info("Job started", logging.Fields{
		"job_id":       req.JobID,
		"execution_id": exec.ID,
		"user_id":      req.UserID,
		"segment":      req.Segment,
		"file_name":    req.FileName,
	})

	return Result{
		Bucket:      obj.Bucket,
		Key:         obj.Key,
		Outcome:     OutcomeStarted,
		JobID:       req.JobID,
		ExecutionID: exec.ID,
		UserID:      req.UserID,
		Segment:     req.Segment,
		FileName:    req.FileName,
	}, nil
}

// consumeUploadMetadata looks up and deletes the staged metadata for key.
// Missing metadata is normal; other failures are logged and ignored.
func (n *Normalizer) consumeUploadMetadata(ctx context.Context, key string, fields logging.Fields) *models.UploadMetadata {
	metaKey := models.UploadMetadataKey(key)

	var meta *models.UploadMetadata
	n.side.Do("get_upload_metadata", fields, func() error {
		m, err := n.store.GetUploadMetadata(ctx, metaKey)
		if errors.Is(err, store.ErrUploadNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		meta = m
		return nil
	})
	if meta == nil {
		return nil
	}

	n.side.Do("delete_upload_metadata", fields, func() error {
		return n.store.DeleteUploadMetadata(ctx, metaKey)
	})
	return meta
}

func (n *Normalizer) markRecordingProcessing(ctx context.Context, info KeyInfo, jobID string, now time.Time, fields logging.Fields) {
	n.side.Do("mark_recording_processing", fields, func() error {
		rec, err := n.store.GetRecording(ctx, info.UserID, info.FileName)
		if errors.Is(err, store.ErrRecordingNotFound) {
			rec = &models.Recording{
				UserID:        info.UserID,
				RecordingName: info.FileName,
				CreatedAt:     now,
			}
		} else if err != nil {
			return err
		}
		rec.MeetingID = info.MeetingID
		rec.JobID = jobID
		rec.Status = models.RecordingStatusProcessing
		rec.UpdatedAt = now
		return n.store.PutRecording(ctx, rec)
	})
}
