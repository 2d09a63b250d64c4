package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/media-pipeline/internal/report"
	"github.com/psantana5/media-pipeline/pkg/logging"
	"github.com/psantana5/media-pipeline/pkg/models"
	"github.com/psantana5/media-pipeline/pkg/pipeline"
	"github.com/psantana5/media-pipeline/pkg/reconcile"
	"github.com/psantana5/media-pipeline/pkg/store"
	"github.com/psantana5/media-pipeline/pkg/tracing"
	"github.com/psantana5/media-pipeline/pkg/trigger"
)

// maxBodySize caps event and upload request bodies
const maxBodySize = 1 << 20

// StorageEvents handles raw object-created notifications
type StorageEvents interface {
	Handle(ctx context.Context, raw []byte) (*trigger.Response, error)
}

// TerminalEvents handles raw execution status-change notifications
type TerminalEvents interface {
	Handle(ctx context.Context, raw []byte) (*reconcile.Result, error)
}

// Aborter stops running executions
type Aborter interface {
	Abort(ctx context.Context, id string) error
}

// Handler serves the pipeline HTTP API
type Handler struct {
	store      store.Store
	storage    StorageEvents
	terminal   TerminalEvents
	executions Aborter
	exporter   *report.Exporter
	logger     *logging.Logger
	uploadTTL  time.Duration
	now        func() time.Time
}

// NewHandler creates the API handler. uploadTTL <= 0 uses the 24h default.
func NewHandler(st store.Store, storage StorageEvents, terminal TerminalEvents, executions Aborter, logger *logging.Logger, uploadTTL time.Duration) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithField("component", "api")
	return &Handler{
		store:      st,
		storage:    storage,
		terminal:   terminal,
		executions: executions,
		exporter:   report.NewExporter(st, logger),
		logger:     logger,
		uploadTTL:  uploadTTL,
		now:        time.Now,
	}
}

// RegisterRoutes registers all API routes without middleware
func (h *Handler) RegisterRoutes(r *mux.Router) {
	h.RegisterEventRoutes(r)
	h.RegisterResourceRoutes(r)
}

// RegisterResourceRoutes registers job, execution and health routes
func (h *Handler) RegisterResourceRoutes(r *mux.Router) {
	// Job routes (register specific routes before parameterized routes)
	r.HandleFunc("/jobs/export", h.ExportJobs).Methods("GET")
	r.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")

	// Execution routes
	r.HandleFunc("/executions", h.ListExecutions).Methods("GET")
	r.HandleFunc("/executions/{id}", h.GetExecution).Methods("GET")
	r.HandleFunc("/executions/{id}/history", h.GetExecutionHistory).Methods("GET")
	r.HandleFunc("/executions/{id}/abort", h.AbortExecution).Methods("POST")

	r.HandleFunc("/health", h.Health).Methods("GET")
}

// RegisterEventRoutes registers the ingestion routes, which callers may rate limit separately
func (h *Handler) RegisterEventRoutes(r *mux.Router) {
	r.HandleFunc("/events/storage", h.StorageEvent).Methods("POST")
	r.HandleFunc("/events/execution", h.ExecutionEvent).Methods("POST")
	r.HandleFunc("/uploads", h.RegisterUpload).Methods("POST")
}

// StorageEvent starts jobs for a storage notification. Failures return 5xx so
// the sender redelivers the whole batch.
func (h *Handler) StorageEvent(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}

	resp, err := h.storage.Handle(r.Context(), raw)
	if errors.Is(err, trigger.ErrUnrecognizedEvent) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.Error("Storage event failed", logging.Fields{"error": err.Error()})
		http.Error(w, fmt.Sprintf("Failed to process event: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// ExecutionEvent reconciles a terminal execution notification
func (h *Handler) ExecutionEvent(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}

	res, err := h.terminal.Handle(r.Context(), raw)
	if errors.Is(err, reconcile.ErrMalformedEvent) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.Error("Terminal event failed", logging.Fields{"error": err.Error()})
		http.Error(w, fmt.Sprintf("Failed to reconcile event: %v", err), http.StatusInternalServerError)
		return
	}

	if res.JobID != "" {
		tracing.SpanFromContext(r.Context()).SetAttributes(tracing.AttrJobID.String(res.JobID))
	}
	writeJSON(w, http.StatusOK, res)
}

// UploadRequest stages the original filename for a blob about to be uploaded
type UploadRequest struct {
	StorageKey       string `json:"storage_key"`
	OriginalFilename string `json:"original_filename"`
	UserID           string `json:"user_id"`
	Segment          string `json:"segment"`
}

// RegisterUpload records upload metadata consumed when the job starts
func (h *Handler) RegisterUpload(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r)
	if !ok {
		return
	}

	var req UploadRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.StorageKey = strings.TrimSpace(req.StorageKey)
	if req.StorageKey == "" || strings.TrimSpace(req.OriginalFilename) == "" {
		http.Error(w, "storage_key and original_filename are required", http.StatusBadRequest)
		return
	}

	meta := models.NewUploadMetadata(req.StorageKey, req.OriginalFilename, req.UserID, req.Segment, h.now(), h.uploadTTL)
	if err := h.store.PutUploadMetadata(r.Context(), meta); err != nil {
		h.logger.Error("Failed to store upload metadata", logging.Fields{"key": req.StorageKey, "error": err.Error()})
		http.Error(w, "Failed to store upload metadata", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, meta)
}

// ListJobs lists jobs, filtered by ?status=, ?user_id= and ?limit=
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter, ok := jobFilter(w, r)
	if !ok {
		return
	}

	jobs, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to list jobs: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJob returns one job record
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	job, err := h.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrJobNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve job: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"job": job})
}

// ExportJobs returns the matching jobs as an XLSX workbook
func (h *Handler) ExportJobs(w http.ResponseWriter, r *http.Request) {
	filter, ok := jobFilter(w, r)
	if !ok {
		return
	}

	data, err := h.exporter.ExportJobsXLSX(r.Context(), filter)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to export jobs: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="jobs-%s.xlsx"`, h.now().UTC().Format("20060102-150405")))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ListExecutions lists executions, optionally by ?status=
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	status := models.ExecutionStatus(strings.ToUpper(r.URL.Query().Get("status")))

	execs, err := h.store.ListExecutions(r.Context(), status)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to list executions: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": execs,
		"count":      len(execs),
	})
}

// GetExecution returns one execution
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.store.GetExecution(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrExecutionNotFound) {
		http.Error(w, "Execution not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve execution: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"execution": exec})
}

// GetExecutionHistory returns history events, ?reverse=true for newest first
func (h *Handler) GetExecutionHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q := r.URL.Query()

	reverse, _ := strconv.ParseBool(q.Get("reverse"))
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := h.store.GetHistory(r.Context(), id, reverse, limit)
	if errors.Is(err, store.ErrExecutionNotFound) {
		http.Error(w, "Execution not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve history: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"execution_id": id,
		"events":       events,
	})
}

// AbortExecution stops a running execution; it ends ABORTED
func (h *Handler) AbortExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := h.executions.Abort(r.Context(), id)
	switch {
	case errors.Is(err, pipeline.ErrExecutionNotFound):
		http.Error(w, "Execution not found", http.StatusNotFound)
		return
	case errors.Is(err, pipeline.ErrExecutionNotRunning):
		http.Error(w, "Execution is not running", http.StatusConflict)
		return
	case err != nil:
		http.Error(w, fmt.Sprintf("Failed to abort execution: %v", err), http.StatusInternalServerError)
		return
	}

	h.logger.Info("Execution aborted", logging.Fields{"execution_id": id})
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       string(models.ExecutionAborted),
		"execution_id": id,
	})
}

// Health reports store reachability
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.store.HealthCheck(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func jobFilter(w http.ResponseWriter, r *http.Request) (store.JobFilter, bool) {
	q := r.URL.Query()
	filter := store.JobFilter{
		Status: models.JobStatus(strings.ToLower(q.Get("status"))),
		UserID: q.Get("user_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return filter, false
		}
		filter.Limit = n
	}
	return filter, true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return nil, false
	}
	return raw, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
