// Package pipeline sequences the meeting-analysis stages, fanning out over
// audio chunks and speaker segments, and persists each execution so it can
// resume after a restart.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/psantana5/media-pipeline/internal/besteffort"
	"github.com/psantana5/media-pipeline/pkg/logging"
	"github.com/psantana5/media-pipeline/pkg/models"
	"github.com/psantana5/media-pipeline/pkg/store"
	"github.com/psantana5/media-pipeline/pkg/tracing"
)

// Store is the persistence the engine needs
type Store interface {
	store.ExecutionStore
	UpdateJob(ctx context.Context, id string, update models.JobUpdate) (*models.Job, error)
}

// Engine runs executions. Each execution runs in its own goroutine and is
// persisted at every backbone stage boundary.
type Engine struct {
	store  Store
	worker StageWorker
	opts   Options
	stages []Stage
	shared *semaphore.Weighted
	logger *logging.Logger
	side   besteffort.Runner

	mu      sync.Mutex
	running map[string]*runHandle
	closed  bool
	wg      sync.WaitGroup
}

type runHandle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// New creates an engine
func New(st Store, w StageWorker, opts Options) *Engine {
	opts.setDefaults()
	e := &Engine{
		store:   st,
		worker:  w,
		opts:    opts,
		stages:  buildStages(opts),
		logger:  opts.Logger.WithField("component", "pipeline"),
		running: make(map[string]*runHandle),
	}
	if opts.SharedLimit > 0 {
		e.shared = semaphore.NewWeighted(int64(opts.SharedLimit))
	}
	e.side = besteffort.Runner{Logger: e.logger, OnFailure: opts.Recorder.IncBestEffortFailure}
	return e
}

// Stages returns the backbone in execution order
func (e *Engine) Stages() []Stage {
	out := make([]Stage, len(e.stages))
	copy(out, e.stages)
	return out
}

// StartExecution validates req, persists a RUNNING execution and starts it
func (e *Engine) StartExecution(ctx context.Context, req models.JobStartRequest) (*models.Execution, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode start input: %w", err)
	}
	if err := ValidateStartInput(input); err != nil {
		return nil, err
	}

	pc, err := req.Payload()
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	pc["chunk_config"] = map[string]any{
		"chunk_duration":       e.opts.Chunking.ChunkDuration,
		"overlap_duration":     e.opts.Chunking.OverlapDuration,
		"min_chunk_duration":   e.opts.Chunking.MinChunkDuration,
		"similarity_threshold": e.opts.Chunking.SimilarityThreshold,
	}
	if e.opts.OutputBucket != "" {
		pc["output_bucket"] = e.opts.OutputBucket
	}
	raw, err := encodePayload(pc)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}

	exec := &models.Execution{
		ID:           uuid.NewString(),
		StateMachine: e.opts.StateMachine,
		JobID:        req.JobID,
		Status:       models.ExecutionRunning,
		Input:        string(input),
		Context:      raw,
		StartedAt:    e.opts.Now(),
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrEngineClosed
	}

	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	e.appendHistory(exec, models.HistoryEvent{Type: models.EventExecutionStarted})

	e.logger.Info("Execution started", logging.Fields{
		"execution_id": exec.ID,
		"job_id":       exec.JobID,
	})

	snapshot := *exec
	if err := e.launch(exec); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// Resume restarts a persisted RUNNING execution from its next stage
func (e *Engine) Resume(ctx context.Context, id string) error {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status != models.ExecutionRunning {
		return fmt.Errorf("%w: %s is %s", ErrExecutionNotRunning, id, exec.Status)
	}
	if e.isRunning(id) {
		return nil
	}
	e.logger.Info("Resuming execution", logging.Fields{
		"execution_id": exec.ID,
		"job_id":       exec.JobID,
		"next_stage":   exec.NextStage,
	})
	return e.launch(exec)
}

// Abort cancels an execution. Running executions end ABORTED once their
// current worker calls return; persisted RUNNING executions that no
// goroutine owns are finished directly.
func (e *Engine) Abort(ctx context.Context, id string) error {
	e.mu.Lock()
	h, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		h.cancel(ErrExecutionAborted)
		select {
		case <-h.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status != models.ExecutionRunning {
		return fmt.Errorf("%w: %s is %s", ErrExecutionNotRunning, id, exec.Status)
	}
	e.finish(exec, models.ExecutionAborted, &StageError{Stage: exec.CurrentStage, Error: ErrorAborted, Cause: "execution aborted by operator"}, nil)
	return nil
}

// Wait blocks until the execution stops running in this engine and returns
// its stored state
func (e *Engine) Wait(ctx context.Context, id string) (*models.Execution, error) {
	e.mu.Lock()
	h, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		select {
		case <-h.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.store.GetExecution(ctx, id)
}

// Shutdown stops every running execution without finishing it. They stay
// RUNNING in the store and resume from their last stage boundary on the
// next Recover.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, h := range e.running {
		h.cancel(errEngineShutdown)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns the number of executions owned by this engine
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

func (e *Engine) isRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[id]
	return ok
}

func (e *Engine) launch(exec *models.Execution) error {
	base, cancel := context.WithCancelCause(context.Background())
	deadline := exec.StartedAt.Add(e.opts.Timeout)
	ctx, stopTimer := context.WithDeadlineCause(base, deadline, ErrExecutionTimedOut)

	h := &runHandle{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		stopTimer()
		cancel(nil)
		return ErrEngineClosed
	}
	if _, ok := e.running[exec.ID]; ok {
		e.mu.Unlock()
		stopTimer()
		cancel(nil)
		return nil
	}
	e.running[exec.ID] = h
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer close(h.done)
		defer func() {
			e.mu.Lock()
			delete(e.running, exec.ID)
			e.mu.Unlock()
		}()
		defer cancel(nil)
		defer stopTimer()

		e.execute(ctx, exec)
	}()
	return nil
}

// execute walks the backbone from exec.NextStage
func (e *Engine) execute(ctx context.Context, exec *models.Execution) {
	log := e.logger.WithFields(logging.Fields{"execution_id": exec.ID, "job_id": exec.JobID})

	pc, err := decodePayload(exec.Context)
	if err != nil {
		e.finish(exec, models.ExecutionFailed, &StageError{
			Stage: exec.CurrentStage,
			Error: ErrorRuntime,
			Cause: fmt.Sprintf("stored context is not valid JSON: %v", err),
		}, nil)
		return
	}

	ctx, span := e.opts.Tracer.StartSpan(ctx, "execution "+exec.StateMachine,
		tracing.AttrExecutionID.String(exec.ID),
		tracing.AttrJobID.String(exec.JobID),
	)
	var spanErr error
	defer func() { tracing.EndSpan(span, spanErr) }()

	var last Payload
	for i := exec.NextStage; i < len(e.stages); i++ {
		st := e.stages[i]
		e.reportProgress(exec.JobID, st)
		e.appendHistory(exec, models.HistoryEvent{Type: models.EventTaskStateEntered, Stage: st.Name})

		out, err := e.runStage(ctx, exec, st, pc)
		if err != nil {
			spanErr = err
			e.stop(ctx, exec, st, err)
			return
		}
		mergePayload(pc, out)
		last = out

		raw, err := encodePayload(pc)
		if err != nil {
			spanErr = err
			e.finish(exec, models.ExecutionFailed, &StageError{
				Stage: st.Name,
				Error: ErrorRuntime,
				Cause: fmt.Sprintf("stage output is not serializable: %v", err),
			}, nil)
			return
		}
		exec.Context = raw
		exec.CurrentStage = st.Name
		exec.NextStage = i + 1
		if err := e.store.SaveExecution(context.WithoutCancel(ctx), exec); err != nil {
			// The stage reruns after a restart
			log.Warn("Failed to persist stage boundary", logging.Fields{"stage": st.Name, "error": err})
		}
		log.Debug("Stage completed", logging.Fields{"stage": st.Name})
	}

	output, err := json.Marshal(finalOutput(last, pc))
	if err != nil {
		output = []byte("{}")
	}
	e.finish(exec, models.ExecutionSucceeded, nil, output)
}

// stop ends an execution whose stage returned err, classified by why the
// run context ended (if it did)
func (e *Engine) stop(ctx context.Context, exec *models.Execution, st Stage, err error) {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errEngineShutdown):
		e.logger.Info("Execution suspended for shutdown", logging.Fields{
			"execution_id": exec.ID,
			"stage":        st.Name,
		})
	case errors.Is(cause, ErrExecutionTimedOut):
		e.finish(exec, models.ExecutionTimedOut, &StageError{
			Stage: st.Name,
			Error: ErrorTimeout,
			Cause: fmt.Sprintf("execution exceeded %s", e.opts.Timeout),
		}, nil)
	case errors.Is(cause, ErrExecutionAborted):
		e.finish(exec, models.ExecutionAborted, &StageError{
			Stage: st.Name,
			Error: ErrorAborted,
			Cause: "execution aborted by operator",
		}, nil)
	default:
		name, msg := describeError(err)
		e.finish(exec, models.ExecutionFailed, &StageError{Stage: st.Name, Error: name, Cause: msg}, nil)
	}
}

// finalOutput is the last stage's payload. The aggregate transcript
// reference is carried over when the analysis did not echo one.
func finalOutput(last, pc Payload) Payload {
	out := Payload{}
	if last == nil {
		// Resumed after the last boundary was persisted
		for _, k := range []string{"analysis_key", "transcript_key", "total_score", "status"} {
			if v, ok := pc[k]; ok {
				out[k] = v
			}
		}
		return out
	}
	mergePayload(out, last)
	if _, ok := out["transcript_key"]; !ok {
		if tk, ok := pc["transcript_key"]; ok {
			out["transcript_key"] = tk
		}
	}
	return out
}

// finish records the terminal state and publishes the terminal event
func (e *Engine) finish(exec *models.Execution, status models.ExecutionStatus, failure *StageError, output []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	now := e.opts.Now()
	exec.Status = status
	exec.StoppedAt = &now
	exec.Output = string(output)
	ev := models.HistoryEvent{Type: terminalEventType(status)}
	if failure != nil {
		exec.Error = failure.Error
		exec.Cause = failure.Cause
		ev.Stage = failure.Stage
		ev.Error = failure.Error
		ev.Cause = failure.Cause
	}

	fields := logging.Fields{"execution_id": exec.ID, "job_id": exec.JobID, "status": string(status)}
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		e.logger.Error("Failed to persist terminal state", logging.Fields{"execution_id": exec.ID, "error": err})
	}
	e.appendHistory(exec, ev)
	e.opts.Recorder.IncExecution(string(status))

	if failure != nil {
		fields["stage"] = failure.Stage
		fields["error"] = failure.Error
		fields["cause"] = failure.Cause
		e.logger.Warn("Execution finished", fields)
	} else {
		e.logger.Info("Execution finished", fields)
	}

	e.notify(ctx, exec, models.NewTerminalEvent(exec, now))
}

func terminalEventType(s models.ExecutionStatus) models.HistoryEventType {
	switch s {
	case models.ExecutionSucceeded:
		return models.EventExecutionSucceeded
	case models.ExecutionTimedOut:
		return models.EventExecutionTimedOut
	case models.ExecutionAborted:
		return models.EventExecutionAborted
	default:
		return models.EventExecutionFailed
	}
}
