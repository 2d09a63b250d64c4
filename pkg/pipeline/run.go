package pipeline

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/psantana5/media-pipeline/pkg/fanout"
	"github.com/psantana5/media-pipeline/pkg/logging"
	"github.com/psantana5/media-pipeline/pkg/models"
	"github.com/psantana5/media-pipeline/pkg/retry"
	"github.com/psantana5/media-pipeline/pkg/tracing"
)

const notifyTimeout = time.Minute

// runStage executes one backbone stage, retries included
func (e *Engine) runStage(ctx context.Context, exec *models.Execution, st Stage, pc Payload) (Payload, error) {
	ctx, span := e.opts.Tracer.StartSpan(ctx, "stage "+st.Name, tracing.AttrStage.String(st.Name))
	start := time.Now()

	var out Payload
	var err error
	if st.Map != nil {
		out, err = e.runMap(ctx, exec, st, pc)
	} else {
		out, err = e.runTask(ctx, exec, st, pc)
	}

	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
		if context.Cause(ctx) == nil {
			name, cause := describeError(err)
			e.appendHistory(exec, models.HistoryEvent{
				Type:  models.EventTaskFailed,
				Stage: st.Name,
				Error: name,
				Cause: cause,
			})
		} else {
			outcome = "cancelled"
		}
	} else {
		e.appendHistory(exec, models.HistoryEvent{Type: models.EventTaskSucceeded, Stage: st.Name})
	}
	e.opts.Recorder.ObserveStage(st.Name, outcome, time.Since(start))
	tracing.EndSpan(span, err)
	return out, err
}

func (e *Engine) runTask(ctx context.Context, exec *models.Execution, st Stage, pc Payload) (Payload, error) {
	input := maps.Clone(pc)
	cfg := e.retryConfig(exec, st, nil)

	return retry.DoValue(ctx, cfg, func(ctx context.Context, attempt int) (Payload, error) {
		e.appendHistory(exec, models.HistoryEvent{Type: models.EventTaskScheduled, Stage: st.Name, Attempt: attempt})
		out, err := e.invoke(ctx, exec, st, input, nil, attempt)
		if err != nil {
			e.recordAttemptFailure(ctx, exec, st, nil, attempt, err)
			return nil, err
		}
		return out, nil
	})
}

func (e *Engine) runMap(ctx context.Context, exec *models.Execution, st Stage, pc Payload) (Payload, error) {
	spec := st.Map
	items, err := listItems(pc, spec.ItemsKey)
	if err != nil {
		return nil, err
	}
	tracing.AddEvent(ctx, "fanout", tracing.AttrItems.Int(len(items)))

	opts := fanout.Options{
		Limit:    spec.Concurrency,
		Shared:   e.shared,
		InFlight: func(delta int) { e.opts.Recorder.AddInFlight(st.Name, delta) },
	}

	runItem := func(ctx context.Context, index int, item any) (Payload, error) {
		input := make(Payload, len(spec.Carry)+2)
		for _, k := range spec.Carry {
			if v, ok := pc[k]; ok {
				input[k] = v
			}
		}
		input[spec.ItemKey] = item
		input[spec.IndexKey] = index

		idx := index
		cfg := e.retryConfig(exec, st, &idx)
		out, err := retry.DoValue(ctx, cfg, func(ctx context.Context, attempt int) (Payload, error) {
			out, err := e.invoke(ctx, exec, st, input, &idx, attempt)
			if err != nil {
				e.recordAttemptFailure(ctx, exec, st, &idx, attempt, err)
				return nil, err
			}
			return out, nil
		})
		if err != nil && ctx.Err() == nil {
			name, cause := describeError(err)
			e.appendHistory(exec, models.HistoryEvent{
				Type:      models.EventMapIterationFailed,
				Stage:     st.Name,
				ItemIndex: &idx,
				Error:     name,
				Cause:     cause,
			})
		}
		return out, err
	}

	if spec.ResultKey == "" {
		err := fanout.ForEach(ctx, items, opts, func(ctx context.Context, index int, item any) error {
			_, err := runItem(ctx, index, item)
			return err
		})
		return Payload{}, err
	}

	results, err := fanout.Map(ctx, items, opts, runItem)
	if err != nil {
		return nil, err
	}
	ordered := make([]any, len(results))
	for i, r := range results {
		ordered[i] = r
	}
	return Payload{spec.ResultKey: ordered}, nil
}

func (e *Engine) invoke(ctx context.Context, exec *models.Execution, st Stage, input Payload, index *int, attempt int) (Payload, error) {
	ctx, span := e.opts.Tracer.StartSpan(ctx, "invoke "+st.Worker,
		tracing.AttrExecutionID.String(exec.ID),
		tracing.AttrStage.String(st.Name),
		tracing.AttrAttempt.Int(attempt),
	)
	if index != nil {
		span.SetAttributes(tracing.AttrItemIndex.Int(*index))
	}
	out, err := e.worker.Invoke(ctx, st.Worker, input)
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = Payload{}
	}
	return out, nil
}

// retryConfig returns the worker's policy with attempt accounting attached
func (e *Engine) retryConfig(exec *models.Execution, st Stage, index *int) retry.Config {
	cfg := e.opts.Retry(st.Worker)
	cfg.OnRetry = func(attempt int, err error) {
		e.opts.Recorder.IncRetry(st.Name)
		fields := logging.Fields{
			"execution_id": exec.ID,
			"stage":        st.Name,
			"attempt":      attempt,
			"error":        err,
		}
		if index != nil {
			fields["item_index"] = *index
		}
		e.logger.Warn("Stage attempt failed, retrying", fields)
	}
	return cfg
}

// recordAttemptFailure logs a failed worker invocation to history. Attempts
// cut short by cancellation are not failures of the worker.
func (e *Engine) recordAttemptFailure(ctx context.Context, exec *models.Execution, st Stage, index *int, attempt int, err error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}
	name, cause := describeError(err)
	e.appendHistory(exec, models.HistoryEvent{
		Type:      models.EventLambdaFunctionFailed,
		Stage:     st.Name,
		ItemIndex: index,
		Attempt:   attempt,
		Error:     name,
		Cause:     cause,
	})
}

// reportProgress is the best-effort progress ping on stage entry
func (e *Engine) reportProgress(jobID string, st Stage) {
	e.side.Do("report_progress", logging.Fields{"job_id": jobID, "stage": st.Name}, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := e.store.UpdateJob(ctx, jobID, models.JobUpdate{
			CurrentStep: models.StringPtr(st.Step),
			Progress:    models.IntPtr(st.Progress),
		})
		return err
	})
}

func (e *Engine) appendHistory(exec *models.Execution, ev models.HistoryEvent) {
	ev.ExecutionID = exec.ID
	ev.Timestamp = e.opts.Now()
	e.side.Do("append_history", logging.Fields{"execution_id": exec.ID, "type": string(ev.Type)}, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.store.AppendHistory(ctx, &ev)
	})
}

// notify delivers the terminal event, retrying transient failures, and
// records the delivery. It reports whether the notifier accepted the event.
func (e *Engine) notify(ctx context.Context, exec *models.Execution, ev models.TerminalEvent) bool {
	if e.opts.Notifier == nil {
		return false
	}
	fields := logging.Fields{"execution_id": exec.ID}
	err := retry.Do(ctx, e.opts.NotifyRetry, func(ctx context.Context, _ int) error {
		return e.opts.Notifier.Notify(ctx, ev)
	})
	if err != nil {
		// Left unmarked so Redeliver picks it up
		e.logger.Warn("Terminal event not delivered", logging.Fields{"execution_id": exec.ID, "error": err})
		e.opts.Recorder.IncBestEffortFailure("notify_terminal")
		return false
	}
	e.side.Do("mark_notified", fields, func() error {
		return e.store.MarkExecutionNotified(context.WithoutCancel(ctx), exec.ID, e.opts.Now())
	})
	return true
}
