package pipeline

import (
	"context"
	"fmt"

	"github.com/psantana5/media-pipeline/pkg/logging"
	"github.com/psantana5/media-pipeline/pkg/models"
)

// RecoveryReport summarises one Recover pass
type RecoveryReport struct {
	Resumed     int
	TimedOut    int
	Skipped     int
	Redelivered int
}

// Recover resumes every persisted RUNNING execution this engine does not
// own. Executions already past the pipeline timeout are finished TIMED_OUT
// instead. Fan-out stages restart from their first item. Terminal events
// that were never delivered are then sent again.
func (e *Engine) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	execs, err := e.store.ListExecutions(ctx, models.ExecutionRunning)
	if err != nil {
		return report, fmt.Errorf("list running executions: %w", err)
	}

	now := e.opts.Now()
	for _, exec := range execs {
		if e.isRunning(exec.ID) {
			report.Skipped++
			continue
		}

		if elapsed := now.Sub(exec.StartedAt); elapsed > e.opts.Timeout {
			e.logger.Warn("Recovery: execution exceeded timeout while orphaned", logging.Fields{
				"execution_id": exec.ID,
				"job_id":       exec.JobID,
				"elapsed":      elapsed.String(),
			})
			e.finish(exec, models.ExecutionTimedOut, &StageError{
				Stage: exec.CurrentStage,
				Error: ErrorTimeout,
				Cause: fmt.Sprintf("execution exceeded %s", e.opts.Timeout),
			}, nil)
			report.TimedOut++
			continue
		}

		// The execution goroutine owns exec once launched
		e.logger.Info("Recovery: resuming execution", logging.Fields{
			"execution_id": exec.ID,
			"job_id":       exec.JobID,
			"next_stage":   exec.NextStage,
		})
		if err := e.launch(exec); err != nil {
			return report, fmt.Errorf("resume %s: %w", exec.ID, err)
		}
		report.Resumed++
	}

	redelivered, err := e.Redeliver(ctx)
	report.Redelivered = redelivered
	if err != nil {
		return report, err
	}

	if report.Resumed > 0 || report.TimedOut > 0 || report.Redelivered > 0 {
		e.logger.Info("Recovery complete", logging.Fields{
			"resumed":     report.Resumed,
			"timed_out":   report.TimedOut,
			"redelivered": report.Redelivered,
		})
	}
	return report, nil
}

// Redeliver publishes the terminal event again for every stopped execution
// the notifier never accepted, and returns how many were delivered this time.
// Executions still finishing in this engine are left to their own goroutine.
func (e *Engine) Redeliver(ctx context.Context) (int, error) {
	if e.opts.Notifier == nil {
		return 0, nil
	}

	execs, err := e.store.ListUnnotifiedExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list undelivered executions: %w", err)
	}

	delivered := 0
	for _, exec := range execs {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if e.isRunning(exec.ID) {
			continue
		}
		at := e.opts.Now()
		if exec.StoppedAt != nil {
			at = *exec.StoppedAt
		}
		nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		ok := e.notify(nctx, exec, models.NewTerminalEvent(exec, at))
		cancel()
		if ok {
			e.logger.Info("Redelivered terminal event", logging.Fields{
				"execution_id": exec.ID,
				"job_id":       exec.JobID,
				"status":       string(exec.Status),
			})
			delivered++
		}
	}
	return delivered, nil
}
