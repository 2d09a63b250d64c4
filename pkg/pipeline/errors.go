package pipeline

import (
	"errors"
	"fmt"

	"github.com/psantana5/media-pipeline/pkg/retry"
	"github.com/psantana5/media-pipeline/pkg/store"
)

var (
	ErrExecutionNotFound   = store.ErrExecutionNotFound
	ErrExecutionNotRunning = errors.New("execution is not running")
	ErrInvalidInput        = errors.New("invalid execution input")
	ErrEngineClosed        = errors.New("engine is shut down")

	// Cancellation causes of an execution's context
	ErrExecutionAborted  = errors.New("execution aborted")
	ErrExecutionTimedOut = errors.New("execution timed out")
	errEngineShutdown    = errors.New("engine shutting down")
)

// Error names recorded in history when a worker error carries none
const (
	ErrorTaskFailed = "States.TaskFailed"
	ErrorTimeout    = "States.Timeout"
	ErrorAborted    = "States.Aborted"
	ErrorRuntime    = "States.Runtime"
)

// StageError is the error/cause pair attached to a failed execution
type StageError struct {
	Stage string
	Error string
	Cause string
}

func (e *StageError) String() string {
	return fmt.Sprintf("%s failed with %s: %s", e.Stage, e.Error, e.Cause)
}

// describeError splits err into an error name and a cause message.
// Retry exhaustion is reported by the last attempt's error.
func describeError(err error) (name, cause string) {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		err = exhausted.Err
	}
	var named NamedError
	if errors.As(err, &named) {
		return named.ErrorName(), named.Error()
	}
	return ErrorTaskFailed, err.Error()
}
