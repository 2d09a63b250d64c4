// Package besteffort runs side effects whose failure must never reach the caller.
package besteffort

import (
	"fmt"

	"github.com/psantana5/media-pipeline/pkg/logging"
)

// Runner logs and swallows failures of non-critical operations
type Runner struct {
	Logger *logging.Logger

	// OnFailure is called with the operation name after a swallowed failure
	OnFailure func(op string)
}

// Do runs fn. Errors and panics are logged at WARN and dropped.
func (r Runner) Do(op string, fields logging.Fields, fn func() error) {
	err := call(fn)
	if err == nil {
		return
	}

	logger := r.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	f := make(logging.Fields, len(fields)+2)
	for k, v := range fields {
		f[k] = v
	}
	f["operation"] = op
	f["error"] = err.Error()
	logger.Warn("Best-effort operation failed", f)

	if r.OnFailure != nil {
		r.OnFailure(op)
	}
}

func call(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
