package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxRetries     int           // Retries after the first attempt
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration, zero means unbounded
	Multiplier     float64       // Backoff multiplier (exponential)

	// OnRetry is called after a failed attempt that will be retried.
	// attempt is 1-based.
	OnRetry func(attempt int, err error) `json:"-" yaml:"-"`
}

// DefaultConfig returns sensible defaults for retries
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     5 * time.Minute,
		Multiplier:     2.0,
	}
}

// ExhaustedError is returned once every attempt has failed.
// It unwraps to the last attempt's error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("max retries (%d) exceeded: %v", e.Attempts-1, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do executes fn with exponential backoff retries
func Do(ctx context.Context, config Config, fn func(ctx context.Context, attempt int) error) error {
	_, err := DoValue(ctx, config, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return err
}

// DoValue is Do for functions that produce a result
func DoValue[T any](ctx context.Context, config Config, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error
	backoff := config.InitialBackoff
	attempts := config.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		// Check context cancellation
		if err := context.Cause(ctx); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		result, err := fn(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsPermanent(err) {
			return zero, err
		}
		// Don't sleep after last attempt
		if attempt == attempts {
			break
		}
		if config.OnRetry != nil {
			config.OnRetry(attempt, err)
		}

		if backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("retry cancelled: %w", context.Cause(ctx))
			case <-timer.C:
			}
		}

		// Calculate next backoff
		if config.Multiplier > 0 {
			backoff = time.Duration(float64(backoff) * config.Multiplier)
		}
		if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return zero, &ExhaustedError{Attempts: attempts, Err: lastErr}
}

// IsRetryable checks if a transport error looks transient
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Network errors and temporary failures are retryable
	errStr := strings.ToLower(err.Error())

	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"too many requests",
		"429",
		"503",
		"502",
		"504",
		"eof",
		"broken pipe",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}

	return false
}
