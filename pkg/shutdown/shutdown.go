// Package shutdown coordinates graceful daemon termination.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/media-pipeline/pkg/logging"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// Manager handles graceful shutdown
type Manager struct {
	hooks   []hook
	mu      sync.Mutex
	timeout time.Duration
	logger  *logging.Logger
	done    chan struct{}
	once    sync.Once
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		timeout: timeout,
		logger:  logger.WithField("component", "shutdown"),
		done:    make(chan struct{}),
	}
}

// Register adds a named shutdown function.
// Functions are called in reverse order (LIFO).
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until SIGINT/SIGTERM or ctx is done, then runs Shutdown
func (m *Manager) Wait(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT, os.Interrupt)
	defer stop()

	<-sigCtx.Done()
	m.logger.Info("Initiating graceful shutdown", logging.Fields{"cause": context.Cause(sigCtx).Error()})
	return m.Shutdown()
}

// Shutdown executes all registered shutdown functions once, sharing one
// timeout. Every hook runs even if an earlier one fails.
func (m *Manager) Shutdown() error {
	var err error
	m.once.Do(func() {
		close(m.done)

		m.mu.Lock()
		defer m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()

		var errs []error
		for i := len(m.hooks) - 1; i >= 0; i-- {
			h := m.hooks[i]
			start := time.Now()
			if hookErr := h.fn(ctx); hookErr != nil {
				m.logger.Error("Shutdown step failed", logging.Fields{"step": h.name, "error": hookErr.Error()})
				errs = append(errs, fmt.Errorf("%s: %w", h.name, hookErr))
				continue
			}
			m.logger.Debug("Shutdown step complete", logging.Fields{"step": h.name, "duration_ms": time.Since(start).Milliseconds()})
		}
		err = errors.Join(errs...)

		m.logger.Info("Graceful shutdown complete")
	})
	return err
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return server.Shutdown
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error {
		return closer.Close()
	}
}

// WaitFor polls done until it reports true or ctx expires
func WaitFor(done func() bool, pollInterval time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			if done() {
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("gave up waiting: %w", ctx.Err())
			case <-ticker.C:
			}
		}
	}
}
