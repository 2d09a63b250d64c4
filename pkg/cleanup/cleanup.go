// Package cleanup runs periodic store maintenance: sweeping upload metadata
// that no job consumed, compacting the database and retrying terminal events
// that were never delivered.
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/media-pipeline/pkg/logging"
)

// Config defines cleanup intervals
type Config struct {
	Enabled        bool
	SweepInterval  time.Duration
	VacuumInterval time.Duration

	// RedeliverInterval is ignored unless a Redeliverer is attached
	RedeliverInterval time.Duration
	// InitialDelay postpones the first sweep after Start
	InitialDelay time.Duration
}

// DefaultConfig returns sensible defaults for cleanup
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		SweepInterval:     time.Hour,
		VacuumInterval:    24 * time.Hour,
		RedeliverInterval: 5 * time.Minute,
		InitialDelay:      time.Minute,
	}
}

// Store is the maintenance surface of the job record store
type Store interface {
	DeleteExpiredUploads(ctx context.Context, now time.Time) (int, error)
	Vacuum(ctx context.Context) error
}

// Redeliverer resends terminal events the notifier never accepted
type Redeliverer interface {
	Redeliver(ctx context.Context) (int, error)
}

// Stats tracks cleanup operations
type Stats struct {
	LastSweepTime       time.Time
	LastVacuumTime      time.Time
	TotalUploadsDeleted int64
	TotalVacuumRuns     int64
	LastSweepDuration   time.Duration
	LastVacuumDuration  time.Duration
	LastRedeliverTime   time.Time
	TotalRedelivered    int64
}

// Manager handles automatic cleanup of expired uploads and maintenance
type Manager struct {
	config      Config
	store       Store
	redeliverer Redeliverer
	logger      *logging.Logger
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// NewManager creates a new cleanup manager
func NewManager(config Config, store Store, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		config: config,
		store:  store,
		logger: logger.WithField("component", "cleanup"),
		now:    time.Now,
	}
}

// WithRedeliverer attaches the terminal event redelivery loop. Call before Start.
func (m *Manager) WithRedeliverer(r Redeliverer) *Manager {
	m.redeliverer = r
	return m
}

// Start begins the automatic cleanup loops. They stop when ctx is done or
// Stop is called.
func (m *Manager) Start(ctx context.Context) {
	if !m.config.Enabled {
		m.logger.Info("Cleanup manager disabled")
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)

	m.logger.Info("Starting cleanup manager", logging.Fields{
		"sweep_interval":  m.config.SweepInterval.String(),
		"vacuum_interval": m.config.VacuumInterval.String(),
	})

	if m.config.SweepInterval > 0 {
		m.wg.Add(1)
		go m.loop(ctx, m.config.InitialDelay, m.config.SweepInterval, m.SweepNow)
	}
	if m.config.VacuumInterval > 0 {
		m.wg.Add(1)
		go m.loop(ctx, m.config.VacuumInterval, m.config.VacuumInterval, m.VacuumNow)
	}
	if m.redeliverer != nil && m.config.RedeliverInterval > 0 {
		m.wg.Add(1)
		go m.loop(ctx, m.config.RedeliverInterval, m.config.RedeliverInterval, m.RedeliverNow)
	}
}

// Stop gracefully stops the cleanup manager
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Info("Cleanup manager stopped")
}

func (m *Manager) loop(ctx context.Context, first, interval time.Duration, run func(context.Context)) {
	defer m.wg.Done()

	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			run(ctx)
			timer.Reset(interval)
		}
	}
}

// SweepNow deletes upload metadata past its TTL
func (m *Manager) SweepNow(ctx context.Context) {
	start := time.Now()

	deleted, err := m.store.DeleteExpiredUploads(ctx, m.now())
	if err != nil {
		m.logger.Error("Upload sweep failed", logging.Fields{"error": err.Error()})
		return
	}

	duration := time.Since(start)

	m.mu.Lock()
	m.stats.LastSweepTime = m.now()
	m.stats.LastSweepDuration = duration
	m.stats.TotalUploadsDeleted += int64(deleted)
	m.mu.Unlock()

	if deleted > 0 {
		m.logger.Info("Expired upload metadata removed", logging.Fields{
			"deleted":     deleted,
			"duration_ms": duration.Milliseconds(),
		})
	}
}

// VacuumNow performs database maintenance
func (m *Manager) VacuumNow(ctx context.Context) {
	start := time.Now()

	if err := m.store.Vacuum(ctx); err != nil {
		m.logger.Error("Database vacuum failed", logging.Fields{"error": err.Error()})
		return
	}

	duration := time.Since(start)

	m.mu.Lock()
	m.stats.LastVacuumTime = m.now()
	m.stats.LastVacuumDuration = duration
	m.stats.TotalVacuumRuns++
	m.mu.Unlock()

	m.logger.Info("Database vacuum complete", logging.Fields{"duration_ms": duration.Milliseconds()})
}

// RedeliverNow retries undelivered terminal events once
func (m *Manager) RedeliverNow(ctx context.Context) {
	if m.redeliverer == nil {
		return
	}
	n, err := m.redeliverer.Redeliver(ctx)

	m.mu.Lock()
	m.stats.LastRedeliverTime = m.now()
	m.stats.TotalRedelivered += int64(n)
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("Terminal event redelivery failed", logging.Fields{"error": err.Error()})
		return
	}
	if n > 0 {
		m.logger.Info("Terminal events redelivered", logging.Fields{"delivered": n})
	}
}

// GetStats returns current cleanup statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
