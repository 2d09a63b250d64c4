package cleanup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/media-pipeline/pkg/models"
	"github.com/psantana5/media-pipeline/pkg/store"
)

type countingStore struct {
	sweeps  atomic.Int32
	vacuums atomic.Int32
	err     error
}

func (c *countingStore) DeleteExpiredUploads(ctx context.Context, now time.Time) (int, error) {
	c.sweeps.Add(1)
	return 2, c.err
}

func (c *countingStore) Vacuum(ctx context.Context) error {
	c.vacuums.Add(1)
	return c.err
}

func TestSweepNowRemovesExpiredUploads(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	stale := models.NewUploadMetadata("uploads/u1/d/HEMS/old.mp4", "old.mp4", "u1", "HEMS", now.Add(-48*time.Hour), 24*time.Hour)
	fresh := models.NewUploadMetadata("uploads/u1/d/HEMS/new.mp4", "new.mp4", "u1", "HEMS", now.Add(-time.Hour), 24*time.Hour)
	require.NoError(t, st.PutUploadMetadata(ctx, stale))
	require.NoError(t, st.PutUploadMetadata(ctx, fresh))

	m := NewManager(DefaultConfig(), st, nil)
	m.now = func() time.Time { return now }

	m.SweepNow(ctx)

	stats := m.GetStats()
	assert.Equal(t, int64(1), stats.TotalUploadsDeleted)
	assert.Equal(t, now, stats.LastSweepTime)

	m.SweepNow(ctx)
	assert.Equal(t, int64(1), m.GetStats().TotalUploadsDeleted)
}

func TestFailuresLeaveStatsUntouched(t *testing.T) {
	st := &countingStore{err: errors.New("database is locked")}
	m := NewManager(DefaultConfig(), st, nil)

	m.SweepNow(context.Background())
	m.VacuumNow(context.Background())

	assert.Equal(t, Stats{}, m.GetStats())
	assert.Equal(t, int32(1), st.sweeps.Load())
	assert.Equal(t, int32(1), st.vacuums.Load())
}

func TestStartRunsBothLoops(t *testing.T) {
	st := &countingStore{}
	m := NewManager(Config{
		Enabled:        true,
		SweepInterval:  5 * time.Millisecond,
		VacuumInterval: 5 * time.Millisecond,
	}, st, nil)

	m.Start(context.Background())
	assert.Eventually(t, func() bool {
		return st.sweeps.Load() >= 2 && st.vacuums.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	m.Stop()

	sweeps := st.sweeps.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, sweeps, st.sweeps.Load(), "loops must not run after Stop")
	assert.GreaterOrEqual(t, m.GetStats().TotalVacuumRuns, int64(2))
}

func TestDisabledManagerDoesNothing(t *testing.T) {
	st := &countingStore{}
	m := NewManager(Config{Enabled: false, SweepInterval: time.Millisecond}, st, nil)

	m.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	m.Stop()

	assert.Zero(t, st.sweeps.Load())
}

type stubRedeliverer struct {
	calls atomic.Int32
	n     int
	err   error
}

func (s *stubRedeliverer) Redeliver(ctx context.Context) (int, error) {
	s.calls.Add(1)
	return s.n, s.err
}

func TestRedeliverLoopRunsWhenAttached(t *testing.T) {
	r := &stubRedeliverer{n: 2}
	m := NewManager(Config{Enabled: true, RedeliverInterval: 5 * time.Millisecond}, &countingStore{}, nil).
		WithRedeliverer(r)

	m.Start(context.Background())
	assert.Eventually(t, func() bool { return r.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	m.Stop()

	assert.GreaterOrEqual(t, m.GetStats().TotalRedelivered, int64(4))
}

func TestRedeliverNowCountsPartialProgress(t *testing.T) {
	r := &stubRedeliverer{n: 1, err: context.DeadlineExceeded}
	m := NewManager(DefaultConfig(), &countingStore{}, nil).WithRedeliverer(r)

	m.RedeliverNow(context.Background())
	assert.Equal(t, int64(1), m.GetStats().TotalRedelivered)

	// No redeliverer attached is a no-op
	bare := NewManager(DefaultConfig(), &countingStore{}, nil)
	bare.RedeliverNow(context.Background())
	assert.Equal(t, Stats{}, bare.GetStats())
}
