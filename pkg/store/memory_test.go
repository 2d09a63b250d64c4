package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/media-pipeline/pkg/models"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	job := newTestJob("copy")
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	got.Status = models.JobStatusFailed

	again, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, again.Status)
}

func TestMemoryStore_VacuumDropsExpiredUploads(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	old := models.NewUploadMetadata("uploads/u/d/s/a.mp4", "a.mp4", "u", "s", time.Now().Add(-25*time.Hour), 0)
	require.NoError(t, s.PutUploadMetadata(ctx, old))

	require.NoError(t, s.Vacuum(ctx))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.PendingUploads)
}
