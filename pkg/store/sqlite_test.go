package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/psantana5/media-pipeline/pkg/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, newTestSQLiteStore(t))
}

// TestSQLiteConcurrentAccess tests that concurrent database access doesn't cause locks
func TestSQLiteConcurrentAccess(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	job := newTestJob("concurrent")
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}

	// Progress pings from many goroutines must serialize cleanly
	numUpdates := 20
	var wg sync.WaitGroup
	errs := make(chan error, numUpdates)

	for i := 0; i < numUpdates; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := store.UpdateJob(ctx, job.JobID, models.JobUpdate{
				Progress:    models.IntPtr(idx),
				CurrentStep: models.StringPtr(fmt.Sprintf("step-%d", idx)),
			})
			if err != nil {
				errs <- fmt.Errorf("update %d failed: %w", idx, err)
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Concurrent update error: %v", err)
	}

	got, err := store.GetJob(ctx, job.JobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Progress != numUpdates-1 {
		t.Errorf("Expected progress to settle at the maximum %d, got %d", numUpdates-1, got.Progress)
	}
}

func TestSQLiteVacuum(t *testing.T) {
	store := newTestSQLiteStore(t)
	if err := store.Vacuum(context.Background()); err != nil {
		t.Fatalf("Vacuum failed: %v", err)
	}
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(Config{Type: "memory"})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	s.Close()

	s, err = NewStore(Config{Type: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")})
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	s.Close()

	if _, err := NewStore(Config{Type: "dynamodb"}); err != ErrUnsupportedDatabase {
		t.Errorf("expected ErrUnsupportedDatabase, got %v", err)
	}
}
