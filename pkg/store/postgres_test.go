package store

import (
	"os"
	"testing"
)

// TestPostgreSQLIntegration tests PostgreSQL store with a real database
// Set DATABASE_DSN environment variable to run: export DATABASE_DSN="postgresql://..."
func TestPostgreSQLIntegration(t *testing.T) {
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		t.Skip("Skipping PostgreSQL integration test: DATABASE_DSN not set")
	}

	store, err := NewStore(Config{
		Type: "postgres",
		DSN:  dsn,
	})
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL store: %v", err)
	}
	defer store.Close()

	runStoreSuite(t, store)
}

func TestPostgresRebind(t *testing.T) {
	s := &sqlStore{dialect: dialect{placeholder: postgresPlaceholder}}
	got := s.rebind("SELECT * FROM jobs WHERE job_id = ? AND status = ? LIMIT ?")
	want := "SELECT * FROM jobs WHERE job_id = $1 AND status = $2 LIMIT $3"
	if got != want {
		t.Errorf("rebind() = %q, want %q", got, want)
	}
}
