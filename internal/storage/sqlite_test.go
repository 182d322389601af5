package storage

import (
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestTablesAndIndexesExist(t *testing.T) {
	s := openTestStore(t)

	objects := []struct{ kind, name string }{
		{"table", "sources"},
		{"table", "jobs"},
		{"table", "document_chunks"},
		{"table", "vector_snapshot"},
		{"table", "vector_snapshot_meta"},
		{"index", "idx_jobs_state_created"},
		{"index", "idx_jobs_source"},
	}
	for _, o := range objects {
		var count int
		err := s.DB().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?", o.kind, o.name).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", o.name, err)
		}
		if count != 1 {
			t.Errorf("%s %q not found in sqlite_master", o.kind, o.name)
		}
	}
}

func TestJobsStateCheckConstraint(t *testing.T) {
	s := openTestStore(t)

	_, err := s.DB().Exec(`INSERT INTO jobs (id, source_id, name, state, created_at, updated_at)
		VALUES ('j1', 's1', 'a.txt', 'pending', '2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z')`)
	if err == nil {
		t.Error("expected CHECK constraint failure for unknown state")
	}
}
