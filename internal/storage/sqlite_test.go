package storage

import (
	"errors"
	"fmt"
	"sync"
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

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("001_kv.sql")
	if err != nil || v != 1 {
		t.Errorf("parseMigrationVersion(001_kv.sql) = %d, %v", v, err)
	}
	if _, err := parseMigrationVersion("kv.sql"); err == nil {
		t.Error("expected error for unnumbered migration")
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Get("reminders")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get on missing key: got %v, want ErrNotFound", err)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.Set("reminders", `[{"id":"a"}]`); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get("reminders")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != `[{"id":"a"}]` {
		t.Errorf("Get = %q", got)
	}

	if err := s.Set("reminders", `[]`); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = s.Get("reminders")
	if got != `[]` {
		t.Errorf("after overwrite Get = %q, want []", got)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Set("current-session", "s-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, err := s2.Get("current-session")
	if err != nil || got != "s-1" {
		t.Errorf("after reopen Get = %q, %v", got, err)
	}
}

func TestRemove(t *testing.T) {
	s := openTestStore(t)

	s.Set("current-session", "s-1")
	if err := s.Remove("current-session"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get("current-session"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Remove: got %v, want ErrNotFound", err)
	}
	if err := s.Remove("current-session"); err != nil {
		t.Errorf("second Remove should be a no-op, got %v", err)
	}
}

func TestApply_Atomic(t *testing.T) {
	s := openTestStore(t)

	s.Set("chat-sessions", "old")

	err := s.Apply(SetOp("chat-sessions", "new"), Op{Key: "", Value: "broken"})
	if err == nil {
		t.Fatal("expected error for empty key")
	}

	got, _ := s.Get("chat-sessions")
	if got != "old" {
		t.Errorf("failed Apply leaked a write: got %q, want old", got)
	}
}

func TestApply_MixedOps(t *testing.T) {
	s := openTestStore(t)

	s.Set("current-session", "s-1")
	if err := s.Apply(SetOp("chat-sessions", "[]"), DeleteOp("current-session")); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	entries, err := s.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "chat-sessions" {
		t.Fatalf("Entries = %+v", entries)
	}
	if entries[0].UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set")
	}
}

func TestApply_Empty(t *testing.T) {
	s := openTestStore(t)
	if err := s.Apply(); err != nil {
		t.Errorf("Apply() with no ops: %v", err)
	}
}

func TestEntriesOrdered(t *testing.T) {
	s := openTestStore(t)

	for _, k := range []string{"reminders", "chat-sessions", "current-session"} {
		s.Set(k, "x")
	}
	entries, err := s.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	want := []string{"chat-sessions", "current-session", "reminders"}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.Key != want[i] {
			t.Errorf("entries[%d] = %q, want %q", i, e.Key, want[i])
		}
	}
}

func TestConcurrentWrites(t *testing.T) {
	s := openTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Set(fmt.Sprintf("key-%02d", i), "v"); err != nil {
				t.Errorf("Set key-%02d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	entries, err := s.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 20 {
		t.Errorf("got %d entries, want 20", len(entries))
	}
}

func TestLoadMigrationsOrdered(t *testing.T) {
	ms, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations: %v", err)
	}
	if len(ms) == 0 || ms[0].version != 1 || ms[0].name != "001_kv.sql" {
		t.Fatalf("migrations = %+v", ms)
	}
	for i := 1; i < len(ms); i++ {
		if ms[i].version <= ms[i-1].version {
			t.Errorf("migration %s out of order", ms[i].name)
		}
	}
}
