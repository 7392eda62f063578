package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPendingMigrations_OrderAndFilter(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_b.up.sql", "0001_a.up.sql", "0001_a.down.sql", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "0003_dir.up.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	names, err := pendingMigrations(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"0001_a.up.sql", "0002_b.up.sql"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], names[i])
		}
	}
}

func TestPendingMigrations_MissingDir(t *testing.T) {
	if _, err := pendingMigrations(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestRepositoryMigrationsPresent(t *testing.T) {
	names, err := pendingMigrations("../../migrations")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) < 3 {
		t.Errorf("expected at least 3 migrations, got %d", len(names))
	}
}
