package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/opengrove/opengrove/pkg/engine"
)

func TestSnapshotAndRestore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "state.db")

	store, err := NewSQLiteStore(Config{Path: dbPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	st := testResourceState("dep1", "db", 0)
	if err := store.PutResource(ctx, st); err != nil {
		t.Fatalf("failed to put resource state: %v", err)
	}

	snapPath := filepath.Join(dir, "backup.db")
	if err := store.Snapshot(ctx, snapPath); err != nil {
		t.Fatalf("failed to snapshot: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if err := VerifyIntegrity(ctx, snapPath); err != nil {
		t.Fatalf("integrity check failed: %v", err)
	}

	// Restore the snapshot to a fresh location and read it back.
	restoredPath := filepath.Join(dir, "restored.db")
	if err := Restore(ctx, snapPath, restoredPath); err != nil {
		t.Fatalf("failed to restore: %v", err)
	}

	restored, err := NewSQLiteStore(Config{Path: restoredPath})
	if err != nil {
		t.Fatalf("failed to create restored store: %v", err)
	}
	if err := restored.Init(ctx); err != nil {
		t.Fatalf("failed to initialize restored store: %v", err)
	}
	defer restored.Close()

	got, err := restored.GetResource(ctx, "dep1", "db")
	if err != nil {
		t.Fatalf("failed to read restored state: %v", err)
	}
	if got.Status != engine.StatusCreated {
		t.Errorf("expected restored status created, got %s", got.Status)
	}
}

func TestSnapshot_ExistingDestination(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := setupTestStore(t)

	dest := filepath.Join(dir, "backup.db")
	if err := os.WriteFile(dest, []byte("stale"), 0o644); err != nil {
		t.Fatalf("failed to write stale file: %v", err)
	}

	if err := store.Snapshot(ctx, dest); err == nil {
		t.Error("expected snapshot to refuse existing destination")
	}
}

func TestVerifyIntegrity_NotADatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "junk.db")
	if err := os.WriteFile(path, []byte("this is not sqlite"), 0o644); err != nil {
		t.Fatalf("failed to write junk file: %v", err)
	}

	if err := VerifyIntegrity(ctx, path); err == nil {
		t.Error("expected integrity check to fail on junk file")
	}
}

func TestVerifyIntegrity_MissingFile(t *testing.T) {
	if err := VerifyIntegrity(context.Background(), filepath.Join(t.TempDir(), "absent.db")); err == nil {
		t.Error("expected error for missing file")
	}
}
