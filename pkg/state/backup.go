package state

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Snapshot writes a consistent copy of the database to destPath using
// VACUUM INTO, which produces a compacted single-file image even while WAL
// mode is active. The destination must not already exist.
func (s *SQLiteStore) Snapshot(ctx context.Context, destPath string) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("snapshot destination already exists: %s", destPath)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to check snapshot destination: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}

	return nil
}

// VerifyIntegrity opens the database file at path read-only and runs SQLite's
// integrity check on it.
func VerifyIntegrity(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("failed to run integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}

	return nil
}

// Restore replaces the database file at destPath with the snapshot at
// snapshotPath after verifying the snapshot's integrity. Any store open on
// destPath must be closed first; stale WAL sidecar files are removed so the
// restored image is what the next open sees.
func Restore(ctx context.Context, snapshotPath, destPath string) error {
	if err := VerifyIntegrity(ctx, snapshotPath); err != nil {
		return err
	}

	src, err := os.Open(snapshotPath)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".restore-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to copy snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to finish copy: %w", err)
	}

	for _, sidecar := range []string{destPath + "-wal", destPath + "-shm"} {
		if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", sidecar, err)
		}
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to replace database: %w", err)
	}

	return nil
}
