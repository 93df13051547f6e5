package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/opengrove/opengrove/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.StateStore on a single SQLite database file.
// WAL mode keeps readers unblocked while a run writes, and the busy timeout
// covers the occasional overlap between the CLI and a finishing run.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// GetResource returns the state record for one resource.
func (s *SQLiteStore) GetResource(ctx context.Context, deploymentID, resourceID string) (*engine.ResourceState, error) {
	query := `
		SELECT deployment_id, resource_id, kind, status, fingerprint, outputs,
		       labels, dependencies, plan_position, error, verify_detail,
		       last_run_id, created_at, updated_at
		FROM resources
		WHERE deployment_id = ? AND resource_id = ?
	`

	st, err := scanResource(s.db.QueryRowContext(ctx, query, deploymentID, resourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource state: %w", err)
	}

	return st, nil
}

// PutResource writes a state record, replacing any previous record for the
// same (deployment, resource) key. The original created_at survives updates.
func (s *SQLiteStore) PutResource(ctx context.Context, state *engine.ResourceState) error {
	outputs, err := encodeJSON(state.Outputs)
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}
	labels, err := encodeJSON(state.Labels)
	if err != nil {
		return fmt.Errorf("failed to encode labels: %w", err)
	}
	deps, err := encodeJSON(state.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to encode dependencies: %w", err)
	}

	query := `
		INSERT INTO resources (
			deployment_id, resource_id, kind, status, fingerprint, outputs,
			labels, dependencies, plan_position, error, verify_detail,
			last_run_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(deployment_id, resource_id) DO UPDATE SET
			kind = excluded.kind,
			status = excluded.status,
			fingerprint = excluded.fingerprint,
			outputs = excluded.outputs,
			labels = excluded.labels,
			dependencies = excluded.dependencies,
			plan_position = excluded.plan_position,
			error = excluded.error,
			verify_detail = excluded.verify_detail,
			last_run_id = excluded.last_run_id,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		state.DeploymentID,
		state.ResourceID,
		string(state.Kind),
		string(state.Status),
		state.Fingerprint,
		outputs,
		labels,
		deps,
		state.PlanPosition,
		state.Error,
		state.VerifyDetail,
		state.LastRunID,
		state.CreatedAt,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put resource state: %w", err)
	}

	return nil
}

// RemoveResource deletes a state record. Removing an absent record is not an
// error.
func (s *SQLiteStore) RemoveResource(ctx context.Context, deploymentID, resourceID string) error {
	query := `DELETE FROM resources WHERE deployment_id = ? AND resource_id = ?`

	if _, err := s.db.ExecContext(ctx, query, deploymentID, resourceID); err != nil {
		return fmt.Errorf("failed to remove resource state: %w", err)
	}

	return nil
}

// ListResources returns all state records of a deployment in plan order.
func (s *SQLiteStore) ListResources(ctx context.Context, deploymentID string) ([]*engine.ResourceState, error) {
	query := `
		SELECT deployment_id, resource_id, kind, status, fingerprint, outputs,
		       labels, dependencies, plan_position, error, verify_detail,
		       last_run_id, created_at, updated_at
		FROM resources
		WHERE deployment_id = ?
		ORDER BY plan_position ASC, resource_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource states: %w", err)
	}
	defer rows.Close()

	states := []*engine.ResourceState{}
	for rows.Next() {
		st, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource state: %w", err)
		}
		states = append(states, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource states: %w", err)
	}

	return states, nil
}

// ListDeployments returns the IDs of all deployments with recorded state.
func (s *SQLiteStore) ListDeployments(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT deployment_id FROM resources ORDER BY deployment_id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan deployment ID: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}

	return ids, nil
}

// SaveRun writes or updates a run record.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.Run) error {
	summary, err := encodeJSON(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}

	query := `
		INSERT INTO runs (id, deployment_id, type, status, summary, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			summary = excluded.summary,
			error = excluded.error,
			finished_at = excluded.finished_at
	`

	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		run.DeploymentID,
		string(run.Type),
		string(run.Status),
		summary,
		run.Error,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

// GetRun returns a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*engine.Run, error) {
	query := `
		SELECT id, deployment_id, type, status, summary, error, started_at, finished_at
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns returns the most recent runs of a deployment, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, deploymentID string, limit int) ([]*engine.Run, error) {
	if limit <= 0 {
		// Negative LIMIT disables the cap in SQLite.
		limit = -1
	}

	query := `
		SELECT id, deployment_id, type, status, summary, error, started_at, finished_at
		FROM runs
		WHERE deployment_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, deploymentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// AppendEvent appends an event to the timeline.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	details, err := encodeJSON(event.Details)
	if err != nil {
		return fmt.Errorf("failed to encode event details: %w", err)
	}

	query := `
		INSERT INTO events (id, run_id, deployment_id, resource_id, type, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		event.DeploymentID,
		event.ResourceID,
		string(event.Type),
		event.Message,
		details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents returns events for a deployment, oldest first. A positive limit
// keeps only the most recent entries.
func (s *SQLiteStore) ListEvents(ctx context.Context, deploymentID, runID string, limit int) ([]*engine.Event, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, run_id, deployment_id, resource_id, type, message, details, timestamp
		FROM events
		WHERE deployment_id = ?
		  AND (? = '' OR run_id = ?)
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, deploymentID, runID, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	// The query selects newest first so the limit trims old entries; callers
	// get the timeline in chronological order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	return events, nil
}

// Lock takes the deployment-level lock. It fails immediately when the lock is
// already held, naming the current owner.
func (s *SQLiteStore) Lock(ctx context.Context, deploymentID, owner string) error {
	query := `
		INSERT INTO locks (deployment_id, owner, acquired_at)
		VALUES (?, ?, ?)
		ON CONFLICT(deployment_id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query, deploymentID, owner, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		holder := "unknown"
		_ = s.db.QueryRowContext(ctx,
			`SELECT owner FROM locks WHERE deployment_id = ?`, deploymentID).Scan(&holder)
		return fmt.Errorf("deployment %s is locked by %s", deploymentID, holder)
	}

	return nil
}

// Unlock releases the deployment-level lock.
func (s *SQLiteStore) Unlock(ctx context.Context, deploymentID, owner string) error {
	query := `DELETE FROM locks WHERE deployment_id = ? AND owner = ?`

	result, err := s.db.ExecContext(ctx, query, deploymentID, owner)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("lock on deployment %s is not held by %s", deploymentID, owner)
	}

	return nil
}

// ClearLock removes a deployment lock regardless of owner. Operators use it
// to recover from a crashed run that never released its lock.
func (s *SQLiteStore) ClearLock(ctx context.Context, deploymentID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE deployment_id = ?`, deploymentID); err != nil {
		return fmt.Errorf("failed to clear lock: %w", err)
	}
	return nil
}
