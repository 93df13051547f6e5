// Package state persists the orchestrator's record of every deployment.
// It provides a SQLite-backed implementation of engine.StateStore with WAL
// mode, embedded schema migrations, deployment-level locking, and snapshot
// backup and restore of the underlying database file.
package state
