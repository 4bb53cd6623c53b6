// Package resumestore is the optional sqlite-backed resumable-session
// key/value store named in the core's Non-goals as the one piece of
// persistence beyond in-memory state and the audit trail: a
// group-scoped mapping from a caller-supplied resume key to the last
// session id the caller should reconnect to, surviving a supervisor
// restart. The core works fine without it — it only matters to
// "explicit" mode groups whose SessionResolver wants resume keys to
// outlive the process.
package resumestore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fred-drake/carapace/internal/dispatcher"
	"github.com/fred-drake/carapace/internal/sessions"
)

// Store wraps a sqlite database holding one row per (group, key).
type Store struct {
	db *sql.DB
}

// Open creates or opens the sqlite file at path and ensures its schema
// exists. The driver is selected at compile time by the
// carapace_cgo_sqlite build tag (driver.go / driver_cgo.go).
func Open(path string) (*Store, error) {
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("resumestore: open %s: %w", path, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS resume_keys (
			group_name TEXT NOT NULL,
			key        TEXT NOT NULL,
			session_id TEXT NOT NULL,
			PRIMARY KEY (group_name, key)
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("resumestore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Put records sessionID as the resume target for (group, key),
// replacing whatever was previously stored.
func (s *Store) Put(ctx context.Context, group, key, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resume_keys (group_name, key, session_id) VALUES (?, ?, ?)
		ON CONFLICT (group_name, key) DO UPDATE SET session_id = excluded.session_id`,
		group, key, sessionID)
	return err
}

// Get returns the session id last stored for (group, key), or ("",
// false, nil) if none exists.
func (s *Store) Get(ctx context.Context, group, key string) (string, bool, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id FROM resume_keys WHERE group_name = ? AND key = ?`, group, key).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return sessionID, true, nil
}

// Delete removes any resume entry for (group, key). A missing entry is
// not an error.
func (s *Store) Delete(ctx context.Context, group, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM resume_keys WHERE group_name = ? AND key = ?`, group, key)
	return err
}

// Resolver implements dispatcher.SessionResolver for "explicit" mode
// groups: it reads the resume key named by KeyField out of the
// event's payload, looks up the last session id persisted for it, and
// — if that session is still live — resumes it. A miss (no persisted
// entry, or a persisted session that's no longer live) returns "" so
// the dispatcher spawns fresh, and Resolver persists the fresh
// session's id once the caller tells it the new id via Remember.
type Resolver struct {
	store    *Store
	keyField string
}

// NewResolver builds a Resolver backed by store, reading the resume
// key from arguments[keyField] in each event's payload.
func NewResolver(store *Store, keyField string) *Resolver {
	return &Resolver{store: store, keyField: keyField}
}

// ResolveSession implements dispatcher.SessionResolver.
func (r *Resolver) ResolveSession(ctx context.Context, event dispatcher.Event, manager sessions.Manager) (string, error) {
	key, _ := event.Payload[r.keyField].(string)
	if key == "" {
		return "", nil
	}

	sessionID, ok, err := r.store.Get(ctx, event.Group, key)
	if err != nil {
		return "", fmt.Errorf("resumestore: lookup: %w", err)
	}
	if !ok {
		return "", nil
	}

	if manager.Get(sessionID) == nil {
		// No longer live; forget it and let the dispatcher spawn fresh.
		_ = r.store.Delete(ctx, event.Group, key)
		return "", nil
	}
	return sessionID, nil
}

// RememberSession implements dispatcher.ResolverRememberer: it's called
// by the dispatcher right after a fresh spawn triggered by an event
// this resolver couldn't resolve, so the next event carrying the same
// resume key comes back here instead of spawning again.
func (r *Resolver) RememberSession(ctx context.Context, event dispatcher.Event, sessionID string) error {
	key, _ := event.Payload[r.keyField].(string)
	if key == "" {
		return nil
	}
	return r.store.Put(ctx, event.Group, key, sessionID)
}

// Remember persists sessionID as the resume target for (group, key)
// directly, for callers that already have the key in hand (tests, or
// handlers priming a resume target outside the dispatch path).
func (r *Resolver) Remember(ctx context.Context, group, key, sessionID string) error {
	return r.store.Put(ctx, group, key, sessionID)
}
