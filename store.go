package strata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/strata/internal/store/migrations"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const schemaVersion = "2"

// Store manages the local SQLite database holding cached records, pending
// operations and delta-set cursors for every (collection, tag) partition.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// NewStore opens or creates a local store.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	store := &Store{db: db, path: path}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, migrations.FS)
	if err != nil {
		return fmt.Errorf("store: create migration provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, schemaVersion)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// GetMetadata returns a metadata value, or "" when unset.
func (s *Store) GetMetadata(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetMetadata stores a metadata value.
func (s *Store) SetMetadata(key, value string) error {
	return s.write("set_metadata", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO metadata (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, value)
		return err
	})
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// write runs fn in a transaction under the writer lock. Readers holding the
// read lock never observe a partially applied fn.
func (s *Store) write(op string, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return &CacheError{Operation: op, Err: fmt.Errorf("begin transaction: %w", err)}
	}
	defer tx.Rollback() // no-op if committed

	if err := fn(tx); err != nil {
		return wrapCacheErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return &CacheError{Operation: op, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

// read runs fn under the read lock.
func (s *Store) read(op string, fn func(q querier) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	if err := fn(s.db); err != nil {
		return wrapCacheErr(op, err)
	}
	return nil
}

// wrapCacheErr marks storage faults as CacheError while letting engine
// errors (not found, invariants) through untouched.
func wrapCacheErr(op string, err error) error {
	var ce *CacheError
	var ie *InvariantError
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrStoreClosed),
		errors.As(err, &ce), errors.As(err, &ie):
		return err
	}
	return &CacheError{Operation: op, Err: err}
}

// getCursor returns the delta-set cursor for a query key.
func getCursor(q querier, collection, tag, key string) (time.Time, bool, error) {
	var raw string
	err := q.QueryRow(`
		SELECT last_request_time FROM sync_state
		WHERE collection = ? AND tag = ? AND query_key = ?
	`, collection, tag, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse cursor %q: %w", raw, err)
	}
	return t, true, nil
}

func setCursor(q querier, collection, tag, key string, at, now time.Time) error {
	_, err := q.Exec(`
		INSERT INTO sync_state (collection, tag, query_key, last_request_time, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, tag, query_key) DO UPDATE SET
			last_request_time = excluded.last_request_time,
			updated_at = excluded.updated_at
	`, collection, tag, key, at.UTC().Format(time.RFC3339Nano), now.UTC().Format(time.RFC3339Nano))
	return err
}

func clearCursors(q querier, collection, tag string) error {
	_, err := q.Exec(`DELETE FROM sync_state WHERE collection = ? AND tag = ?`, collection, tag)
	return err
}

func lastPull(q querier, collection, tag string) (time.Time, error) {
	var raw sql.NullString
	err := q.QueryRow(`
		SELECT MAX(updated_at) FROM sync_state WHERE collection = ? AND tag = ?
	`, collection, tag).Scan(&raw)
	if err != nil || !raw.Valid {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, raw.String)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
