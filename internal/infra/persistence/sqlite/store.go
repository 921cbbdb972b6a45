// Package sqlite provides a SQLite-backed persistent store that mirrors the
// in-memory semantics, snapshotting committed state after every successful
// transaction.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"erpcore/internal/infra/persistence/memory"
	"erpcore/pkg/storage"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ storage.Store = (*Store)(nil)

// Store persists the in-memory state to a single SQLite table as JSON
// buckets.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (or creates) the database at path, hydrates the in-memory
// store from any existing snapshot, and returns the wrapping store.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "erpcore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	s := &Store{Store: memory.NewStore(), db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

const (
	bucketRows      = "rows"
	bucketLinks     = "links"
	bucketSequences = "sequences"
)

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var snapshot memory.Snapshot
	loaded := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		loaded = true
		if err := decodeBucket(bucket, payload, &snapshot); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if loaded {
		s.ImportState(snapshot)
	}
	return nil
}

func decodeBucket(bucket string, payload []byte, snapshot *memory.Snapshot) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	switch bucket {
	case bucketRows:
		if err := dec.Decode(&snapshot.Rows); err != nil {
			return fmt.Errorf("decode rows: %w", err)
		}
	case bucketLinks:
		if err := dec.Decode(&snapshot.Links); err != nil {
			return fmt.Errorf("decode links: %w", err)
		}
	case bucketSequences:
		if err := dec.Decode(&snapshot.Seq); err != nil {
			return fmt.Errorf("decode sequences: %w", err)
		}
	}
	return nil
}

func (s *Store) persist() (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	buckets := []struct {
		name string
		data any
	}{
		{bucketRows, snapshot.Rows},
		{bucketLinks, snapshot.Links},
		{bucketSequences, snapshot.Seq},
	}
	for _, b := range buckets {
		payload, err := json.Marshal(b.data)
		if err != nil {
			retErr = fmt.Errorf("encode %s: %w", b.name, err)
			return retErr
		}
		if _, err := tx.Exec(`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, b.name, payload); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", b.name, err)
			return retErr
		}
	}
	return tx.Commit()
}

// RunInTransaction applies fn within a transaction, then snapshots the state
// to SQLite if successful.
func (s *Store) RunInTransaction(ctx context.Context, fn func(storage.Tx) error) error {
	if err := s.Store.RunInTransaction(ctx, fn); err != nil {
		return err
	}
	return s.persist()
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
