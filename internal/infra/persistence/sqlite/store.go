// Package sqlite provides a file-backed persistent store built on the pure Go
// SQLite driver.
package sqlite

import (
	"applicatorsync/internal/infra/persistence/memory"
	"applicatorsync/pkg/domain"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.PersistentStore = (*Store)(nil)

const defaultPath = "applicatorsync.db"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_entries (
		sequence INTEGER PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		change_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		record_hash TEXT NOT NULL,
		payload BLOB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_entries_entity_hash ON audit_entries (entity_type, entity_id, content_hash)`,
}

var sqliteBuckets = []string{"treatments", "applicators", "conflicts"}

// Store persists the in-memory state to SQLite. Entity maps are snapshotted as
// JSON blobs as part of every commit; audit entries are appended to their own
// table and never rewritten.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore constructs a snapshotting SQLite-backed persistent store.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	s := &Store{Store: memory.NewStore(engine), db: db, path: path}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.SetCommitHook(s.persist)
	return s, nil
}

func (s *Store) load() error {
	var snapshot memory.Snapshot
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		switch bucket {
		case "treatments":
			err = json.Unmarshal(payload, &snapshot.Treatments)
		case "applicators":
			err = json.Unmarshal(payload, &snapshot.Applicators)
		case "conflicts":
			err = json.Unmarshal(payload, &snapshot.Conflicts)
		}
		if err != nil {
			return fmt.Errorf("decode %s: %w", bucket, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}

	auditRows, err := s.db.Query(`SELECT payload FROM audit_entries ORDER BY sequence`)
	if err != nil {
		return fmt.Errorf("select audit entries: %w", err)
	}
	defer func() { _ = auditRows.Close() }()
	for auditRows.Next() {
		var payload []byte
		if err := auditRows.Scan(&payload); err != nil {
			return fmt.Errorf("scan audit entry: %w", err)
		}
		var entry domain.OfflineAuditLogEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return fmt.Errorf("decode audit entry: %w", err)
		}
		snapshot.Audit = append(snapshot.Audit, entry)
	}
	if err := auditRows.Err(); err != nil {
		return fmt.Errorf("iterate audit entries: %w", err)
	}
	s.ImportState(snapshot)
	return nil
}

// persist writes a transaction's candidate state and its new audit entries
// in one SQLite transaction. It runs as the memory store's commit hook, so a
// failure here leaves the committed state untouched.
func (s *Store) persist(ctx context.Context, state memory.Snapshot, appended []domain.OfflineAuditLogEntry) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range sqliteBuckets {
		var data []byte
		switch bucket {
		case "treatments":
			data, err = json.Marshal(state.Treatments)
		case "applicators":
			data, err = json.Marshal(state.Applicators)
		case "conflicts":
			data, err = json.Marshal(state.Conflicts)
		}
		if err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	for _, entry := range appended {
		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_entries(sequence,entity_type,entity_id,change_id,content_hash,record_hash,payload) VALUES(?,?,?,?,?,?,?) ON CONFLICT(sequence) DO NOTHING`,
			entry.Sequence, string(entry.EntityType), entry.EntityID, entry.ChangeID, entry.ContentHash, entry.RecordHash, payload,
		); err != nil {
			return fmt.Errorf("insert audit entry %d: %w", entry.Sequence, err)
		}
	}
	return tx.Commit()
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
