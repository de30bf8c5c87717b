// Package postgres provides a Postgres-backed persistent store that mirrors the
// in-memory semantics. Entity tables are snapshotted as JSONB buckets while the
// audit ledger is written append-only to its own table.
package postgres

import (
	"applicatorsync/internal/infra/persistence/memory"
	"applicatorsync/pkg/domain"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/applicatorsync?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_entries (
		sequence BIGINT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		change_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		record_hash TEXT NOT NULL,
		payload JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_entries_entity_hash ON audit_entries (entity_type, entity_id, content_hash)`,
}

var postgresBuckets = []string{"treatments", "applicators", "conflicts"}

// Store persists state to Postgres while reusing the in-memory implementation
// for transactions. Every commit is written through before it is applied.
type Store struct {
	*memory.Store
	db *sql.DB
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN).
// It ensures the schema exists and hydrates the in-memory store from any
// existing snapshot and audit ledger.
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore(engine)
	mem.ImportState(snapshot)
	s := &Store{Store: mem, db: db}
	mem.SetCommitHook(s.persist)
	return s, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	var snapshot memory.Snapshot
	targets := map[string]any{
		"treatments":  &snapshot.Treatments,
		"applicators": &snapshot.Applicators,
		"conflicts":   &snapshot.Conflicts,
	}

	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan state: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		if target, ok := targets[bucket]; ok {
			if err := json.Unmarshal(payload, target); err != nil {
				return memory.Snapshot{}, fmt.Errorf("decode %s: %w", bucket, err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate state: %w", err)
	}

	auditRows, err := db.QueryContext(ctx, `SELECT payload FROM audit_entries ORDER BY sequence`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select audit entries: %w", err)
	}
	defer func() { _ = auditRows.Close() }()
	for auditRows.Next() {
		var payload []byte
		if err := auditRows.Scan(&payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan audit entry: %w", err)
		}
		var entry domain.OfflineAuditLogEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return memory.Snapshot{}, fmt.Errorf("decode audit entry: %w", err)
		}
		snapshot.Audit = append(snapshot.Audit, entry)
	}
	if err := auditRows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate audit entries: %w", err)
	}
	return snapshot, nil
}

// persist is the memory store's commit hook: the candidate state and the
// transaction's audit entries reach Postgres before they become visible.
func (s *Store) persist(ctx context.Context, state memory.Snapshot, appended []domain.OfflineAuditLogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range postgresBuckets {
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
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	for _, entry := range appended {
		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO audit_entries(sequence,entity_type,entity_id,change_id,content_hash,record_hash,payload) VALUES($1,$2,$3,$4,$5,$6,$7) ON CONFLICT(sequence) DO NOTHING`,
			entry.Sequence, string(entry.EntityType), entry.EntityID, entry.ChangeID, entry.ContentHash, entry.RecordHash, payload,
		); err != nil {
			return fmt.Errorf("insert audit entry %d: %w", entry.Sequence, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
