package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Collection names. New collections are added through a schema migration.
const (
	CollectionPendingTransactions = "pending_transactions"
	CollectionSyncQueue           = "sync_queue"
	CollectionReferenceCache      = "reference_cache"
	CollectionSettings            = "settings"
)

// Schema version tracking:
// 1 - records table keyed by (collection, key)
// 2 - updated_at column, (collection, created_at) index, collections registry
const currentSchemaVersion = 2

// Store provides durable storage for offline sync state.
type Store struct {
	db          *sql.DB
	collections map[string]struct{}
}

// Open creates or opens the SQLite database at path and upgrades its schema.
// Any failure is reported as ErrStorageUnavailable.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrStorageUnavailable, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: connect: %v", ErrStorageUnavailable, err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	s := &Store{db: db}
	names, err := s.Collections(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	s.collections = make(map[string]struct{}, len(names))
	for _, name := range names {
		s.collections[name] = struct{}{}
	}
	return s, nil
}

// Close closes the database. Later calls fail with ErrStorageUnavailable.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SchemaVersion reports the on-disk schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, wrapUnavailable(err)
	}
	return version, nil
}

// Collections lists the registered collection names.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM collections ORDER BY name")
	if err != nil {
		return nil, wrapUnavailable(err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		// FULL: a committed write survives power loss, so enqueue is durable on return.
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
// Each step is idempotent so a crash between a step and the version bump is safe.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := migrateToV2(db); err != nil {
			return err
		}
	}

	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (collection, key)
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

func migrateToV2(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	defer tx.Rollback()

	hasUpdatedAt, err := columnExists(tx, "records", "updated_at")
	if err != nil {
		return fmt.Errorf("migrate to v2: %w", err)
	}
	if !hasUpdatedAt {
		if _, err := tx.Exec(`ALTER TABLE records ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("migrate to v2: add updated_at: %w", err)
		}
		if _, err := tx.Exec(`UPDATE records SET updated_at = created_at`); err != nil {
			return fmt.Errorf("migrate to v2: backfill updated_at: %w", err)
		}
	}

	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_records_collection_created ON records(collection, created_at)`,
		`CREATE TABLE IF NOT EXISTS collections (name TEXT PRIMARY KEY)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}
	for _, name := range []string{CollectionPendingTransactions, CollectionSyncQueue, CollectionReferenceCache, CollectionSettings} {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO collections(name) VALUES (?)`, name); err != nil {
			return fmt.Errorf("migrate to v2: register %s: %w", name, err)
		}
	}
	return tx.Commit()
}

func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}

func wrapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return err
}
