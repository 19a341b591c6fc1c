// Package store provides the local Record Store: an embedded SQLite file
// holding every collection as per-entity JSON records, plus a small
// key/value table for session data and the legacy progress blob.
//
// Architecture:
//   - Database file: ~/.studytrack/studytrack.db
//   - WAL mode: concurrent readers during writes
//   - Schema: records (collection, id) and kv tables
//   - Upserts are single-statement ON CONFLICT writes, so every key has at
//     most one writer at a time
//
// Records keep their insertion order: an upsert of an existing id updates
// it in place, and All returns rows in rowid order.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/Mschirtzinger/studytrack/internal/types"
)

// ErrNotFound is returned when a record or key does not exist.
var ErrNotFound = errors.New("not found")

// executor is satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened with WAL for concurrent reads. The parent
// directory is created if needed. The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open("~/.studytrack/studytrack.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	path = strings.TrimPrefix(path, "file:")

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set busy timeout to 5 seconds
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	// Checkpoint WAL before closing
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,  -- JSON object
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_collection_updated
	    ON records(collection, updated_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Tx is a store transaction. All writes made through it commit or roll
// back together.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Put inserts or replaces a record.
func (db *DB) Put(ctx context.Context, rec types.Record) error {
	return putRecord(ctx, db.conn, rec)
}

// Put inserts or replaces a record within the transaction.
func (tx *Tx) Put(ctx context.Context, rec types.Record) error {
	return putRecord(ctx, tx.tx, rec)
}

// PutMany upserts every record in one transaction, in order.
func (db *DB) PutMany(ctx context.Context, recs []types.Record) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		for _, rec := range recs {
			if err := tx.Put(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func putRecord(ctx context.Context, ex executor, rec types.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `
	INSERT INTO records (collection, id, data, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at
	`

	_, err := ex.ExecContext(ctx, query,
		rec.Collection,
		rec.ID,
		string(rec.Data),
		updatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return nil
}

// Get retrieves a single record.
// Returns ErrNotFound if the record does not exist.
func (db *DB) Get(ctx context.Context, collection, id string) (types.Record, error) {
	return getRecord(ctx, db.conn, collection, id)
}

// Get retrieves a single record within the transaction.
func (tx *Tx) Get(ctx context.Context, collection, id string) (types.Record, error) {
	return getRecord(ctx, tx.tx, collection, id)
}

func getRecord(ctx context.Context, ex executor, collection, id string) (types.Record, error) {
	row := ex.QueryRowContext(ctx,
		`SELECT id, data, updated_at FROM records WHERE collection = ? AND id = ?`,
		collection, id)

	rec, err := scanRecord(row.Scan, collection)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Record{}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return types.Record{}, err
	}
	return rec, nil
}

// All returns every record of a collection in insertion order.
func (db *DB) All(ctx context.Context, collection string) ([]types.Record, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, data, updated_at FROM records WHERE collection = ? ORDER BY rowid ASC`,
		collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", collection, err)
	}
	defer rows.Close()

	recs := []types.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows.Scan, collection)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", collection, err)
	}
	return recs, nil
}

// scanRecord scans id, data, updated_at through the given scan function.
func scanRecord(scan func(dest ...any) error, collection string) (types.Record, error) {
	var (
		rec       types.Record
		data      string
		updatedAt string
	)
	if err := scan(&rec.ID, &data, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Record{}, err
		}
		return types.Record{}, fmt.Errorf("failed to scan record: %w", err)
	}
	rec.Collection = collection
	rec.Data = json.RawMessage(data)
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return rec, nil
}

// Count returns the number of records in a collection.
func (db *DB) Count(ctx context.Context, collection string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ?`, collection).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return count, nil
}

// Delete removes a record.
// Returns nil if the record doesn't exist (idempotent).
func (db *DB) Delete(ctx context.Context, collection, id string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Collections returns the names of all non-empty collections.
func (db *DB) Collections(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT DISTINCT collection FROM records ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Patch merges fields into the JSON object stored at collection/id in a
// single transaction. A missing record is created as {"id": id}. Fields
// not named in the patch are left untouched.
func (db *DB) Patch(ctx context.Context, collection, id string, fields map[string]any) (types.Record, error) {
	var out types.Record
	err := db.WithTx(ctx, func(tx *Tx) error {
		obj := map[string]json.RawMessage{}
		existing, err := tx.Get(ctx, collection, id)
		switch {
		case err == nil:
			if err := json.Unmarshal(existing.Data, &obj); err != nil {
				return fmt.Errorf("stored %s/%s is not a JSON object: %w", collection, id, err)
			}
		case errors.Is(err, ErrNotFound):
		default:
			return err
		}

		for k, v := range fields {
			b, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("failed to marshal field %s: %w", k, err)
			}
			obj[k] = b
		}
		idJSON, _ := json.Marshal(id)
		obj["id"] = idJSON

		data, err := json.Marshal(obj)
		if err != nil {
			return fmt.Errorf("failed to marshal %s/%s: %w", collection, id, err)
		}
		out = types.Record{
			Collection: collection,
			ID:         id,
			Data:       data,
			UpdatedAt:  time.Now().UTC(),
		}
		return tx.Put(ctx, out)
	})
	if err != nil {
		return types.Record{}, err
	}
	return out, nil
}

// Reset removes every record and key. Used for a full application reset.
func (db *DB) Reset(ctx context.Context) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
			return fmt.Errorf("failed to clear records: %w", err)
		}
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM kv`); err != nil {
			return fmt.Errorf("failed to clear kv: %w", err)
		}
		return nil
	})
}
