package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetValue returns the value stored under key.
// Returns ErrNotFound if the key is absent.
func (db *DB) GetValue(ctx context.Context, key string) (string, error) {
	return getValue(ctx, db.conn, key)
}

// GetValue returns the value stored under key within the transaction.
func (tx *Tx) GetValue(ctx context.Context, key string) (string, error) {
	return getValue(ctx, tx.tx, key)
}

func getValue(ctx context.Context, ex executor, key string) (string, error) {
	var value string
	err := ex.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return value, nil
}

// SetValue stores value under key, replacing any previous value.
func (db *DB) SetValue(ctx context.Context, key, value string) error {
	return setValue(ctx, db.conn, key, value)
}

// SetValue stores value under key within the transaction.
func (tx *Tx) SetValue(ctx context.Context, key, value string) error {
	return setValue(ctx, tx.tx, key, value)
}

func setValue(ctx context.Context, ex executor, key, value string) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}
	query := `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`
	if _, err := ex.ExecContext(ctx, query, key, value, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

// DeleteValue removes key. Returns nil if the key doesn't exist.
func (db *DB) DeleteValue(ctx context.Context, key string) error {
	return deleteValue(ctx, db.conn, key)
}

// DeleteValue removes key within the transaction.
func (tx *Tx) DeleteValue(ctx context.Context, key string) error {
	return deleteValue(ctx, tx.tx, key)
}

func deleteValue(ctx context.Context, ex executor, key string) error {
	if _, err := ex.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// KeysWithPrefix lists keys starting with prefix, sorted.
func (db *DB) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
