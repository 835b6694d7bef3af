package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Get implements store.Store over the kv_store table.
func (db *Database) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := db.DB.QueryRowContext(ctx, "SELECT v FROM kv_store WHERE k = "+db.ph(1), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get %q: %w", key, err)
	}
	return v, true, nil
}

// Set stores value under key, replacing any previous value.
func (db *Database) Set(ctx context.Context, key string, value []byte) error {
	var query string
	switch db.Driver {
	case "genji":
		query = "INSERT INTO kv_store (k, v, updated_at) VALUES (?, ?, ?) ON CONFLICT DO REPLACE"
	default:
		query = fmt.Sprintf(`INSERT INTO kv_store (k, v, updated_at) VALUES (%s, %s, %s)
ON CONFLICT (k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at`,
			db.ph(1), db.ph(2), db.ph(3))
	}
	if value == nil {
		value = []byte{}
	}
	if _, err := db.DB.ExecContext(ctx, query, key, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("kv set %q: %w", key, err)
	}
	return nil
}

// Remove deletes key; missing keys are not an error.
func (db *Database) Remove(ctx context.Context, key string) error {
	if _, err := db.DB.ExecContext(ctx, "DELETE FROM kv_store WHERE k = "+db.ph(1), key); err != nil {
		return fmt.Errorf("kv remove %q: %w", key, err)
	}
	return nil
}
