package database

import (
	"context"
	"strings"
	"time"
)

// InitSchema creates the tables synchronously so the app can accept
// traffic immediately. The bounds index is built later by
// EnsureIndexesAsync.
func (db *Database) InitSchema(ctx context.Context) error {
	var stmts []string

	switch db.Driver {
	case "pgx":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS records (
  id         TEXT PRIMARY KEY,
  lat        DOUBLE PRECISION NOT NULL,
  lon        DOUBLE PRECISION NOT NULL,
  category   TEXT,
  attributes TEXT
)`,
			`CREATE TABLE IF NOT EXISTS record_classes (
  id    TEXT PRIMARY KEY,
  class TEXT NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS kv_store (
  k          TEXT PRIMARY KEY,
  v          BYTEA,
  updated_at BIGINT
)`,
		}
	case "genji":
		// Genji has its own type names and no NOT NULL on DOUBLE columns.
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS records (
  id         TEXT PRIMARY KEY,
  lat        DOUBLE,
  lon        DOUBLE,
  category   TEXT,
  attributes TEXT
)`,
			`CREATE TABLE IF NOT EXISTS record_classes (
  id    TEXT PRIMARY KEY,
  class TEXT
)`,
			`CREATE TABLE IF NOT EXISTS kv_store (
  k          TEXT PRIMARY KEY,
  v          BLOB,
  updated_at INTEGER
)`,
		}
	default: // sqlite, chai, duckdb
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS records (
  id         TEXT PRIMARY KEY,
  lat        DOUBLE NOT NULL,
  lon        DOUBLE NOT NULL,
  category   TEXT,
  attributes TEXT
)`,
			`CREATE TABLE IF NOT EXISTS record_classes (
  id    TEXT PRIMARY KEY,
  class TEXT NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS kv_store (
  k          TEXT PRIMARY KEY,
  v          BLOB,
  updated_at BIGINT
)`,
		}
	}
	return db.execStatements(ctx, stmts)
}

// execStatements runs DDL one statement at a time; not every driver
// accepts multi-statement Exec calls.
func (db *Database) execStatements(ctx context.Context, stmts []string) error {
	for _, raw := range stmts {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.DB.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// EnsureIndexesAsync builds the non-critical indexes in the background.
// Locked databases are retried with exponential backoff capped at 1s.
func (db *Database) EnsureIndexesAsync(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	indexes := []struct{ name, sql string }{
		{"idx_records_lat_lon", "CREATE INDEX IF NOT EXISTS idx_records_lat_lon ON records (lat, lon)"},
		{"idx_records_category", "CREATE INDEX IF NOT EXISTS idx_records_category ON records (category)"},
	}

	go func() {
		defer close(done)
		for _, it := range indexes {
			start := time.Now()
			backoff := 50 * time.Millisecond
			for {
				select {
				case <-ctx.Done():
					db.logf("stop index builder: %v", ctx.Err())
					return
				default:
				}

				_, err := db.DB.ExecContext(ctx, it.sql)
				if err == nil {
					db.logf("index %s ready in %s", it.name, time.Since(start).Truncate(time.Millisecond))
					break
				}
				msg := strings.ToLower(err.Error())
				if strings.Contains(msg, "already exists") {
					break
				}
				if strings.Contains(msg, "locked") || strings.Contains(msg, "busy") {
					time.Sleep(backoff)
					if backoff < time.Second {
						backoff *= 2
					}
					continue
				}
				db.logf("index %s failed: %v", it.name, err)
				break
			}
		}
	}()
	return done
}
