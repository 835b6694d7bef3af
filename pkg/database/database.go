package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"runtime"
	"strings"
	"time"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// Database wraps the SQL handle together with the normalised driver name so
// query builders can pick the right dialect.
type Database struct {
	DB     *sql.DB // The underlying SQL database connection
	Driver string  // Normalized driver name so SQL builders can stay declarative
	logf   func(string, ...any)
}

// normalizeDBType trims and lowercases driver names so downstream switch
// blocks do not miss dialect handling because of mixed case input.
func normalizeDBType(dbType string) string {
	return strings.ToLower(strings.TrimSpace(dbType))
}

// Config holds the configuration details for initializing the database.
type Config struct {
	DBType    string // "sqlite", "chai", "genji", "duckdb" or "pgx" (PostgreSQL)
	DBPath    string // The file path to the database file (for file-based databases)
	DBConn    string // Raw DSN for pgx; overrides the discrete fields below
	DBHost    string // The host for PostgreSQL
	DBPort    int    // The port for PostgreSQL
	DBUser    string // The user for PostgreSQL
	DBPass    string // The password for PostgreSQL
	DBName    string // The name of the PostgreSQL database
	PGSSLMode string // The SSL mode for PostgreSQL
	Port      int    // The HTTP port (used in default database file naming)
	Logf      func(string, ...any)
}

// NewDatabase opens DB and configures connection pooling.
// For SQLite/Chai/Genji/DuckDB we force single-connection mode.
func NewDatabase(config Config) (*Database, error) {
	logf := config.Logf
	if logf == nil {
		logf = log.Printf
	}
	driverName := normalizeDBType(config.DBType)
	var (
		dsn                string
		applySQLitePragmas bool
	)

	switch driverName {
	case "sqlite":
		applySQLitePragmas = true
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("geocluster-%d.%s", config.Port, driverName)
		}
	case "chai", "genji":
		// Both manage their own storage tuning; only the DSN convention is shared.
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("geocluster-%d.%s", config.Port, driverName)
		}
	case "duckdb":
		dsn = config.DBPath
		if dsn == "" {
			dsn = fmt.Sprintf("geocluster-%d.duckdb", config.Port)
		}
	case "pgx":
		if strings.TrimSpace(config.DBConn) != "" {
			dsn = config.DBConn
		} else {
			sslmode := config.PGSSLMode
			if sslmode == "" {
				sslmode = "disable"
			}
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				config.DBUser, config.DBPass, config.DBHost, config.DBPort, config.DBName, sslmode)
		}
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.DBType)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening the database: %w", err)
	}

	switch driverName {
	case "sqlite", "chai", "genji":
		// One physical connection; also keeps ":memory:" databases alive.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if applySQLitePragmas {
			tuneCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := tuneSQLiteLikeConnection(tuneCtx, db, logf); err != nil {
				logf("sqlite tuning skipped: %v", err)
			}
			cancel()
		}
	case "duckdb":
		// A single writer avoids unique-key races between ingestion and KV writes.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		tuneCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := tuneDuckDBConnection(tuneCtx, db, logf); err != nil {
			logf("duckdb tuning skipped: %v", err)
		}
		cancel()
	case "pgx":
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(8)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	// Cheap liveness probe with timeout so we don't hang at startup
	{
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("error connecting to the database: %w", err)
		}
	}

	logf("Using database driver: %s", driverName)
	return &Database{DB: db, Driver: driverName, logf: logf}, nil
}

// Close releases the connection pool.
func (db *Database) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	return db.DB.Close()
}

// ph returns the i-th (1-based) placeholder in the driver's dialect.
func (db *Database) ph(i int) string {
	if db.Driver == "pgx" {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// tuneSQLiteLikeConnection applies WAL/synchronous/busy pragmas. The steps
// run through a small channel pipeline so the work happens outside the
// caller goroutine.
func tuneSQLiteLikeConnection(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	type pragma struct {
		label     string
		query     string
		expectRow bool
	}

	steps := []pragma{
		{label: "journal_mode", query: "PRAGMA journal_mode=WAL;", expectRow: true},
		{label: "synchronous", query: "PRAGMA synchronous=NORMAL;"},
		{label: "temp_store", query: "PRAGMA temp_store=MEMORY;"},
		{label: "busy_timeout", query: "PRAGMA busy_timeout=5000;"},
	}

	jobs := make(chan pragma)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		for step := range jobs {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}

			if step.expectRow {
				var mode string
				if err := db.QueryRowContext(ctx, step.query).Scan(&mode); err != nil {
					errs <- fmt.Errorf("apply %s: %w", step.label, err)
					return
				}
				logf("SQLite tuning %s -> %s", step.label, mode)
				continue
			}

			if _, err := db.ExecContext(ctx, step.query); err != nil {
				errs <- fmt.Errorf("apply %s: %w", step.label, err)
				return
			}
		}
		errs <- nil
	}()

	go func() {
		defer close(jobs)
		for _, step := range steps {
			select {
			case jobs <- step:
			case <-ctx.Done():
				return
			}
		}
	}()

	return <-errs
}

// tuneDuckDBConnection lets DuckDB use every CPU for vectorised scans and
// raises the checkpoint threshold so bulk ingestion flushes once.
func tuneDuckDBConnection(ctx context.Context, db *sql.DB, logf func(string, ...any)) error {
	threads := runtime.NumCPU()
	if threads < 1 {
		threads = 1
	}
	steps := []struct{ label, query string }{
		{"threads", fmt.Sprintf("PRAGMA threads=%d;", threads)},
		{"checkpoint_threshold", "PRAGMA checkpoint_threshold='1GB';"},
	}
	for _, step := range steps {
		if _, err := db.ExecContext(ctx, step.query); err != nil {
			return fmt.Errorf("apply %s: %w", step.label, err)
		}
		logf("DuckDB tuning %s applied", step.label)
	}
	return nil
}
