//go:build cgo && duckdb && (linux || darwin || windows) && (amd64 || arm64)

// DuckDB needs cgo, so its driver is only linked with -tags duckdb:
//
//	CGO_ENABLED=1 go build -tags duckdb
//
// It accepts "?" placeholders and ON CONFLICT, so the sqlite query
// builders serve it unchanged.

package database

import (
	_ "github.com/marcboeker/go-duckdb"
)
