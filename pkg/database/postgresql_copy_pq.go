//go:build windows && 386

package database

import (
	"context"

	"geocluster-map/pkg/geo"
)

// lib/pq stands in for pgx on this platform; InsertRecords falls back to
// batched INSERT statements.
func (db *Database) insertRecordsPostgreSQLCopy(context.Context, []geo.SpatialRecord) error {
	return errNotPgxConn
}
