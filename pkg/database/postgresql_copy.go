//go:build !(windows && 386)

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"geocluster-map/pkg/geo"
)

// insertRecordsPostgreSQLCopy streams a chunk of records into PostgreSQL
// using COPY. A temporary table keeps the ON CONFLICT policy of the main
// table while retaining COPY's throughput.
func (db *Database) insertRecordsPostgreSQLCopy(ctx context.Context, chunk []geo.SpatialRecord) error {
	if len(chunk) == 0 {
		return nil
	}
	if db == nil || db.DB == nil {
		return fmt.Errorf("database unavailable")
	}

	conn, err := db.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open postgres connection: %w", err)
	}
	defer conn.Close()

	isPgx := false
	_ = conn.Raw(func(driverConn any) error {
		_, isPgx = driverConn.(*stdlib.Conn)
		return nil
	})
	if !isPgx {
		return errNotPgxConn
	}

	// Temporary scope avoids cross-connection contention; the suffix keeps
	// names unique per call.
	tempTable := fmt.Sprintf("temp_records_%d", time.Now().UnixNano())
	createTemp := fmt.Sprintf(`CREATE TEMP TABLE %s (
id TEXT,
lat DOUBLE PRECISION,
lon DOUBLE PRECISION,
category TEXT,
attributes TEXT
)`, tempTable)
	if _, err := conn.ExecContext(ctx, createTemp); err != nil {
		return fmt.Errorf("create temp table: %w", err)
	}

	// Detached context so cleanup still runs when ctx is already cancelled.
	dropCtx, dropCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer dropCancel()
	defer conn.ExecContext(dropCtx, fmt.Sprintf("DROP TABLE IF EXISTS %s", tempTable))

	rows := make([][]any, 0, len(chunk))
	for _, r := range chunk {
		rows = append(rows, []any{r.ID, r.Lat, r.Lon, r.Category, nullableJSON(r.Attributes)})
	}

	copyErr := conn.Raw(func(driverConn any) error {
		direct := driverConn.(*stdlib.Conn)
		_, err := direct.Conn().CopyFrom(
			ctx,
			pgx.Identifier{tempTable},
			[]string{"id", "lat", "lon", "category", "attributes"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
	if copyErr != nil {
		return fmt.Errorf("copy records into temp table: %w", copyErr)
	}

	insertFromTemp := fmt.Sprintf(`INSERT INTO records (id, lat, lon, category, attributes)
SELECT id, lat, lon, category, attributes FROM %s
ON CONFLICT (id) DO NOTHING`, tempTable)
	if _, err := conn.ExecContext(ctx, insertFromTemp); err != nil {
		return fmt.Errorf("merge temp records: %w", err)
	}
	return nil
}
