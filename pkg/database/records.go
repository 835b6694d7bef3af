package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"geocluster-map/pkg/geo"
)

const recordColumns = "id, lat, lon, category, attributes"

// errNotPgxConn reports a "pgx" handle backed by another driver (lib/pq on
// windows/386), which cannot COPY through the pgx API.
var errNotPgxConn = errors.New("connection is not a pgx stdlib conn")

// insertChunk bounds one transaction so long imports release the single
// sqlite connection regularly.
const insertChunk = 1000

// InsertRecords stores records, skipping IDs that already exist. Records with
// invalid coordinates are rejected before touching the database.
func (db *Database) InsertRecords(ctx context.Context, records []geo.SpatialRecord) error {
	for _, r := range records {
		if r.ID == "" {
			return errors.New("insert records: empty id")
		}
		if !geo.ValidCoordinate(r.Lat, r.Lon) {
			return fmt.Errorf("insert records: %q has invalid coordinates", r.ID)
		}
	}
	records = geo.DedupeRecords(records)

	for start := 0; start < len(records); start += insertChunk {
		end := start + insertChunk
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		if db.Driver == "pgx" {
			err := db.insertRecordsPostgreSQLCopy(ctx, chunk)
			if err == nil {
				continue
			}
			if !errors.Is(err, errNotPgxConn) {
				return err
			}
			// lib/pq under the pgx name has no COPY helper; use plain inserts.
		}
		if err := db.insertRecordsTx(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (db *Database) insertRecordsTx(ctx context.Context, chunk []geo.SpatialRecord) (err error) {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	conflict := "ON CONFLICT (id) DO NOTHING"
	if db.Driver == "genji" {
		conflict = "ON CONFLICT DO NOTHING"
	}
	query := fmt.Sprintf("INSERT INTO records (%s) VALUES (%s, %s, %s, %s, %s) %s",
		recordColumns, db.ph(1), db.ph(2), db.ph(3), db.ph(4), db.ph(5), conflict)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range chunk {
		if _, err = stmt.ExecContext(ctx, r.ID, r.Lat, r.Lon, r.Category, nullableJSON(r.Attributes)); err != nil {
			return fmt.Errorf("insert record %q: %w", r.ID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// boundsWhere returns the WHERE clause for b starting at placeholder first.
func (db *Database) boundsWhere(first int) string {
	return fmt.Sprintf("lat >= %s AND lat <= %s AND lon >= %s AND lon <= %s",
		db.ph(first), db.ph(first+1), db.ph(first+2), db.ph(first+3))
}

func boundsArgs(b geo.ViewportBounds) []any {
	return []any{b.South, b.North, b.West, b.East}
}

// CountRecordsInBounds counts records inside b, edges inclusive.
func (db *Database) CountRecordsInBounds(ctx context.Context, b geo.ViewportBounds) (int, error) {
	query := "SELECT COUNT(*) FROM records WHERE " + db.boundsWhere(1)
	var n int64
	if err := db.DB.QueryRowContext(ctx, query, boundsArgs(b)...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return int(n), nil
}

// GetRecordsInBounds returns one page of records inside b ordered by ID.
func (db *Database) GetRecordsInBounds(ctx context.Context, b geo.ViewportBounds, offset, limit int) ([]geo.SpatialRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}
	query := fmt.Sprintf("SELECT %s FROM records WHERE %s ORDER BY id LIMIT %s OFFSET %s",
		recordColumns, db.boundsWhere(1), db.ph(5), db.ph(6))
	args := append(boundsArgs(b), limit, offset)
	rows, err := db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out := make([]geo.SpatialRecord, 0, limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// StreamRecordsInBounds streams records row by row through a channel. It
// avoids loading large result sets into memory and stops when ctx is done.
func (db *Database) StreamRecordsInBounds(ctx context.Context, b geo.ViewportBounds) (<-chan geo.SpatialRecord, <-chan error) {
	out := make(chan geo.SpatialRecord)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		query := fmt.Sprintf("SELECT %s FROM records WHERE %s ORDER BY id", recordColumns, db.boundsWhere(1))
		rows, err := db.DB.QueryContext(ctx, query, boundsArgs(b)...)
		if err != nil {
			errCh <- fmt.Errorf("query records: %w", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanRecord(rows)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case out <- r:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := rows.Err(); err != nil {
			errCh <- fmt.Errorf("iterate records: %w", err)
		}
	}()

	return out, errCh
}

// GetRecord returns one record or ErrNotFound.
func (db *Database) GetRecord(ctx context.Context, id string) (geo.SpatialRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM records WHERE id = %s", recordColumns, db.ph(1))
	r, err := scanRecord(db.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return geo.SpatialRecord{}, fmt.Errorf("record %q: %w", id, ErrNotFound)
	}
	return r, err
}

// SetRecordClass assigns an explicit visual variant to a record.
func (db *Database) SetRecordClass(ctx context.Context, id, class string) error {
	var query string
	switch db.Driver {
	case "genji":
		query = "INSERT INTO record_classes (id, class) VALUES (?, ?) ON CONFLICT DO REPLACE"
	default:
		query = fmt.Sprintf("INSERT INTO record_classes (id, class) VALUES (%s, %s) ON CONFLICT (id) DO UPDATE SET class = excluded.class",
			db.ph(1), db.ph(2))
	}
	if _, err := db.DB.ExecContext(ctx, query, id, class); err != nil {
		return fmt.Errorf("set class of %q: %w", id, err)
	}
	return nil
}

// RecordVariant returns the explicit class of a record, falling back to its
// category when none was assigned.
func (db *Database) RecordVariant(ctx context.Context, id string) (string, error) {
	var class string
	err := db.DB.QueryRowContext(ctx, "SELECT class FROM record_classes WHERE id = "+db.ph(1), id).Scan(&class)
	switch {
	case err == nil:
		return class, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("variant of %q: %w", id, err)
	}
	r, err := db.GetRecord(ctx, id)
	if err != nil {
		return "", err
	}
	return r.Category, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (geo.SpatialRecord, error) {
	var (
		r        geo.SpatialRecord
		category sql.NullString
		attrs    sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Lat, &r.Lon, &category, &attrs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scan record: %w", err)
	}
	r.Category = category.String
	if attrs.Valid && attrs.String != "" {
		r.Attributes = json.RawMessage(attrs.String)
	}
	return r, nil
}
