package database

import (
	"context"
	"fmt"

	"geocluster-map/pkg/geo"
	"geocluster-map/pkg/loader"
)

// RecordSource adapts a Database to the loader's Fetcher and to the
// engine's per-record lookups.
type RecordSource struct {
	DB *Database
	// MaxRecords caps FetchInBounds; zero means unlimited.
	MaxRecords int
}

// FetchInBounds streams every record inside b.
func (s RecordSource) FetchInBounds(ctx context.Context, b geo.ViewportBounds) ([]geo.SpatialRecord, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recs, errs := s.DB.StreamRecordsInBounds(ctx, b)
	var out []geo.SpatialRecord
	for r := range recs {
		out = append(out, r)
		if s.MaxRecords > 0 && len(out) >= s.MaxRecords {
			cancel()
			break
		}
	}
	// Drain so the producer goroutine can exit.
	for range recs {
	}
	if err := <-errs; err != nil && !(s.MaxRecords > 0 && len(out) >= s.MaxRecords) {
		return nil, err
	}
	return out, nil
}

// FetchPage returns records [offset, offset+limit) of b ordered by ID and
// the total count.
func (s RecordSource) FetchPage(ctx context.Context, b geo.ViewportBounds, offset, limit int) (loader.Page, error) {
	total, err := s.DB.CountRecordsInBounds(ctx, b)
	if err != nil {
		return loader.Page{}, err
	}
	recs, err := s.DB.GetRecordsInBounds(ctx, b, offset, limit)
	if err != nil {
		return loader.Page{}, fmt.Errorf("page at %d: %w", offset, err)
	}
	return loader.Page{Records: recs, Total: total}, nil
}

// RecordVariant resolves the visual variant of one record.
func (s RecordSource) RecordVariant(ctx context.Context, id string) (string, error) {
	return s.DB.RecordVariant(ctx, id)
}

// LookupRecord loads one record.
func (s RecordSource) LookupRecord(ctx context.Context, id string) (geo.SpatialRecord, error) {
	return s.DB.GetRecord(ctx, id)
}
