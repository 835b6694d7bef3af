package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand/v2"

	"github.com/google/uuid"

	"geocluster-map/pkg/config"
	"geocluster-map/pkg/database"
	"geocluster-map/pkg/geo"
)

var seedCategories = []string{"sensor", "station", "sample", "report"}

// seedRecords inserts n demo records scattered around the default view so a
// fresh install has something to cluster.
func seedRecords(ctx context.Context, db *database.Database, n int, view config.View) error {
	recs := demoRecords(rand.New(rand.NewPCG(uint64(n), 0x5eed)), n, view)
	if err := db.InsertRecords(ctx, recs); err != nil {
		return err
	}
	log.Printf("seeded %d demo records around %.5f,%.5f", len(recs), view.Lat, view.Lon)
	return nil
}

// demoRecords draws points from a few gaussian blobs so clusters of very
// different sizes show up at every zoom.
func demoRecords(rng *rand.Rand, n int, view config.View) []geo.SpatialRecord {
	span := view.HalfSpanDeg
	if span <= 0 {
		span = 0.25
	}
	type blob struct{ lat, lon, sigma float64 }
	blobs := make([]blob, 5)
	for i := range blobs {
		blobs[i] = blob{
			lat:   view.Lat + (rng.Float64()*2-1)*span,
			lon:   view.Lon + (rng.Float64()*2-1)*span,
			sigma: span * (0.02 + rng.Float64()*0.15),
		}
	}

	out := make([]geo.SpatialRecord, 0, n)
	for len(out) < n {
		b := blobs[rng.IntN(len(blobs))]
		lat := b.lat + rng.NormFloat64()*b.sigma
		lon := b.lon + rng.NormFloat64()*b.sigma
		if math.Abs(lat) > 85 || math.Abs(lon) > 180 {
			continue
		}
		attrs, _ := json.Marshal(map[string]any{
			"value": math.Round(rng.ExpFloat64()*100) / 100,
			"label": fmt.Sprintf("demo %d", len(out)+1),
		})
		out = append(out, geo.SpatialRecord{
			ID:         uuid.NewString(),
			Lat:        lat,
			Lon:        lon,
			Category:   seedCategories[rng.IntN(len(seedCategories))],
			Attributes: attrs,
		})
	}
	return out
}
