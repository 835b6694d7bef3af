// Package geo holds the small value types shared by every layer of the
// engine: viewport rectangles and the records placed on the map.
package geo

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidBounds reports a rectangle that breaks North ≥ South, East ≥ West
// or carries non-finite edges. Antimeridian-crossing viewports arrive as
// East < West and are rejected here as well; callers split them if needed.
var ErrInvalidBounds = errors.New("invalid bounds")

// ViewportBounds is an axis-aligned latitude/longitude rectangle in degrees.
// Values are recreated on every move/zoom event and never mutated in place.
type ViewportBounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// SpatialRecord is one geolocated record as returned by a fetcher.
// Records are immutable once fetched; record sets are replaced wholesale.
type SpatialRecord struct {
	ID         string          `json:"id"`
	Lat        float64         `json:"lat"`
	Lon        float64         `json:"lon"`
	Category   string          `json:"category"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// Validate checks the ordering invariants and that every edge is finite.
func (b ViewportBounds) Validate() error {
	for _, v := range [...]float64{b.North, b.South, b.East, b.West} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite edge in %s", ErrInvalidBounds, b)
		}
	}
	if b.North < b.South {
		return fmt.Errorf("%w: north %.6f below south %.6f", ErrInvalidBounds, b.North, b.South)
	}
	if b.East < b.West {
		return fmt.Errorf("%w: east %.6f below west %.6f", ErrInvalidBounds, b.East, b.West)
	}
	return nil
}

// Degenerate reports rectangles with zero width or height (or broken
// invariants). Such rectangles never cover anything.
func (b ViewportBounds) Degenerate() bool {
	if b.Validate() != nil {
		return true
	}
	return b.North == b.South || b.East == b.West
}

// Contains reports whether o lies entirely inside b, edges inclusive.
func (b ViewportBounds) Contains(o ViewportBounds) bool {
	return b.North >= o.North && b.South <= o.South && b.East >= o.East && b.West <= o.West
}

// ContainsPoint reports whether lat/lon falls inside b, edges inclusive.
func (b ViewportBounds) ContainsPoint(lat, lon float64) bool {
	return lat <= b.North && lat >= b.South && lon <= b.East && lon >= b.West
}

// Pad grows the rectangle by ratio of its own height/width on every side and
// clamps the result to the valid latitude/longitude range. Loading a padded
// rectangle lets small pans stay inside the cached area.
func (b ViewportBounds) Pad(ratio float64) ViewportBounds {
	if ratio <= 0 {
		return b
	}
	dLat := (b.North - b.South) * ratio
	dLon := (b.East - b.West) * ratio
	return ViewportBounds{
		North: math.Min(b.North+dLat, 90),
		South: math.Max(b.South-dLat, -90),
		East:  math.Min(b.East+dLon, 180),
		West:  math.Max(b.West-dLon, -180),
	}
}

// Center returns the rectangle midpoint.
func (b ViewportBounds) Center() (lat, lon float64) {
	return (b.North + b.South) / 2, (b.East + b.West) / 2
}

// Around builds a rectangle of the given half extents around a centre point.
func Around(lat, lon, halfLat, halfLon float64) ViewportBounds {
	return ViewportBounds{
		North: math.Min(lat+halfLat, 90),
		South: math.Max(lat-halfLat, -90),
		East:  math.Min(lon+halfLon, 180),
		West:  math.Max(lon-halfLon, -180),
	}
}

// String keeps log lines compact.
func (b ViewportBounds) String() string {
	return fmt.Sprintf("n=%.5f s=%.5f e=%.5f w=%.5f", b.North, b.South, b.East, b.West)
}

// ValidCoordinate reports whether lat/lon are finite and inside the globe.
func ValidCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// DedupeRecords keeps the first occurrence of every ID and preserves order.
// Records without an ID are kept as-is since nothing can collide with them.
func DedupeRecords(in []SpatialRecord) []SpatialRecord {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]SpatialRecord, 0, len(in))
	for _, r := range in {
		if r.ID != "" {
			if _, dup := seen[r.ID]; dup {
				continue
			}
			seen[r.ID] = struct{}{}
		}
		out = append(out, r)
	}
	return out
}
