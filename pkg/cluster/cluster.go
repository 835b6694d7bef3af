// Package cluster aggregates the points of one viewport into grid cells.
//
// Clustering is a pure function of (points, bounds, zoom, options): the same
// input set produces byte-identical output whatever order the points arrive
// in. No index is kept between passes.
package cluster

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"

	"geocluster-map/pkg/geo"
)

// Feature is either a Point or a Cluster. Consumers dispatch with a type
// switch.
type Feature interface {
	isFeature()
}

// Point is a single record rendered on its own.
type Point struct {
	ID         string
	Lat        float64
	Lon        float64
	Category   string
	Attributes json.RawMessage
}

// Cluster stands in for several records that share a grid cell.
type Cluster struct {
	CentroidLat float64
	CentroidLon float64
	Count       int
	MemberIDs   []string
	CellID      string
}

func (Point) isFeature()   {}
func (Cluster) isFeature() {}

// InputError describes a record that was dropped from a pass because its
// coordinates are unusable. It is logged; the pass continues.
type InputError struct {
	ID  string
	Lat float64
	Lon float64
}

func (e *InputError) Error() string {
	return fmt.Sprintf("record %q has invalid coordinates lat=%v lon=%v", e.ID, e.Lat, e.Lon)
}

// Defaults; BaseCellSizeDeg at zoom 0 is roughly a 64px cell on 256px tiles.
const (
	DefaultClusterMaxZoom  = 14
	DefaultBaseCellSizeDeg = 90
	DefaultMinClusterSize  = 2
)

// Options tunes the grid. Zero values fall back to the defaults above.
type Options struct {
	ClusterMaxZoom  float64
	BaseCellSizeDeg float64
	BaseZoom        float64
	MinClusterSize  int
	Disabled        bool
	Logf            func(string, ...any)
}

// Clusterer groups points into cells sized by zoom.
type Clusterer struct {
	opts Options
}

// New fills option defaults.
func New(opts Options) *Clusterer {
	if opts.ClusterMaxZoom <= 0 {
		opts.ClusterMaxZoom = DefaultClusterMaxZoom
	}
	if opts.BaseCellSizeDeg <= 0 {
		opts.BaseCellSizeDeg = DefaultBaseCellSizeDeg
	}
	if opts.MinClusterSize < 2 {
		opts.MinClusterSize = DefaultMinClusterSize
	}
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	return &Clusterer{opts: opts}
}

// Options returns the effective configuration.
func (c *Clusterer) Options() Options { return c.opts }

// WithEnabled returns a copy of c with clustering switched on or off.
func (c *Clusterer) WithEnabled(enabled bool) *Clusterer {
	opts := c.opts
	opts.Disabled = !enabled
	return &Clusterer{opts: opts}
}

// CellSizeDeg is the edge length of one grid cell at zoom.
func (c *Clusterer) CellSizeDeg(zoom float64) float64 {
	return c.opts.BaseCellSizeDeg / math.Pow(2, zoom-c.opts.BaseZoom)
}

type cellKey struct{ ix, iy int64 }

// Cluster returns the features for points at zoom. Above ClusterMaxZoom every
// valid input record becomes a Point; otherwise only points inside bounds are
// grouped. Clusters come first ordered by (iy, ix), then single points
// ordered by ID.
func (c *Clusterer) Cluster(points []geo.SpatialRecord, bounds geo.ViewportBounds, zoom float64) ([]Feature, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	unclustered := zoom > c.opts.ClusterMaxZoom

	if unclustered || c.opts.Disabled {
		out := make([]Point, 0, len(points))
		for _, p := range points {
			if !c.valid(p) || (!unclustered && !bounds.ContainsPoint(p.Lat, p.Lon)) {
				continue
			}
			out = append(out, pointOf(p))
		}
		return sortedPoints(nil, out), nil
	}

	// Points on a cell edge fall to the higher cell: floor is half-open.
	size := c.CellSizeDeg(zoom)
	cells := make(map[cellKey][]geo.SpatialRecord)
	for _, p := range points {
		if !c.valid(p) || !bounds.ContainsPoint(p.Lat, p.Lon) {
			continue
		}
		k := cellKey{
			ix: int64(math.Floor((p.Lon - bounds.West) / size)),
			iy: int64(math.Floor((p.Lat - bounds.South) / size)),
		}
		cells[k] = append(cells[k], p)
	}

	keys := make([]cellKey, 0, len(cells))
	for k := range cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].iy != keys[j].iy {
			return keys[i].iy < keys[j].iy
		}
		return keys[i].ix < keys[j].ix
	})

	var (
		clusters []Feature
		singles  []Point
	)
	for _, k := range keys {
		members := cells[k]
		if len(members) < c.opts.MinClusterSize {
			for _, p := range members {
				singles = append(singles, pointOf(p))
			}
			continue
		}
		// Member order fixes the summation order, so centroids come out
		// bit-identical for every input permutation.
		sortRecords(members)
		var sumLat, sumLon float64
		ids := make([]string, len(members))
		for i, p := range members {
			sumLat += p.Lat
			sumLon += p.Lon
			ids[i] = p.ID
		}
		n := float64(len(members))
		clusters = append(clusters, Cluster{
			CentroidLat: sumLat / n,
			CentroidLon: sumLon / n,
			Count:       len(members),
			MemberIDs:   ids,
			CellID:      cellID(zoom, k),
		})
	}
	return sortedPoints(clusters, singles), nil
}

func (c *Clusterer) valid(p geo.SpatialRecord) bool {
	if geo.ValidCoordinate(p.Lat, p.Lon) {
		return true
	}
	c.opts.Logf("[cluster] %v", &InputError{ID: p.ID, Lat: p.Lat, Lon: p.Lon})
	return false
}

// sortedPoints appends pts to out ordered by ID, coordinates breaking ties.
func sortedPoints(out []Feature, pts []Point) []Feature {
	sort.Slice(pts, func(i, j int) bool {
		return lessRecord(pts[i].ID, pts[i].Lat, pts[i].Lon, pts[i].Category,
			pts[j].ID, pts[j].Lat, pts[j].Lon, pts[j].Category)
	})
	if out == nil {
		out = make([]Feature, 0, len(pts))
	}
	for _, p := range pts {
		out = append(out, p)
	}
	return out
}

func pointOf(p geo.SpatialRecord) Point {
	return Point{ID: p.ID, Lat: p.Lat, Lon: p.Lon, Category: p.Category, Attributes: p.Attributes}
}

// sortRecords orders by ID with coordinates as tie-breakers so duplicate IDs
// still sort the same way for every permutation.
func sortRecords(rs []geo.SpatialRecord) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		return lessRecord(a.ID, a.Lat, a.Lon, a.Category, b.ID, b.Lat, b.Lon, b.Category)
	})
}

func lessRecord(aID string, aLat, aLon float64, aCat string, bID string, bLat, bLon float64, bCat string) bool {
	if aID != bID {
		return aID < bID
	}
	if aLat != bLat {
		return aLat < bLat
	}
	if aLon != bLon {
		return aLon < bLon
	}
	return aCat < bCat
}

func cellID(zoom float64, k cellKey) string {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:], math.Float64bits(zoom))
	binary.LittleEndian.PutUint64(buf[8:], uint64(k.ix))
	binary.LittleEndian.PutUint64(buf[16:], uint64(k.iy))
	return fmt.Sprintf("%016x", xxhash.Sum64(buf[:]))
}
