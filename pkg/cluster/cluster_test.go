package cluster

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"geocluster-map/pkg/geo"
)

var vancouver = geo.ViewportBounds{North: 49.30, South: 49.26, East: -123.10, West: -123.15}

func quiet(string, ...any) {}

func randomRecords(r *rand.Rand, n int, b geo.ViewportBounds) []geo.SpatialRecord {
	out := make([]geo.SpatialRecord, n)
	for i := range out {
		out[i] = geo.SpatialRecord{
			ID:       fmt.Sprintf("r%04d", i),
			Lat:      b.South + r.Float64()*(b.North-b.South),
			Lon:      b.West + r.Float64()*(b.East-b.West),
			Category: "sensor",
		}
	}
	return out
}

func TestClusterIsOrderIndependent(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewSource(42))
	c := New(Options{Logf: quiet})
	base := randomRecords(r, 300, vancouver)

	for _, zoom := range []float64{8, 11, 12, 13.5, 14} {
		want, err := c.Cluster(base, vancouver, zoom)
		if err != nil {
			t.Fatalf("Cluster zoom=%v: %v", zoom, err)
		}
		for i := 0; i < 10; i++ {
			shuffled := append([]geo.SpatialRecord(nil), base...)
			r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
			got, err := c.Cluster(shuffled, vancouver, zoom)
			if err != nil {
				t.Fatalf("Cluster: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("zoom=%v permutation %d changed the output", zoom, i)
			}
		}
	}
}

func TestNoClustersAboveMaxZoom(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewSource(7))
	pts := randomRecords(r, 200, vancouver)

	tests := []struct {
		maxZoom float64
		zoom    float64
	}{
		{14, 14.01},
		{14, 15},
		{14, 22},
		{18, 18.5},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(fmt.Sprintf("max%v_zoom%v", tc.maxZoom, tc.zoom), func(t *testing.T) {
			t.Parallel()
			c := New(Options{ClusterMaxZoom: tc.maxZoom, Logf: quiet})
			got, err := c.Cluster(pts, vancouver, tc.zoom)
			if err != nil {
				t.Fatalf("Cluster: %v", err)
			}
			clusters, points := Counts(got)
			if clusters != 0 {
				t.Fatalf("got %d clusters above max zoom", clusters)
			}
			if points != len(pts) {
				t.Fatalf("got %d points, want %d", points, len(pts))
			}
		})
	}
}

func TestTwoCellsProduceTwoClusters(t *testing.T) {
	t.Parallel()

	c := New(Options{Logf: quiet})
	// Cell edge at zoom 12 is 90/4096 ≈ 0.022°, so these two groups sit in
	// columns 0 and 1 of the bottom row.
	var pts []geo.SpatialRecord
	for i := 0; i < 5; i++ {
		pts = append(pts,
			geo.SpatialRecord{ID: fmt.Sprintf("w%d", i), Lat: 49.262 + float64(i)*0.001, Lon: -123.148 + float64(i)*0.001},
			geo.SpatialRecord{ID: fmt.Sprintf("e%d", i), Lat: 49.262 + float64(i)*0.001, Lon: -123.126 + float64(i)*0.001},
		)
	}

	got, err := c.Cluster(pts, vancouver, 12)
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d features, want 2: %#v", len(got), got)
	}
	total := 0
	for _, f := range got {
		cl, ok := f.(Cluster)
		if !ok {
			t.Fatalf("feature %#v is not a cluster", f)
		}
		if cl.Count != len(cl.MemberIDs) {
			t.Fatalf("count %d != members %d", cl.Count, len(cl.MemberIDs))
		}
		total += cl.Count
	}
	if total != 10 {
		t.Fatalf("counts sum to %d, want 10", total)
	}
	if got[0].(Cluster).CellID == got[1].(Cluster).CellID {
		t.Fatalf("both clusters share cell id %s", got[0].(Cluster).CellID)
	}
}

func TestSingletonCellsBecomePoints(t *testing.T) {
	t.Parallel()

	c := New(Options{Logf: quiet})
	pts := []geo.SpatialRecord{
		{ID: "b", Lat: 49.262, Lon: -123.148},
		{ID: "a", Lat: 49.298, Lon: -123.101},
	}
	got, err := c.Cluster(pts, vancouver, 12)
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	want := []Feature{
		Point{ID: "a", Lat: 49.298, Lon: -123.101},
		Point{ID: "b", Lat: 49.262, Lon: -123.148},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestInvalidAndOutsideRecordsAreSkipped(t *testing.T) {
	t.Parallel()

	var logged int
	c := New(Options{Logf: func(string, ...any) { logged++ }})
	pts := []geo.SpatialRecord{
		{ID: "nan", Lat: math.NaN(), Lon: -123.12},
		{ID: "far", Lat: 91, Lon: -123.12},
		{ID: "outside", Lat: 10, Lon: 10},
		{ID: "ok", Lat: 49.28, Lon: -123.12},
	}
	got, err := c.Cluster(pts, vancouver, 12)
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if len(got) != 1 || got[0].(Point).ID != "ok" {
		t.Fatalf("got %#v", got)
	}
	if logged != 2 {
		t.Fatalf("logged %d input errors, want 2", logged)
	}
}

func TestAboveMaxZoomKeepsEveryValidRecord(t *testing.T) {
	t.Parallel()

	var logged int
	c := New(Options{Logf: func(string, ...any) { logged++ }})
	pts := []geo.SpatialRecord{
		{ID: "outside", Lat: 10, Lon: 10},
		{ID: "nan", Lat: math.NaN(), Lon: -123.12},
		{ID: "ok", Lat: 49.28, Lon: -123.12},
	}
	got, err := c.Cluster(pts, vancouver, 15)
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	want := []Feature{
		Point{ID: "ok", Lat: 49.28, Lon: -123.12},
		Point{ID: "outside", Lat: 10, Lon: 10},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
	if logged != 1 {
		t.Fatalf("logged %d input errors, want 1", logged)
	}
}

func TestCellEdgesBelongToHigherCell(t *testing.T) {
	t.Parallel()

	const zoom = 12
	// The cell size is 45/2048 and west/south are multiples of 1/2048, so
	// every edge below is exact in binary.
	b := geo.ViewportBounds{North: 49.375, South: 49.25, East: -123.0, West: -123.125}
	c := New(Options{Logf: quiet})
	size := c.CellSizeDeg(zoom)
	if size != 90.0/4096 {
		t.Fatalf("cell size = %v", size)
	}

	tests := []struct {
		name   string
		lat    float64
		lon    float64
		ix, iy int64
	}{
		{"west edge", b.South + size/2, b.West, 0, 0},
		{"first vertical edge", b.South + size/2, b.West + size, 1, 0},
		{"first horizontal edge", b.South + size, b.West + size/2, 0, 1},
		{"shared corner", b.South + size, b.West + size, 1, 1},
		{"second vertical edge", b.South + size/2, b.West + 2*size, 2, 0},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if (tc.lon-b.West)/size != float64(tc.ix) || (tc.lat-b.South)/size != float64(tc.iy) {
				t.Fatalf("edge not exactly representable: %v,%v", tc.lat, tc.lon)
			}
			pts := []geo.SpatialRecord{
				{ID: "a", Lat: tc.lat, Lon: tc.lon},
				{ID: "b", Lat: tc.lat, Lon: tc.lon},
			}
			got, err := c.Cluster(pts, b, zoom)
			if err != nil {
				t.Fatalf("Cluster: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("got %d features, want 1 cluster", len(got))
			}
			cl, ok := got[0].(Cluster)
			if !ok {
				t.Fatalf("feature %#v is not a cluster", got[0])
			}
			if want := cellID(zoom, cellKey{ix: tc.ix, iy: tc.iy}); cl.CellID != want {
				t.Fatalf("cell id %s, want %s for cell (%d,%d)", cl.CellID, want, tc.ix, tc.iy)
			}
		})
	}
}

func TestDisabledClusteringEmitsPoints(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewSource(3))
	pts := randomRecords(r, 50, vancouver)
	c := New(Options{Logf: quiet}).WithEnabled(false)
	got, err := c.Cluster(pts, vancouver, 3)
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if clusters, points := Counts(got); clusters != 0 || points != 50 {
		t.Fatalf("clusters=%d points=%d", clusters, points)
	}
}

func TestInvalidBoundsRejected(t *testing.T) {
	t.Parallel()

	c := New(Options{Logf: quiet})
	_, err := c.Cluster(nil, geo.ViewportBounds{North: 1, South: 2, East: 3, West: 0}, 10)
	if err == nil {
		t.Fatalf("expected error for inverted bounds")
	}
}

func TestToGeoJSON(t *testing.T) {
	t.Parallel()

	fc := ToGeoJSON([]Feature{
		Cluster{CentroidLat: 1, CentroidLon: 2, Count: 3, MemberIDs: []string{"a", "b", "c"}, CellID: "abc"},
		Point{ID: "p", Lat: 5, Lon: 6, Category: "x", Attributes: json.RawMessage(`{"k":1}`)},
	})
	if len(fc.Features) != 2 {
		t.Fatalf("features = %d", len(fc.Features))
	}
	raw, err := json.Marshal(fc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded struct {
		Features []struct {
			Geometry struct {
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	cl := decoded.Features[0]
	if cl.Properties["point_count"] != float64(3) || cl.Properties["cluster_id"] != "abc" {
		t.Fatalf("cluster properties = %v", cl.Properties)
	}
	if !reflect.DeepEqual(cl.Geometry.Coordinates, []float64{2, 1}) {
		t.Fatalf("cluster coordinates = %v", cl.Geometry.Coordinates)
	}
	pt := decoded.Features[1]
	if pt.Properties["category"] != "x" {
		t.Fatalf("point properties = %v", pt.Properties)
	}
	attrs, _ := pt.Properties["attributes"].(map[string]any)
	if attrs["k"] != float64(1) {
		t.Fatalf("attributes = %v", pt.Properties["attributes"])
	}
}
