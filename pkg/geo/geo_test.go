package geo

import (
	"errors"
	"math"
	"testing"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		b    ViewportBounds
		ok   bool
	}{
		{name: "vancouver", b: ViewportBounds{North: 49.30, South: 49.26, East: -123.10, West: -123.15}, ok: true},
		{name: "flat", b: ViewportBounds{North: 1, South: 1, East: 2, West: 1}, ok: true},
		{name: "north below south", b: ViewportBounds{North: 1, South: 2, East: 2, West: 1}},
		{name: "antimeridian", b: ViewportBounds{North: 1, South: 0, East: -179, West: 179}},
		{name: "nan", b: ViewportBounds{North: math.NaN(), South: 0, East: 1, West: 0}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.b.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate(%s) = %v, want nil", tc.b, err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidBounds) {
				t.Fatalf("Validate(%s) = %v, want ErrInvalidBounds", tc.b, err)
			}
		})
	}
}

func TestPadClampsToGlobe(t *testing.T) {
	t.Parallel()

	b := ViewportBounds{North: 89, South: -89, East: 179, West: -179}
	p := b.Pad(0.15)
	if p.North != 90 || p.South != -90 || p.East != 180 || p.West != -180 {
		t.Fatalf("Pad = %s, want the whole globe", p)
	}

	small := ViewportBounds{North: 10, South: 0, East: 10, West: 0}
	p = small.Pad(0.1)
	if p.North != 11 || p.South != -1 || p.East != 11 || p.West != -1 {
		t.Fatalf("Pad = %s, want 1 degree margins", p)
	}
	if !p.Contains(small) {
		t.Fatalf("padded %s should contain %s", p, small)
	}
}

func TestDedupeRecordsKeepsFirst(t *testing.T) {
	t.Parallel()

	in := []SpatialRecord{
		{ID: "a", Lat: 1},
		{ID: "b", Lat: 2},
		{ID: "a", Lat: 3},
	}
	out := DedupeRecords(in)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].Lat != 1 {
		t.Fatalf("first occurrence lost: %+v", out[0])
	}
}
