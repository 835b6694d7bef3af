package boundscache

import (
	"math/rand"
	"testing"

	"geocluster-map/pkg/geo"
)

func TestIsCoveredMatchesContainment(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	rect := func() geo.ViewportBounds {
		s := rng.Float64()*100 - 50
		w := rng.Float64()*200 - 100
		return geo.ViewportBounds{South: s, North: s + rng.Float64()*20, West: w, East: w + rng.Float64()*20}
	}

	for i := 0; i < 2000; i++ {
		a, b := rect(), rect()
		if i%5 == 0 {
			// nest b inside a often enough to exercise the true branch
			b = geo.ViewportBounds{
				North: a.North - (a.North-a.South)/4,
				South: a.South + (a.North-a.South)/4,
				East:  a.East - (a.East-a.West)/4,
				West:  a.West + (a.East-a.West)/4,
			}
		}
		c := New()
		c.RecordLoaded(a)
		want := a.North >= b.North && a.South <= b.South && a.East >= b.East && a.West <= b.West
		if a.North == a.South || a.East == a.West {
			want = false
		}
		if got := c.IsCovered(b); got != want {
			t.Fatalf("IsCovered(%s) after RecordLoaded(%s) = %v, want %v", b, a, got, want)
		}
	}
}

func TestDegenerateNeverCovers(t *testing.T) {
	t.Parallel()

	cases := []geo.ViewportBounds{
		{North: 1, South: 1, East: 5, West: 0},
		{North: 5, South: 0, East: 2, West: 2},
		{North: 0, South: 1, East: 1, West: 0},
	}
	for _, a := range cases {
		c := New()
		c.RecordLoaded(a)
		if c.IsCovered(a) {
			t.Fatalf("degenerate %s reported as covering itself", a)
		}
		if c.IsCovered(geo.ViewportBounds{}) {
			t.Fatalf("degenerate %s reported as covering the zero rectangle", a)
		}
	}
}

func TestEmptyAndReset(t *testing.T) {
	t.Parallel()

	c := New()
	req := geo.ViewportBounds{North: 49.29, South: 49.27, East: -123.11, West: -123.14}
	if c.IsCovered(req) {
		t.Fatalf("empty cache reported coverage")
	}
	c.RecordLoaded(geo.ViewportBounds{North: 49.30, South: 49.26, East: -123.10, West: -123.15})
	if !c.IsCovered(req) {
		t.Fatalf("inner viewport should be covered")
	}
	c.Reset()
	if c.IsCovered(req) {
		t.Fatalf("reset cache still reports coverage")
	}
}
