// Package boundscache remembers the last rectangle that was loaded in full so
// the engine can skip fetches for viewports that are already covered.
package boundscache

import "geocluster-map/pkg/geo"

// Cache tracks exactly one rectangle: the most recently loaded one.
// It has a single owner (the engine's recompute pass) and is therefore not
// guarded; passes never overlap.
type Cache struct {
	loaded geo.ViewportBounds
	ok     bool
}

// New returns an empty cache. IsCovered reports false until RecordLoaded.
func New() *Cache { return &Cache{} }

// RecordLoaded overwrites the stored rectangle. Callers pass the padded
// rectangle they actually fetched, not the visible one.
func (c *Cache) RecordLoaded(b geo.ViewportBounds) {
	c.loaded = b
	c.ok = true
}

// IsCovered reports whether the stored rectangle fully contains req.
// A degenerate stored rectangle never covers anything so malformed input
// cannot produce a false "already loaded" answer.
func (c *Cache) IsCovered(req geo.ViewportBounds) bool {
	if !c.ok || c.loaded.Degenerate() {
		return false
	}
	return c.loaded.Contains(req)
}

// Loaded returns a copy of the stored rectangle and whether one exists.
func (c *Cache) Loaded() (geo.ViewportBounds, bool) { return c.loaded, c.ok }

// Reset forgets the stored rectangle so the next request refetches.
func (c *Cache) Reset() {
	c.loaded = geo.ViewportBounds{}
	c.ok = false
}
