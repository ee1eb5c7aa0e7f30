// Package cache keeps an id-indexed view of the markers in the latest map
// snapshot.
package cache

import (
	"sort"
	"sync"

	"github.com/OCAP2/worldmap/pkg/core"
)

// MarkerIndex maps marker ids to the markers of the last synced snapshot.
type MarkerIndex struct {
	mu      sync.RWMutex
	markers map[string]core.LocationMarker
}

// NewMarkerIndex creates an empty MarkerIndex.
func NewMarkerIndex() *MarkerIndex {
	return &MarkerIndex{
		markers: make(map[string]core.LocationMarker),
	}
}

// Get retrieves a marker by id.
func (c *MarkerIndex) Get(id string) (core.LocationMarker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.markers[id]
	return m, ok
}

// Len returns the number of indexed markers.
func (c *MarkerIndex) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.markers)
}

// Diff is the change between two synced snapshots. Slices are sorted by id.
type Diff struct {
	Added   []core.LocationMarker
	Removed []core.LocationMarker
	Changed []core.LocationMarker
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Sync replaces the index with markers and reports what changed.
func (c *MarkerIndex) Sync(markers []core.LocationMarker) Diff {
	next := make(map[string]core.LocationMarker, len(markers))
	for _, m := range markers {
		next[m.ID] = m
	}

	c.mu.Lock()
	prev := c.markers
	c.markers = next
	c.mu.Unlock()

	var d Diff
	for id, m := range next {
		old, ok := prev[id]
		switch {
		case !ok:
			d.Added = append(d.Added, m)
		case old != m:
			d.Changed = append(d.Changed, m)
		}
	}
	for id, m := range prev {
		if _, ok := next[id]; !ok {
			d.Removed = append(d.Removed, m)
		}
	}
	byID(d.Added)
	byID(d.Removed)
	byID(d.Changed)
	return d
}

// Reset clears all markers from the index.
func (c *MarkerIndex) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markers = make(map[string]core.LocationMarker)
}

func byID(ms []core.LocationMarker) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].ID < ms[j].ID })
}
