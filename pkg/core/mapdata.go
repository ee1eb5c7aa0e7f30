// pkg/core/mapdata.go
package core

// StorageKey is the key the map blob is stored under in local fallback storage.
const StorageKey = "rpg_world_map_data_v1"

// MapData is the single persisted aggregate: a background plus its markers.
// A nil BackgroundImage means no map has been loaded.
type MapData struct {
	BackgroundImage *string          `json:"backgroundImage"`
	Markers         []LocationMarker `json:"markers"`
}

// EmptyMapData returns the default document.
func EmptyMapData() MapData {
	return MapData{BackgroundImage: nil, Markers: []LocationMarker{}}
}

// Clone returns a deep copy that shares no memory with d.
func (d MapData) Clone() MapData {
	out := MapData{Markers: make([]LocationMarker, len(d.Markers))}
	copy(out.Markers, d.Markers)
	if d.BackgroundImage != nil {
		bg := *d.BackgroundImage
		out.BackgroundImage = &bg
	}
	return out
}

// Background returns the background reference, or "" if none is set.
func (d MapData) Background() string {
	if d.BackgroundImage == nil {
		return ""
	}
	return *d.BackgroundImage
}

// HasMarker reports whether a marker with the given id exists.
func (d MapData) HasMarker(id string) bool {
	_, ok := d.Marker(id)
	return ok
}

// Marker looks a marker up by id.
func (d MapData) Marker(id string) (LocationMarker, bool) {
	for _, m := range d.Markers {
		if m.ID == id {
			return m, true
		}
	}
	return LocationMarker{}, false
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
