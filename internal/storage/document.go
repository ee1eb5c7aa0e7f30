package storage

import (
	"encoding/json"
	"fmt"

	"github.com/OCAP2/worldmap/pkg/core"
)

// ApplyPatch returns data with patch merged in.
func ApplyPatch(data core.MapData, patch Patch) core.MapData {
	out := data.Clone()
	switch {
	case patch.ClearBackground:
		out.BackgroundImage = nil
	case patch.BackgroundImage != nil:
		out.BackgroundImage = core.StringPtr(*patch.BackgroundImage)
	}
	return out
}

// AppendUniqueMarker appends m unless a marker with the same id exists.
// It reports whether the document changed.
func AppendUniqueMarker(data core.MapData, m core.LocationMarker) (core.MapData, bool) {
	if data.HasMarker(m.ID) {
		return data, false
	}
	out := data.Clone()
	out.Markers = append(out.Markers, m)
	return out, true
}

// WithoutMarker filters out the marker with the given id. It reports whether
// anything was removed.
func WithoutMarker(data core.MapData, id string) (core.MapData, bool) {
	out := data.Clone()
	kept := out.Markers[:0]
	for _, m := range out.Markers {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	removed := len(kept) != len(data.Markers)
	out.Markers = kept
	return out, removed
}

// DecodeMapData parses a serialized document. A missing or null markers
// field decodes to an empty list.
func DecodeMapData(raw []byte) (core.MapData, error) {
	var data core.MapData
	if err := json.Unmarshal(raw, &data); err != nil {
		return core.EmptyMapData(), fmt.Errorf("decode map data: %w", err)
	}
	if data.Markers == nil {
		data.Markers = []core.LocationMarker{}
	}
	return data, nil
}

// EncodeMapData serializes a document.
func EncodeMapData(data core.MapData) ([]byte, error) {
	if data.Markers == nil {
		data.Markers = []core.LocationMarker{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode map data: %w", err)
	}
	return raw, nil
}
