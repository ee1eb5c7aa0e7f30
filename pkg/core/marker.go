// pkg/core/marker.go
package core

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// MarkerType selects how a marker is rendered on the map and in the detail view.
type MarkerType string

const (
	MarkerCity     MarkerType = "city"
	MarkerDungeon  MarkerType = "dungeon"
	MarkerLandmark MarkerType = "landmark"
	MarkerShop     MarkerType = "shop"
)

// DefaultMarkerType is preselected in the admin form.
const DefaultMarkerType = MarkerLandmark

// MarkerTypes lists the closed set of marker types in form display order.
var MarkerTypes = []MarkerType{MarkerCity, MarkerDungeon, MarkerShop, MarkerLandmark}

// ErrInvalidMarker is returned when a marker draft fails validation
var ErrInvalidMarker = errors.New("invalid marker")

// ParseMarkerType converts a string into a MarkerType.
func ParseMarkerType(s string) (MarkerType, error) {
	t := MarkerType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidMarker, s)
	}
	return t, nil
}

// Valid reports whether t is one of the known marker types.
func (t MarkerType) Valid() bool {
	switch t {
	case MarkerCity, MarkerDungeon, MarkerLandmark, MarkerShop:
		return true
	}
	return false
}

// Style describes how a marker type is drawn.
type Style struct {
	Label string `json:"label"`
	Color string `json:"color"`
	Glow  string `json:"glow"`
}

// MarkerStyle returns the render style for a marker type.
// Unknown types get the landmark style.
func MarkerStyle(t MarkerType) Style {
	switch t {
	case MarkerCity:
		return Style{Label: string(MarkerCity), Color: "blue-400", Glow: "rgba(96,165,250,0.8)"}
	case MarkerDungeon:
		return Style{Label: string(MarkerDungeon), Color: "red-500", Glow: "rgba(239,68,68,0.8)"}
	case MarkerShop:
		return Style{Label: string(MarkerShop), Color: "yellow-400", Glow: "rgba(250,204,21,0.8)"}
	default:
		return Style{Label: string(MarkerLandmark), Color: "white", Glow: "rgba(255,255,255,0.8)"}
	}
}

// LocationMarker is a single point of interest pinned to the map.
// X and Y are percentages (0-100) of the background image's natural size.
type LocationMarker struct {
	ID          string     `json:"id"`
	X           float64    `json:"x"`
	Y           float64    `json:"y"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Type        MarkerType `json:"type"`
	Image       string     `json:"image,omitempty"`       // detail view illustration
	MarkerImage string     `json:"markerImage,omitempty"` // token shown on the map
}

// MarkerDraft is a marker that has not been assigned an ID yet.
type MarkerDraft struct {
	X           float64
	Y           float64
	Title       string
	Description string
	Type        MarkerType
	Image       string
	MarkerImage string
}

// Validate checks the draft's type, title and coordinates.
func (d MarkerDraft) Validate() error {
	if !d.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMarker, d.Type)
	}
	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidMarker)
	}
	if !InPercentRange(d.X) || !InPercentRange(d.Y) {
		return fmt.Errorf("%w: coordinates (%v, %v) outside 0-100", ErrInvalidMarker, d.X, d.Y)
	}
	return nil
}

// WithID turns the draft into a marker.
func (d MarkerDraft) WithID(id string) LocationMarker {
	return LocationMarker{
		ID:          id,
		X:           d.X,
		Y:           d.Y,
		Title:       d.Title,
		Description: d.Description,
		Type:        d.Type,
		Image:       d.Image,
		MarkerImage: d.MarkerImage,
	}
}

// InPercentRange reports whether v is a finite value within [0, 100].
func InPercentRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 100
}
