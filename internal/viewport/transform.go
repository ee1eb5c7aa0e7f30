package viewport

import "fmt"

// TransformOrigin is the CSS origin the transform is applied about.
const TransformOrigin = "center"

// Transform is the display-only transform of the map layer.
type Transform struct {
	OffsetX float64
	OffsetY float64
	Scale   float64
	Instant bool // true while dragging; renderers skip easing
}

// CSS renders the transform as translate-then-scale.
func (t Transform) CSS() string {
	return fmt.Sprintf("translate(%gpx, %gpx) scale(%g)", t.OffsetX, t.OffsetY, t.Scale)
}

// Transform returns the current display transform.
func (e *Engine) Transform() Transform {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Transform{
		OffsetX: e.offset.X,
		OffsetY: e.offset.Y,
		Scale:   e.scale,
		Instant: e.dragging,
	}
}
