package viewport

import (
	"github.com/OCAP2/worldmap/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
)

// ImageRect returns the on-screen bounding box of the rendered background.
// The image sits centred in the container and is scaled about its centre,
// then translated by the pan offset.
func (e *Engine) ImageRect() (core.Rect, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.imageRectLocked()
}

func (e *Engine) imageRectLocked() (core.Rect, bool) {
	if e.natural.Empty() {
		return core.Rect{}, false
	}
	size := core.Size{Width: e.natural.Width * e.scale, Height: e.natural.Height * e.scale}
	center := core.Point{X: e.container.Width / 2, Y: e.container.Height / 2}.Add(e.offset)
	return core.Rect{
		Min:  core.Point{X: center.X - size.Width/2, Y: center.Y - size.Height/2},
		Size: size,
	}, true
}

// ToImagePercent maps a screen point to image-relative percentages. The
// result may fall outside 0-100 when the point is off the image.
func (e *Engine) ToImagePercent(p core.Point) (Placement, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.toPercentLocked(p)
}

func (e *Engine) toPercentLocked(p core.Point) (Placement, bool) {
	rect, ok := e.imageRectLocked()
	if !ok {
		return Placement{}, false
	}
	return Placement{
		X: snap((p.X - rect.Min.X) / rect.Size.Width * 100),
		Y: snap((p.Y - rect.Min.Y) / rect.Size.Height * 100),
	}, true
}

// ToScreen maps image-relative percentages back to a screen point.
func (e *Engine) ToScreen(x, y float64) (core.Point, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rect, ok := e.imageRectLocked()
	if !ok {
		return core.Point{}, false
	}
	return core.Point{
		X: rect.Min.X + x/100*rect.Size.Width,
		Y: rect.Min.Y + y/100*rect.Size.Height,
	}, true
}

// snap pulls values within edgeEpsilon of 0 or 100 onto the edge.
func snap(v float64) float64 {
	switch {
	case v > -edgeEpsilon && v < edgeEpsilon:
		return 0
	case v > 100-edgeEpsilon && v < 100+edgeEpsilon:
		return 100
	}
	return v
}

// Tap converts a click into a placement. It only emits in admin mode, when
// the preceding press did not pan the map, and when the point lies on the
// image. Anything else is silently discarded.
func (e *Engine) Tap(p core.Point, admin bool) (Placement, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !admin || e.moved {
		return Placement{}, false
	}
	pl, ok := e.toPercentLocked(p)
	if !ok || !core.InPercentRange(pl.X) || !core.InPercentRange(pl.Y) {
		return Placement{}, false
	}
	return pl, true
}

// VisibleMarkers returns the markers whose position is currently inside the
// container, preserving input order.
func (e *Engine) VisibleMarkers(markers []core.LocationMarker) []core.LocationMarker {
	e.mu.Lock()
	topLeft, ok1 := e.toPercentLocked(core.Point{})
	bottomRight, ok2 := e.toPercentLocked(core.Point{X: e.container.Width, Y: e.container.Height})
	e.mu.Unlock()

	if !ok1 || !ok2 {
		return nil
	}
	window, err := geom.Envelope{}.ExtendToIncludeXY(geom.XY{X: topLeft.X, Y: topLeft.Y})
	if err != nil {
		return nil
	}
	window, err = window.ExtendToIncludeXY(geom.XY{X: bottomRight.X, Y: bottomRight.Y})
	if err != nil {
		return nil
	}

	out := make([]core.LocationMarker, 0, len(markers))
	for _, m := range markers {
		if window.Contains(geom.XY{X: m.X, Y: m.Y}) {
			out = append(out, m)
		}
	}
	return out
}
