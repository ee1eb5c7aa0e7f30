// Package viewport implements the pan/zoom state of the map view and the
// mapping between screen pixels and image-relative percentage coordinates.
//
// Marker positions are always stored as percentages of the background image's
// natural size, so nothing in this package ever feeds back into persisted data.
package viewport

import (
	"math"
	"sync"

	"github.com/OCAP2/worldmap/pkg/core"
)

const (
	MinScale         = 0.5
	MaxScale         = 4.0
	WheelSensitivity = 0.001
	ZoomStep         = 0.5
	MarkerScaleFloor = 0.6
)

// edgeEpsilon absorbs float error when a tap lands exactly on an image edge.
const edgeEpsilon = 1e-9

// Source identifies the input device behind a pointer event.
type Source int

const (
	SourceMouse Source = iota
	SourceTouch
)

// Pointer is a single pointer sample.
type Pointer struct {
	Pos     core.Point
	Source  Source
	Touches int // active fingers for touch events
}

// Mouse builds a mouse pointer sample.
func Mouse(x, y float64) Pointer {
	return Pointer{Pos: core.Point{X: x, Y: y}, Source: SourceMouse}
}

// Touch builds a touch pointer sample with the given number of active fingers.
func Touch(x, y float64, touches int) Pointer {
	return Pointer{Pos: core.Point{X: x, Y: y}, Source: SourceTouch, Touches: touches}
}

// single reports whether the sample may drive a pan gesture.
func (p Pointer) single() bool {
	return p.Source == SourceMouse || p.Touches == 1
}

// Placement is an image-relative coordinate produced by an admin tap.
type Placement struct {
	X float64
	Y float64
}

// WheelResult tells the caller what to do with the native wheel event.
type WheelResult struct {
	Scale          float64
	PreventDefault bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithTapSlop sets how far, in pixels, the pointer may travel during a press
// before the gesture counts as a drag. Zero means any movement is a drag.
func WithTapSlop(px float64) Option {
	return func(e *Engine) {
		if px > 0 {
			e.slop = px
		}
	}
}

// Engine holds the viewport transform and drag state.
type Engine struct {
	mu sync.Mutex

	scale  float64
	offset core.Point

	dragging bool
	anchor   core.Point // pointer at drag start minus offset at drag start
	start    core.Point
	moved    bool
	slop     float64

	container core.Size
	natural   core.Size

	background     string
	haveBackground bool
}

// New creates an Engine at scale 1 with no offset.
func New(opts ...Option) *Engine {
	e := &Engine{scale: 1}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func clampScale(s float64) float64 {
	return math.Min(math.Max(MinScale, s), MaxScale)
}

// Wheel zooms by -deltaY * WheelSensitivity. The caller must always honour
// PreventDefault so the page does not scroll underneath the map.
func (e *Engine) Wheel(deltaY float64) WheelResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !math.IsNaN(deltaY) && !math.IsInf(deltaY, 0) {
		e.scale = clampScale(e.scale - deltaY*WheelSensitivity)
	}
	return WheelResult{Scale: e.scale, PreventDefault: true}
}

// ZoomIn steps the scale up by ZoomStep.
func (e *Engine) ZoomIn() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scale = clampScale(e.scale + ZoomStep)
	return e.scale
}

// ZoomOut steps the scale down by ZoomStep.
func (e *Engine) ZoomOut() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scale = clampScale(e.scale - ZoomStep)
	return e.scale
}

// DragStart begins a pan. Multi-finger touches are ignored.
func (e *Engine) DragStart(p Pointer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !p.single() {
		return
	}
	e.dragging = true
	e.moved = false
	e.start = p.Pos
	e.anchor = p.Pos.Sub(e.offset)
}

// DragMove pans the map while a drag is active.
func (e *Engine) DragMove(p Pointer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.dragging || !p.single() {
		return
	}
	next := p.Pos.Sub(e.anchor)
	if next != e.offset && math.Hypot(p.Pos.X-e.start.X, p.Pos.Y-e.start.Y) > e.slop {
		e.moved = true
	}
	e.offset = next
}

// DragEnd finishes the pan. Whether the gesture moved is kept until the next
// DragStart so the trailing click can be classified.
func (e *Engine) DragEnd() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dragging = false
}

// Dragging reports whether a pan is in progress.
func (e *Engine) Dragging() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dragging
}

// SetLayout records the container box and the background's natural size.
func (e *Engine) SetLayout(container, natural core.Size) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.container = container
	e.natural = natural
}

// OnBackgroundChanged resets scale and offset when the background reference
// changes, even if a drag is in progress.
func (e *Engine) OnBackgroundChanged(ref *string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	var next string
	if ref != nil {
		next = *ref
	}
	if e.haveBackground && next == e.background {
		return false
	}
	e.haveBackground = true
	e.background = next
	e.resetLocked()
	return true
}

// Reset returns the transform to scale 1 and no offset.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
}

func (e *Engine) resetLocked() {
	e.scale = 1
	e.offset = core.Point{}
	e.dragging = false
	e.moved = false
}

// Scale returns the current zoom factor.
func (e *Engine) Scale() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scale
}

// Offset returns the current pan offset in pixels.
func (e *Engine) Offset() core.Point {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offset
}

// MarkerScale is the counter-scale applied to each marker so tokens stay
// legible at every zoom level.
func (e *Engine) MarkerScale() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return math.Max(MarkerScaleFloor, 1/e.scale)
}
