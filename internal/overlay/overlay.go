// Package overlay adapts annotation consumers to the pipeline: coordinate
// transforms plus sinks that receive one cycle of annotations per frame.
package overlay

import (
	"sync"

	"github.com/braianuc/p3facereco/internal/geometry"
	"github.com/braianuc/p3facereco/internal/types"
)

// Sink receives annotations. Each cycle is a Clear followed by zero or more Publish calls.
type Sink interface {
	Clear()
	Publish(a types.Annotation)
}

// Overlay is what the pipeline draws on.
type Overlay interface {
	geometry.Viewport
	Sink
}

// CameraInfoSetter is implemented by overlays that need the preview geometry.
// The pipeline calls it before mapping the faces of each frame.
type CameraInfoSetter interface {
	SetCameraInfo(meta types.FrameMetadata)
}

// Transform scales preview coordinates to the view and mirrors x for the front camera.
// A zero view size means "same as the preview".
type Transform struct {
	ViewWidth, ViewHeight int

	previewWidth, previewHeight int
	facing                      types.CameraFacing
}

// NewTransform creates a transform for a view of the given size.
func NewTransform(viewWidth, viewHeight int) *Transform {
	return &Transform{ViewWidth: viewWidth, ViewHeight: viewHeight}
}

func (t *Transform) SetCameraInfo(meta types.FrameMetadata) {
	t.previewWidth, t.previewHeight = meta.Width, meta.Height
	t.facing = meta.CameraFacing
}

func (t *Transform) viewSize() (float32, float32) {
	w, h := t.ViewWidth, t.ViewHeight
	if w <= 0 {
		w = t.previewWidth
	}
	if h <= 0 {
		h = t.previewHeight
	}
	return float32(w), float32(h)
}

func (t *Transform) widthFactor() float32 {
	if t.previewWidth <= 0 {
		return 1
	}
	w, _ := t.viewSize()
	return w / float32(t.previewWidth)
}

func (t *Transform) heightFactor() float32 {
	if t.previewHeight <= 0 {
		return 1
	}
	_, h := t.viewSize()
	return h / float32(t.previewHeight)
}

func (t *Transform) ScaleX(v float32) float32 { return v * t.widthFactor() }
func (t *Transform) ScaleY(v float32) float32 { return v * t.heightFactor() }

func (t *Transform) TranslateX(x float32) float32 {
	if t.facing == types.CameraFacingFront {
		w, _ := t.viewSize()
		return w - t.ScaleX(x)
	}
	return t.ScaleX(x)
}

func (t *Transform) TranslateY(y float32) float32 { return t.ScaleY(y) }

// Surface joins a transform and a sink into an Overlay.
type Surface struct {
	*Transform
	Sink
}

// NewSurface wraps sinks behind a single overlay. Several sinks are fanned out.
func NewSurface(t *Transform, sinks ...Sink) *Surface {
	if len(sinks) == 1 {
		return &Surface{Transform: t, Sink: sinks[0]}
	}
	return &Surface{Transform: t, Sink: Multi(sinks)}
}

// Multi fans every call out to each sink in order.
type Multi []Sink

func (m Multi) Clear() {
	for _, s := range m {
		s.Clear()
	}
}

func (m Multi) Publish(a types.Annotation) {
	for _, s := range m {
		s.Publish(a)
	}
}

// Recorder keeps every cycle in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	cycles [][]types.Annotation
	notify chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Clear() {
	r.mu.Lock()
	r.cycles = append(r.cycles, nil)
	r.mu.Unlock()
	r.signal()
}

func (r *Recorder) Publish(a types.Annotation) {
	r.mu.Lock()
	if len(r.cycles) == 0 {
		r.cycles = append(r.cycles, nil)
	}
	last := len(r.cycles) - 1
	r.cycles[last] = append(r.cycles[last], a)
	r.mu.Unlock()
	r.signal()
}

func (r *Recorder) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Changed fires after any Clear or Publish. Several changes may coalesce into one signal.
func (r *Recorder) Changed() <-chan struct{} { return r.notify }

// Cycles returns a copy of every recorded cycle.
func (r *Recorder) Cycles() [][]types.Annotation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]types.Annotation, len(r.cycles))
	for i, c := range r.cycles {
		out[i] = append([]types.Annotation(nil), c...)
	}
	return out
}

// Annotations flattens every cycle.
func (r *Recorder) Annotations() []types.Annotation {
	var out []types.Annotation
	for _, c := range r.Cycles() {
		out = append(out, c...)
	}
	return out
}
