package types

import (
	"fmt"
	"image"
	"time"
)

// PixelFormat tags the layout of a camera payload.
type PixelFormat int

const (
	FormatUnknown PixelFormat = iota
	// FormatNV21 is YUV 4:2:0 semi-planar: a full Y plane followed by interleaved V,U samples.
	FormatNV21
)

func (f PixelFormat) String() string {
	switch f {
	case FormatNV21:
		return "nv21"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// CameraFacing tells the overlay whether the preview is mirrored.
type CameraFacing int

const (
	CameraFacingBack CameraFacing = iota
	CameraFacingFront
)

// FrameMetadata is what the camera reports alongside every buffer.
type FrameMetadata struct {
	Width        int
	Height       int
	CameraFacing CameraFacing
	Rotation     int
}

// Frame is a single camera buffer. It is never mutated after ingestion.
type Frame struct {
	Meta       FrameMetadata
	Format     PixelFormat
	Payload    []byte
	Seq        uint64
	ReceivedAt time.Time
}

// DetectorBox is a face box in detector-frame coordinates, described by its centre and size.
type DetectorBox struct {
	CenterX float32 `json:"cx" msgpack:"cx"`
	CenterY float32 `json:"cy" msgpack:"cy"`
	Width   float32 `json:"w" msgpack:"w"`
	Height  float32 `json:"h" msgpack:"h"`
}

// FaceRecord is one face reported by the detector for a frame.
type FaceRecord struct {
	Box        DetectorBox
	TrackingID int
}

// ScreenBox is a face box in overlay-surface coordinates.
type ScreenBox struct {
	X      float32 `json:"x" msgpack:"x"`
	Y      float32 `json:"y" msgpack:"y"`
	HalfW  float32 `json:"half_w" msgpack:"half_w"`
	HalfH  float32 `json:"half_h" msgpack:"half_h"`
	Left   float32 `json:"left" msgpack:"left"`
	Top    float32 `json:"top" msgpack:"top"`
	Right  float32 `json:"right" msgpack:"right"`
	Bottom float32 `json:"bottom" msgpack:"bottom"`
}

// CropRect selects a region of an RGB raster. Once clipped it always lies inside the raster.
type CropRect struct {
	X, Y, W, H int
}

// Rect converts the crop into an image.Rectangle.
func (c CropRect) Rect() image.Rectangle {
	return image.Rect(c.X, c.Y, c.X+c.W, c.Y+c.H)
}

// Within reports whether the crop is non-empty and fully inside a width x height raster.
func (c CropRect) Within(width, height int) bool {
	return c.X >= 0 && c.Y >= 0 && c.W > 0 && c.H > 0 && c.X+c.W <= width && c.Y+c.H <= height
}

// Recognition is the best (label, confidence) pair for a face.
type Recognition struct {
	Label      string
	Confidence float32
}

// Annotation is handed to the overlay once per face per frame. The pipeline does not retain it.
type Annotation struct {
	StreamID   string    `json:"stream_id" msgpack:"stream_id"`
	FrameSeq   uint64    `json:"frame_seq" msgpack:"frame_seq"`
	TrackingID int       `json:"tracking_id" msgpack:"tracking_id"`
	Box        ScreenBox `json:"box" msgpack:"box"`
	Label      string    `json:"label" msgpack:"label"`
	Confidence float32   `json:"confidence" msgpack:"confidence"`
	// HasLabel is false for box-only annotations (no label could be computed).
	HasLabel bool `json:"has_label" msgpack:"has_label"`
}
