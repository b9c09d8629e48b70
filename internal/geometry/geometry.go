// Package geometry maps detector boxes onto the overlay surface and into raster crops.
package geometry

import (
	"errors"
	"math"

	"github.com/braianuc/p3facereco/internal/types"
)

// Default inward shrink applied to a face box before cropping.
const (
	DefaultShrinkW = 150
	DefaultShrinkH = 100
)

// ErrCropEmpty marks a face whose clipped crop has no area.
var ErrCropEmpty = errors.New("crop is empty")

// Viewport converts detector-frame coordinates to overlay coordinates.
type Viewport interface {
	TranslateX(x float32) float32
	TranslateY(y float32) float32
	ScaleX(v float32) float32
	ScaleY(v float32) float32
}

// Identity is a Viewport that leaves coordinates untouched.
type Identity struct{}

func (Identity) TranslateX(x float32) float32 { return x }
func (Identity) TranslateY(y float32) float32 { return y }
func (Identity) ScaleX(v float32) float32     { return v }
func (Identity) ScaleY(v float32) float32     { return v }

// ToScreenBox places a detector box on the overlay surface.
func ToScreenBox(box types.DetectorBox, vp Viewport) types.ScreenBox {
	x := vp.TranslateX(box.CenterX)
	y := vp.TranslateY(box.CenterY)
	halfW := vp.ScaleX(box.Width / 2)
	halfH := vp.ScaleY(box.Height / 2)
	return types.ScreenBox{
		X:      x,
		Y:      y,
		HalfW:  halfW,
		HalfH:  halfH,
		Left:   x - halfW,
		Top:    y - halfH,
		Right:  x + halfW,
		Bottom: y + halfH,
	}
}

// ToClippedCropRect derives the raster crop for a screen box. The crop is shrunk
// inward by shrinkW/shrinkH and clipped to the raster. It returns false when
// nothing is left to crop.
func ToClippedCropRect(sb types.ScreenBox, rasterW, rasterH, shrinkW, shrinkH int) (types.CropRect, bool) {
	x := max(0, int(math.Floor(float64(sb.Left))))
	y := min(int(math.Floor(float64(sb.Top))), rasterH)
	y = max(0, y)

	// Width and height truncate toward zero.
	w := int(sb.Right-sb.Left) - shrinkW
	h := int(sb.Bottom-sb.Top) - shrinkH

	if x+w > rasterW {
		w = rasterW - x
	}
	if y+h > rasterH {
		h = rasterH - y
	}
	if w <= 0 || h <= 0 {
		return types.CropRect{}, false
	}
	return types.CropRect{X: x, Y: y, W: w, H: h}, true
}

// CropFor runs ToScreenBox and ToClippedCropRect, returning ErrCropEmpty for
// faces with nothing to crop.
func CropFor(box types.DetectorBox, vp Viewport, rasterW, rasterH, shrinkW, shrinkH int) (types.ScreenBox, types.CropRect, error) {
	sb := ToScreenBox(box, vp)
	crop, ok := ToClippedCropRect(sb, rasterW, rasterH, shrinkW, shrinkH)
	if !ok {
		return sb, crop, ErrCropEmpty
	}
	return sb, crop, nil
}
