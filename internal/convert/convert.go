// Package convert turns camera buffers into RGB rasters.
package convert

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/braianuc/p3facereco/internal/types"
	"golang.org/x/image/draw"
)

// MinJPEGQuality is the lowest quality accepted for the JPEG round trip.
const MinJPEGQuality = 50

// ErrBadFrameFormat is returned for malformed or undersized buffers and unsupported formats.
var ErrBadFrameFormat = errors.New("bad frame format")

// Mode selects how NV21 buffers are turned into rasters.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeJPEG   Mode = "jpeg"
)

// Converter is a configured Image Converter. The zero value converts directly.
type Converter struct {
	Mode        Mode
	JPEGQuality int
}

// Convert dispatches to ToRaster or ToRasterJPEG depending on the mode.
func (c Converter) Convert(f types.Frame) (*image.RGBA, error) {
	if c.Mode == ModeJPEG {
		return ToRasterJPEG(f, c.JPEGQuality)
	}
	return ToRaster(f)
}

// chromaStride is the byte width of one interleaved VU row.
func chromaStride(w int) int { return (w + 1) / 2 * 2 }

// Validate checks the frame against the NV21 size contract.
func Validate(f types.Frame) error {
	w, h := f.Meta.Width, f.Meta.Height
	if f.Format != types.FormatNV21 {
		return fmt.Errorf("%w: unsupported pixel format %s", ErrBadFrameFormat, f.Format)
	}
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: invalid dimensions %dx%d", ErrBadFrameFormat, w, h)
	}
	if w*h*3/2 > len(f.Payload) {
		return fmt.Errorf("%w: payload %d bytes, need %d for %dx%d", ErrBadFrameFormat, len(f.Payload), w*h*3/2, w, h)
	}
	// Odd dimensions round the chroma plane up.
	if need := w*h + chromaStride(w)*((h+1)/2); need > len(f.Payload) {
		return fmt.Errorf("%w: payload %d bytes, need %d for %dx%d", ErrBadFrameFormat, len(f.Payload), need, w, h)
	}
	return nil
}

// ToRaster converts an NV21 frame to RGBA using the full-range Rec.601 matrix.
// Alpha is always 255.
func ToRaster(f types.Frame) (*image.RGBA, error) {
	if err := Validate(f); err != nil {
		return nil, err
	}
	w, h := f.Meta.Width, f.Meta.Height
	yPlane := f.Payload[:w*h]
	vu := f.Payload[w*h:]
	cs := chromaStride(w)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := dst.Pix[y*dst.Stride:]
		crow := vu[(y/2)*cs:]
		for x := 0; x < w; x++ {
			ci := (x / 2) * 2
			r, g, b := color.YCbCrToRGB(yPlane[y*w+x], crow[ci+1], crow[ci])
			o := x * 4
			row[o] = r
			row[o+1] = g
			row[o+2] = b
			row[o+3] = 0xff
		}
	}
	return dst, nil
}

// toYCbCr deinterleaves the VU plane into a 4:2:0 image.YCbCr.
func toYCbCr(f types.Frame) *image.YCbCr {
	w, h := f.Meta.Width, f.Meta.Height
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	for y := 0; y < h; y++ {
		copy(img.Y[y*img.YStride:y*img.YStride+w], f.Payload[y*w:(y+1)*w])
	}
	vu := f.Payload[w*h:]
	cs := chromaStride(w)
	cw, ch := (w+1)/2, (h+1)/2
	for cy := 0; cy < ch; cy++ {
		for cx := 0; cx < cw; cx++ {
			src := cy*cs + cx*2
			dst := cy*img.CStride + cx
			img.Cr[dst] = vu[src]
			img.Cb[dst] = vu[src+1]
		}
	}
	return img
}

// ToRasterJPEG reproduces the compress-then-decode path: the frame is encoded as a
// JPEG of the full (0,0,w,h) bounds and decoded back into RGBA.
func ToRasterJPEG(f types.Frame, quality int) (*image.RGBA, error) {
	if err := Validate(f); err != nil {
		return nil, err
	}
	if quality < MinJPEGQuality {
		quality = MinJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, toYCbCr(f), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("%w: jpeg encode: %v", ErrBadFrameFormat, err)
	}
	decoded, err := jpeg.Decode(&buf)
	if err != nil {
		return nil, fmt.Errorf("%w: jpeg decode: %v", ErrBadFrameFormat, err)
	}
	return ToRGBA(decoded), nil
}

// ToRGBA returns img as a zero-origin *image.RGBA, copying only when needed.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
