// Package tensor turns raster crops into the model's float32 input buffer.
package tensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/braianuc/p3facereco/internal/types"
	"golang.org/x/image/draw"
)

// ErrCropOutOfBounds is returned for crops that are empty or leave the raster.
var ErrCropOutOfBounds = errors.New("crop out of bounds")

// Tensor is a contiguous float32 buffer in native byte order, laid out
// [batch, H, W, channels].
type Tensor struct {
	buf []byte
}

// Bytes exposes the raw buffer handed to the runtime.
func (t *Tensor) Bytes() []byte { return t.buf }

// Len is the buffer length in bytes.
func (t *Tensor) Len() int { return len(t.buf) }

// Float32 decodes element i.
func (t *Tensor) Float32(i int) float32 {
	return math.Float32frombits(binary.NativeEndian.Uint32(t.buf[i*4:]))
}

// Pool recycles tensors of one fixed size.
type Pool struct {
	size int
	pool sync.Pool
}

// NewPool creates a pool of tensors that are exactly size bytes long.
func NewPool(size int) *Pool {
	p := &Pool{size: size}
	p.pool.New = func() any { return &Tensor{buf: make([]byte, size)} }
	return p
}

// Get returns a tensor of the pool's size. Its contents are unspecified.
func (p *Pool) Get() *Tensor { return p.pool.Get().(*Tensor) }

// Put hands t back. Tensors of another size are dropped.
func (p *Pool) Put(t *Tensor) {
	if t == nil || len(t.buf) != p.size {
		return
	}
	p.pool.Put(t)
}

// Preparer resizes crops and normalises them into tensors.
type Preparer struct {
	W, H     int
	Mean     float32
	Std      float32
	Channels int
	Batch    int

	pool    *Pool
	scratch *image.RGBA
}

// NewPreparer validates the parameters and sets up the tensor pool.
func NewPreparer(w, h int, mean, std float32, channels, batch int) (*Preparer, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid tensor size %dx%d", w, h)
	}
	if channels != 3 {
		return nil, fmt.Errorf("only 3-channel input is supported, got %d", channels)
	}
	if batch < 1 {
		return nil, fmt.Errorf("invalid batch size %d", batch)
	}
	if std == 0 {
		return nil, errors.New("std must be non-zero")
	}
	p := &Preparer{W: w, H: h, Mean: mean, Std: std, Channels: channels, Batch: batch}
	p.pool = NewPool(p.Size())
	p.scratch = image.NewRGBA(image.Rect(0, 0, w, h))
	return p, nil
}

// Size is the tensor length in bytes: 4 * batch * H * W * channels.
func (p *Preparer) Size() int {
	return 4 * p.Batch * p.H * p.W * p.Channels
}

// Pool exposes the preparer's tensor pool so callers can return tensors.
func (p *Preparer) Pool() *Pool { return p.pool }

// Prepare crops raster, resizes the crop bilinearly to W x H and writes
// (v - mean) / std per channel in row-major, channel-last order. Every batch
// slot receives the same image. Not safe for concurrent use.
func (p *Preparer) Prepare(raster *image.RGBA, crop types.CropRect) (*Tensor, error) {
	b := raster.Bounds()
	if !crop.Within(b.Dx(), b.Dy()) {
		return nil, fmt.Errorf("%w: %+v in %dx%d", ErrCropOutOfBounds, crop, b.Dx(), b.Dy())
	}
	src := crop.Rect().Add(b.Min)
	draw.BiLinear.Scale(p.scratch, p.scratch.Bounds(), raster, src, draw.Src, nil)

	t := p.pool.Get()
	buf := t.buf
	off := 0
	for n := 0; n < p.Batch; n++ {
		for i := 0; i < p.H; i++ {
			row := p.scratch.Pix[i*p.scratch.Stride:]
			for j := 0; j < p.W; j++ {
				px := row[j*4 : j*4+3]
				for _, v := range px {
					f := (float32(v) - p.Mean) / p.Std
					binary.NativeEndian.PutUint32(buf[off:], math.Float32bits(f))
					off += 4
				}
			}
		}
	}
	return t, nil
}
