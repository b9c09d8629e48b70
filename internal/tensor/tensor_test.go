package tensor

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/braianuc/p3facereco/internal/types"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func near(a, b float32) bool { return math.Abs(float64(a-b)) < 0.01 }

func TestNewPreparer_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		w, h     int
		std      float32
		channels int
		batch    int
	}{
		{"Zero width", 0, 224, 128, 3, 1},
		{"Zero std", 224, 224, 0, 3, 1},
		{"Four channels", 224, 224, 128, 4, 1},
		{"Zero batch", 224, 224, 128, 3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPreparer(tt.w, tt.h, 128, tt.std, tt.channels, tt.batch); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestPrepare_SizeAndRange(t *testing.T) {
	p, err := NewPreparer(224, 224, 128, 128, 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	raster := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for i := range raster.Pix {
		raster.Pix[i] = byte(i * 37)
	}

	tn, err := p.Prepare(raster, types.CropRect{X: 5, Y: 3, W: 40, H: 30})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if tn.Len() != 4*1*224*224*3 {
		t.Fatalf("Expected %d bytes, got %d", 4*224*224*3, tn.Len())
	}

	lo, hi := float32(-128.0/128.0), float32(127.0/128.0)
	for i := 0; i < tn.Len()/4; i++ {
		v := tn.Float32(i)
		if v < lo || v > hi {
			t.Fatalf("element %d = %f outside [%f, %f]", i, v, lo, hi)
		}
	}
}

func TestPrepare_SolidColour(t *testing.T) {
	p, _ := NewPreparer(8, 8, 128, 128, 3, 1)
	raster := solid(20, 20, color.RGBA{R: 255, G: 0, B: 128, A: 255})

	tn, err := p.Prepare(raster, types.CropRect{X: 2, Y: 2, W: 10, H: 12})
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{127.0 / 128.0, -1, 0}
	for px := 0; px < 8*8; px++ {
		for c := 0; c < 3; c++ {
			if got := tn.Float32(px*3 + c); !near(got, want[c]) {
				t.Fatalf("pixel %d channel %d: expected %f, got %f", px, c, want[c], got)
			}
		}
	}
}

func TestPrepare_RowMajorChannelLast(t *testing.T) {
	// Left half black, right half white: channel-last means the first three
	// floats are one pixel, and row-major means the last pixel is bottom-right.
	raster := solid(40, 40, color.RGBA{A: 255})
	for y := 0; y < 40; y++ {
		for x := 20; x < 40; x++ {
			raster.SetRGBA(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	p, _ := NewPreparer(4, 4, 128, 128, 3, 1)
	tn, err := p.Prepare(raster, types.CropRect{X: 0, Y: 0, W: 40, H: 40})
	if err != nil {
		t.Fatal(err)
	}

	for c := 0; c < 3; c++ {
		if v := tn.Float32(c); !near(v, -1) {
			t.Errorf("top-left channel %d: expected -1, got %f", c, v)
		}
		if v := tn.Float32(15*3 + c); !near(v, 127.0/128.0) {
			t.Errorf("bottom-right channel %d: expected %f, got %f", c, 127.0/128.0, v)
		}
	}
}

func TestPrepare_CropOutOfBounds(t *testing.T) {
	p, _ := NewPreparer(4, 4, 128, 128, 3, 1)
	raster := solid(10, 10, color.RGBA{A: 255})

	bad := []types.CropRect{
		{X: -1, Y: 0, W: 5, H: 5},
		{X: 0, Y: 0, W: 11, H: 5},
		{X: 6, Y: 6, W: 5, H: 5},
		{X: 0, Y: 0, W: 0, H: 5},
	}
	for _, c := range bad {
		if _, err := p.Prepare(raster, c); !errors.Is(err, ErrCropOutOfBounds) {
			t.Errorf("crop %+v: expected ErrCropOutOfBounds, got %v", c, err)
		}
	}
}

func TestPrepare_Batch(t *testing.T) {
	p, _ := NewPreparer(2, 2, 0, 255, 3, 2)
	raster := solid(4, 4, color.RGBA{R: 255, G: 255, B: 255, A: 255})

	tn, err := p.Prepare(raster, types.CropRect{W: 4, H: 4})
	if err != nil {
		t.Fatal(err)
	}
	if tn.Len() != 4*2*2*2*3 {
		t.Fatalf("Expected %d bytes, got %d", 4*2*2*2*3, tn.Len())
	}
	if v := tn.Float32(tn.Len()/4 - 1); !near(v, 1) {
		t.Errorf("Expected last element of second batch slot to be 1, got %f", v)
	}
}

func TestPool(t *testing.T) {
	pool := NewPool(16)
	a := pool.Get()
	if a.Len() != 16 {
		t.Fatalf("Expected 16-byte tensor, got %d", a.Len())
	}
	pool.Put(a)
	pool.Put(&Tensor{buf: make([]byte, 8)}) // wrong size is dropped
	pool.Put(nil)

	for i := 0; i < 4; i++ {
		if got := pool.Get(); got.Len() != 16 {
			t.Fatalf("Pool returned a %d-byte tensor", got.Len())
		}
	}
}
