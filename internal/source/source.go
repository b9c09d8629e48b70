// Package source turns a byte stream of raw NV21 frames into types.Frame values.
package source

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/braianuc/p3facereco/internal/types"
	"github.com/braianuc/p3facereco/internal/utils"
)

// Reader pulls fixed-size NV21 frames from r. Payloads come from a pool; hand
// them back with Release once the frame has been converted.
type Reader struct {
	r    io.Reader
	meta types.FrameMetadata
	size int
	seq  uint64
	pool sync.Pool
}

// NewReader reads frames of meta.Width x meta.Height from r.
func NewReader(r io.Reader, meta types.FrameMetadata) (*Reader, error) {
	if meta.Width <= 0 || meta.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", meta.Width, meta.Height)
	}
	size := utils.NV21FrameSize(meta.Width, meta.Height)
	return &Reader{
		r:    r,
		meta: meta,
		size: size,
		// Buffer pool to reduce GC pressure while streaming
		pool: sync.Pool{New: func() any { return make([]byte, size) }},
	}, nil
}

// FrameSize is the payload length of every frame.
func (s *Reader) FrameSize() int { return s.size }

// Next blocks until a full frame is read. It returns io.EOF at a clean end of
// stream and io.ErrUnexpectedEOF when the stream stops mid-frame.
func (s *Reader) Next() (types.Frame, error) {
	buf := s.pool.Get().([]byte)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		s.pool.Put(buf)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return types.Frame{}, fmt.Errorf("truncated frame %d: %w", s.seq+1, err)
		}
		return types.Frame{}, err
	}
	s.seq++
	return types.Frame{
		Meta:       s.meta,
		Format:     types.FormatNV21,
		Payload:    buf,
		Seq:        s.seq,
		ReceivedAt: time.Now(),
	}, nil
}

// Release returns a frame payload to the pool.
func (s *Reader) Release(f types.Frame) {
	if len(f.Payload) == s.size {
		s.pool.Put(f.Payload)
	}
}
