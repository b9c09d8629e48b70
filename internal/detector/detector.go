// Package detector wraps face detection engines behind an asynchronous,
// one-result-per-call interface.
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/braianuc/p3facereco/internal/types"
	"go.uber.org/zap"
)

// Classification and Landmark mirror the detector's enumerated settings.
type Classification int

const (
	NoClassifications Classification = iota
	AllClassifications
)

type Landmark int

const (
	NoLandmarks Landmark = iota
	AllLandmarks
)

// Options are passed through to the engine.
type Options struct {
	Classifications Classification
	Landmarks       Landmark
	Tracking        bool
}

// DefaultOptions enables every classification and landmark plus tracking.
func DefaultOptions() Options {
	return Options{Classifications: AllClassifications, Landmarks: AllLandmarks, Tracking: true}
}

// DetectorFailure wraps anything that went wrong inside the engine.
type DetectorFailure struct {
	Cause error
}

func (e *DetectorFailure) Error() string { return fmt.Sprintf("detector failure: %v", e.Cause) }
func (e *DetectorFailure) Unwrap() error { return e.Cause }

// ErrClosed is the cause reported for detections requested after Close.
var ErrClosed = errors.New("detector closed")

// Result is the outcome of one detection. Err is always a *DetectorFailure when set.
type Result struct {
	Faces []types.FaceRecord
	Err   error
}

// Detector is the asynchronous adapter used by the pipeline. Detect returns a
// channel that delivers exactly one Result and is then closed. The raster must
// not be mutated by the detector.
type Detector interface {
	Detect(ctx context.Context, raster *image.RGBA) <-chan Result
	Close() error
}

// Engine is a synchronous detector implementation.
type Engine interface {
	Detect(ctx context.Context, raster *image.RGBA) ([]types.FaceRecord, error)
	Close() error
}

// Async runs an Engine on its own goroutine per call. Engine access is serialised.
type Async struct {
	engine   Engine
	engineMu sync.Mutex
	logger   *zap.Logger

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsync wraps engine.
func NewAsync(engine Engine, logger *zap.Logger) *Async {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Async{engine: engine, logger: logger, base: base, cancel: cancel}
}

func (a *Async) Detect(ctx context.Context, raster *image.RGBA) <-chan Result {
	out := make(chan Result, 1)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		out <- Result{Err: &DetectorFailure{Cause: ErrClosed}}
		close(out)
		return out
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		defer close(out)
		out <- a.run(ctx, raster)
	}()
	return out
}

func (a *Async) run(ctx context.Context, raster *image.RGBA) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("detector panicked", zap.String("tag", "detector"), zap.Any("panic", r))
			res = Result{Err: &DetectorFailure{Cause: fmt.Errorf("panic: %v", r)}}
		}
	}()

	// Close cancels whatever is in flight.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(a.base, cancel)()

	a.engineMu.Lock()
	defer a.engineMu.Unlock()
	if a.base.Err() != nil {
		return Result{Err: &DetectorFailure{Cause: ErrClosed}}
	}
	faces, err := a.engine.Detect(ctx, raster)
	if err != nil {
		var df *DetectorFailure
		if !errors.As(err, &df) {
			err = &DetectorFailure{Cause: err}
		}
		return Result{Err: err}
	}
	return Result{Faces: faces}
}

// Close stops accepting detections, cancels and waits for the one in flight,
// then closes the engine.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
	return a.engine.Close()
}
