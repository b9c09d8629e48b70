// Package pipeline drives frames through detection and recognition.
//
// A single goroutine owns the cached raster, the filter state and the tensor
// pool. Frames, detector results and flush requests all reach it as messages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/braianuc/p3facereco/internal/detector"
	"github.com/braianuc/p3facereco/internal/filter"
	"github.com/braianuc/p3facereco/internal/labels"
	"github.com/braianuc/p3facereco/internal/overlay"
	"github.com/braianuc/p3facereco/internal/tensor"
	"github.com/braianuc/p3facereco/internal/topk"
	"github.com/braianuc/p3facereco/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrPipelineClosed is returned by Process and Flush after Stop.
	ErrPipelineClosed = errors.New("pipeline closed")
	ErrNotStarted     = errors.New("pipeline not started")
)

// State is the orchestrator state for the stream.
type State int32

const (
	Idle State = iota
	Detecting
	Recognising
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Detecting:
		return "detecting"
	case Recognising:
		return "recognising"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Converter turns a camera frame into an RGB raster.
type Converter interface {
	Convert(f types.Frame) (*image.RGBA, error)
}

// Runtime is the model runtime as seen by the pipeline.
type Runtime interface {
	Infer(t *tensor.Tensor) ([]float32, error)
	Close() error
}

// Deps are the collaborators. The pipeline takes ownership of Detector and
// Runtime and closes them in Stop.
type Deps struct {
	Converter Converter
	Detector  detector.Detector
	Runtime   Runtime
	Labels    *labels.List
	Preparer  *tensor.Preparer
	Overlay   overlay.Overlay
	Logger    *zap.Logger
}

// Config tunes recognition.
type Config struct {
	// StreamID tags every annotation. A random id is used when empty.
	StreamID     string
	FilterStages int
	FilterFactor float32
	FilterMode   filter.Mode
	TopK         int
	ShrinkW      int
	ShrinkH      int
	Debug        DebugConfig
}

// DebugConfig controls the crop dump: every Every-th recognition writes the
// crop under Dir.
type DebugConfig struct {
	SaveCrops bool
	Dir       string
	Every     int
}

// DefaultConfig matches the bundled model's tuning.
func DefaultConfig() Config {
	return Config{
		FilterStages: filter.DefaultStages,
		FilterFactor: filter.DefaultFactor,
		FilterMode:   filter.ModeReference,
		TopK:         topk.DefaultResults,
		ShrinkW:      150,
		ShrinkH:      100,
		Debug:        DebugConfig{Every: 100},
	}
}

type frameMsg struct {
	frame types.Frame
	reply chan error
}

// Pipeline is the per-stream orchestrator.
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	filter *filter.Cascade
	zeros  []float32

	state   atomic.Int32
	started atomic.Bool
	closed  atomic.Bool
	stats   counters

	frames  chan frameMsg
	flushes chan chan error
	quit    chan struct{}
	done    chan struct{}

	stopOnce sync.Once
	stopErr  error

	// Owned by the loop goroutine.
	raster   *image.RGBA
	meta     types.FrameMetadata
	seq      uint64
	pending  <-chan detector.Result
	waiters  []chan error
	warnedSz bool
}

// New checks the collaborators and allocates the filter state.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	if deps.Converter == nil || deps.Detector == nil || deps.Runtime == nil || deps.Preparer == nil || deps.Overlay == nil {
		return nil, errors.New("pipeline: converter, detector, runtime, preparer and overlay are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.StreamID == "" {
		cfg.StreamID = uuid.NewString()
	}
	if cfg.FilterMode == "" {
		cfg.FilterMode = filter.ModeReference
	}
	if cfg.FilterMode != filter.ModeReference && cfg.FilterMode != filter.ModeSmooth {
		return nil, fmt.Errorf("unknown filter mode %q", cfg.FilterMode)
	}
	if cfg.Debug.Every < 1 {
		cfg.Debug.Every = 100
	}

	width := deps.Labels.Len()
	cascade, err := filter.New(cfg.FilterStages, width, cfg.FilterFactor)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		deps:    deps,
		cfg:     cfg,
		logger:  deps.Logger.With(zap.String("stream", cfg.StreamID)),
		filter:  cascade,
		zeros:   make([]float32, width),
		frames:  make(chan frameMsg),
		flushes: make(chan chan error),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.state.Store(int32(Idle))
	return p, nil
}

// StreamID is the id stamped on every annotation.
func (p *Pipeline) StreamID() string { return p.cfg.StreamID }

// State reports the current state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

func (p *Pipeline) setState(s State) {
	for {
		cur := p.state.Load()
		if State(cur) == Closed {
			return
		}
		if p.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Start launches the event loop. Cancelling ctx has the same effect on the
// loop as Stop, but collaborators are only closed by Stop.
func (p *Pipeline) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go p.loop(ctx)
}

// Process hands a frame to the loop and waits until it is converted. The
// payload may be reused as soon as Process returns. A malformed frame returns
// an error wrapping convert.ErrBadFrameFormat and leaves the pipeline as it was.
func (p *Pipeline) Process(f types.Frame) error {
	if p.closed.Load() {
		return ErrPipelineClosed
	}
	if !p.started.Load() {
		return ErrNotStarted
	}
	m := frameMsg{frame: f, reply: make(chan error, 1)}
	select {
	case p.frames <- m:
	case <-p.done:
		return ErrPipelineClosed
	}
	return <-m.reply
}

// Flush blocks until no detection is outstanding and the faces of the last
// one have been published.
func (p *Pipeline) Flush(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPipelineClosed
	}
	if !p.started.Load() {
		return ErrNotStarted
	}
	reply := make(chan error, 1)
	select {
	case p.flushes <- reply:
	case <-p.done:
		return ErrPipelineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop moves to Closed, waits for the loop, then closes the detector and the
// runtime and drops the raster and the tensor pool. A detection still in
// flight is discarded. Stop is idempotent.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		p.closed.Store(true)
		p.state.Store(int32(Closed))
		close(p.quit)
		if p.started.Load() {
			<-p.done
		}

		var errs []error
		if err := p.deps.Detector.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close detector: %w", err))
		}
		if err := p.deps.Runtime.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close runtime: %w", err))
		}
		p.raster = nil
		p.deps.Preparer = nil
		p.stopErr = errors.Join(errs...)
		p.logger.Info("pipeline stopped", zap.Any("stats", p.Stats()))
	})
	return p.stopErr
}

func (p *Pipeline) loop(ctx context.Context) {
	defer close(p.done)
	defer func() {
		for _, w := range p.waiters {
			w <- ErrPipelineClosed
		}
		p.waiters = nil
	}()

	for {
		select {
		case <-p.quit:
			return
		case <-ctx.Done():
			p.closed.Store(true)
			p.state.Store(int32(Closed))
			return
		case m := <-p.frames:
			m.reply <- p.handleFrame(ctx, m.frame)
		case w := <-p.flushes:
			if p.pending == nil {
				w <- nil
			} else {
				p.waiters = append(p.waiters, w)
			}
		case r, ok := <-p.pending:
			p.pending = nil
			if !ok {
				r = detector.Result{Err: &detector.DetectorFailure{Cause: errors.New("result channel closed without a result")}}
			}
			p.handleResult(r)
			for _, w := range p.waiters {
				w <- nil
			}
			p.waiters = p.waiters[:0]
		}
	}
}

func (p *Pipeline) handleFrame(ctx context.Context, f types.Frame) (err error) {
	defer p.recoverCycle("convert", &err)
	p.stats.framesReceived.Add(1)

	raster, err := p.deps.Converter.Convert(f)
	if err != nil {
		p.stats.badFrames.Add(1)
		p.logger.Warn("frame dropped", zap.String("tag", "convert"), zap.Uint64("seq", f.Seq), zap.Error(err))
		return err
	}
	p.stats.framesConverted.Add(1)

	p.raster = raster
	p.meta = f.Meta
	p.seq = f.Seq

	if p.pending != nil {
		// One detection at a time; this frame only refreshes the raster.
		p.stats.framesCoalesced.Add(1)
		return nil
	}
	p.setState(Detecting)
	p.stats.detections.Add(1)
	p.pending = p.deps.Detector.Detect(ctx, raster)
	return nil
}

func (p *Pipeline) handleResult(r detector.Result) {
	var err error
	defer p.recoverCycle("recognise", &err)
	defer p.setState(Idle)

	if r.Err != nil {
		p.stats.detectorFailures.Add(1)
		p.logger.Warn("detection failed", zap.String("tag", "detector"), zap.Uint64("seq", p.seq), zap.Error(r.Err))
		return
	}
	if p.closed.Load() || p.raster == nil {
		return
	}
	p.setState(Recognising)
	p.recognise(r.Faces)
}

func (p *Pipeline) recoverCycle(tag string, err *error) {
	if r := recover(); r != nil {
		p.stats.panics.Add(1)
		p.logger.Error("recovered from panic", zap.String("tag", tag), zap.Uint64("seq", p.seq), zap.Any("panic", r))
		*err = fmt.Errorf("%s panicked: %v", tag, r)
		if p.pending == nil {
			p.setState(Idle)
		}
	}
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats { return p.stats.snapshot() }
