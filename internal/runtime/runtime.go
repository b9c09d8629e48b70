// Package runtime owns the memory-mapped model and the inference engine behind it.
package runtime

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/braianuc/p3facereco/internal/tensor"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrRuntimeClosed is returned by Infer after Close.
var ErrRuntimeClosed = errors.New("runtime closed")

// ModelLoadError reports why a model could not be opened.
type ModelLoadError struct {
	Path  string
	Cause error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("failed to load model %s: %v", e.Path, e.Cause)
}

func (e *ModelLoadError) Unwrap() error { return e.Cause }

// ModelSpec locates the model inside its container file. Length 0 means
// "up to the end of the file".
type ModelSpec struct {
	Path   string
	Offset int64
	Length int64
}

// Options are passed to the engine.
type Options struct {
	Threads int
}

// Engine runs a loaded model. Invoke takes a packed input tensor and returns the
// flattened output.
type Engine interface {
	Invoke(input []byte) ([]float32, error)
	InputSize() int
	OutputLen() int
	Close() error
}

// EngineFactory builds an Engine from the mapped model bytes. The bytes stay
// valid until the engine is closed.
type EngineFactory func(model []byte, opts Options) (Engine, error)

// Adapter is the Model Runtime. Callers serialise Infer; the mutex only guards
// against Close racing an in-flight call.
type Adapter struct {
	path    string
	mapping []byte
	model   []byte
	engine  Engine
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
}

// Open maps spec read-only and hands it to the engine built by factory.
func Open(spec ModelSpec, opts Options, factory EngineFactory, logger *zap.Logger) (*Adapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mapping, model, err := mapRange(spec)
	if err != nil {
		return nil, &ModelLoadError{Path: spec.Path, Cause: err}
	}

	engine, err := factory(model, opts)
	if err != nil {
		unix.Munmap(mapping)
		return nil, &ModelLoadError{Path: spec.Path, Cause: err}
	}

	logger.Info("model loaded",
		zap.String("path", spec.Path),
		zap.Int64("offset", spec.Offset),
		zap.Int("bytes", len(model)),
		zap.Int("input_bytes", engine.InputSize()),
		zap.Int("outputs", engine.OutputLen()),
	)
	return &Adapter{path: spec.Path, mapping: mapping, model: model, engine: engine, logger: logger}, nil
}

// mapRange maps [offset, offset+length) of the file. Mmap offsets must be page
// aligned, so the mapping may start earlier than the model.
func mapRange(spec ModelSpec) (mapping, model []byte, err error) {
	f, err := os.Open(spec.Path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	size := info.Size()
	if spec.Offset < 0 || spec.Length < 0 {
		return nil, nil, fmt.Errorf("invalid range offset=%d length=%d", spec.Offset, spec.Length)
	}
	length := spec.Length
	if length == 0 {
		length = size - spec.Offset
	}
	if length <= 0 || spec.Offset+length > size {
		return nil, nil, fmt.Errorf("declared range [%d, %d) exceeds file size %d", spec.Offset, spec.Offset+length, size)
	}

	page := int64(os.Getpagesize())
	aligned := spec.Offset &^ (page - 1)
	lead := spec.Offset - aligned
	mapping, err = unix.Mmap(int(f.Fd()), aligned, int(lead+length), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap: %w", err)
	}
	return mapping, mapping[lead : lead+length], nil
}

// Model returns the mapped model bytes. They are invalid after Close.
func (a *Adapter) Model() []byte { return a.model }

// InputSize is the byte length the engine expects.
func (a *Adapter) InputSize() int { return a.engine.InputSize() }

// OutputLen is the number of output channels.
func (a *Adapter) OutputLen() int { return a.engine.OutputLen() }

// Infer runs the model on t and returns a fresh [numLabels] vector.
func (a *Adapter) Infer(t *tensor.Tensor) ([]float32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrRuntimeClosed
	}
	if want := a.engine.InputSize(); want > 0 && t.Len() != want {
		return nil, fmt.Errorf("input tensor is %d bytes, model expects %d", t.Len(), want)
	}
	out, err := a.engine.Invoke(t.Bytes())
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return out, nil
}

// Close releases the engine and unmaps the model. It is safe to call twice.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	err := a.engine.Close()
	if uerr := unix.Munmap(a.mapping); uerr != nil && err == nil {
		err = fmt.Errorf("munmap: %w", uerr)
	}
	a.mapping, a.model = nil, nil
	a.logger.Debug("model released", zap.String("path", a.path))
	return err
}
