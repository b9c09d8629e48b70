// Package tfl is the TensorFlow Lite engine behind runtime.Adapter.
package tfl

import (
	"errors"
	"fmt"

	"github.com/braianuc/p3facereco/internal/runtime"
	"github.com/mattn/go-tflite"
)

// Engine wraps one interpreter with a single input and a single output tensor.
type Engine struct {
	model   *tflite.Model
	options *tflite.InterpreterOptions
	interp  *tflite.Interpreter
	input   *tflite.Tensor
	output  *tflite.Tensor
	outLen  int
}

// New satisfies runtime.EngineFactory.
func New(model []byte, opts runtime.Options) (runtime.Engine, error) {
	m := tflite.NewModel(model)
	if m == nil {
		return nil, errors.New("tflite rejected the model")
	}

	options := tflite.NewInterpreterOptions()
	if opts.Threads > 0 {
		options.SetNumThread(opts.Threads)
	}

	interp := tflite.NewInterpreter(m, options)
	if interp == nil {
		options.Delete()
		m.Delete()
		return nil, errors.New("failed to create interpreter")
	}

	e := &Engine{model: m, options: options, interp: interp}
	if status := interp.AllocateTensors(); status != tflite.OK {
		e.Close()
		return nil, fmt.Errorf("allocate tensors: status %v", status)
	}

	e.input = interp.GetInputTensor(0)
	e.output = interp.GetOutputTensor(0)
	if e.input == nil || e.output == nil {
		e.Close()
		return nil, errors.New("model has no input or output tensor")
	}
	if e.input.Type() != tflite.Float32 {
		e.Close()
		return nil, fmt.Errorf("unsupported input type %v, want float32", e.input.Type())
	}

	// Output is [1, numLabels].
	e.outLen = 1
	for i := 0; i < e.output.NumDims(); i++ {
		e.outLen *= e.output.Dim(i)
	}
	return e, nil
}

func (e *Engine) InputSize() int { return int(e.input.ByteSize()) }

func (e *Engine) OutputLen() int { return e.outLen }

// Invoke copies input in, runs the interpreter and returns a float copy of the
// output. Quantized uint8 outputs are dequantized with the tensor's parameters.
func (e *Engine) Invoke(input []byte) ([]float32, error) {
	if status := e.input.CopyFromBuffer(input); status != tflite.OK {
		return nil, fmt.Errorf("copy input: status %v", status)
	}
	if status := e.interp.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("invoke: status %v", status)
	}

	out := make([]float32, e.outLen)
	switch e.output.Type() {
	case tflite.Float32:
		copy(out, e.output.Float32s())
	case tflite.UInt8:
		q := e.output.QuantizationParams()
		for i, v := range e.output.UInt8s() {
			if i >= len(out) {
				break
			}
			out[i] = float32(q.Scale * float64(int(v)-q.ZeroPoint))
		}
	default:
		return nil, fmt.Errorf("unsupported output type %v", e.output.Type())
	}
	return out, nil
}

func (e *Engine) Close() error {
	if e.interp != nil {
		e.interp.Delete()
		e.interp = nil
	}
	if e.options != nil {
		e.options.Delete()
		e.options = nil
	}
	if e.model != nil {
		e.model.Delete()
		e.model = nil
	}
	return nil
}
