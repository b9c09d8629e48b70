// Package filter implements the cascaded low-pass filter applied to probability vectors.
package filter

import "fmt"

// Defaults used by the recognition pipeline.
const (
	DefaultStages = 3
	DefaultFactor = 0.4
)

// Mode selects what the pipeline feeds the filter and what it selects from.
type Mode string

const (
	// ModeReference feeds a zero vector every inference and selects from the
	// raw runtime output. This matches the behaviour of the deployed app.
	ModeReference Mode = "reference"
	// ModeSmooth feeds the runtime output and selects from the last stage.
	ModeSmooth Mode = "smooth"
)

// Cascade is a chain of first-order IIR stages over a vector of fixed width.
// It is not safe for concurrent use.
type Cascade struct {
	factor float32
	state  [][]float32
}

// New allocates a zeroed cascade.
func New(stages, width int, factor float32) (*Cascade, error) {
	if stages < 1 {
		return nil, fmt.Errorf("filter needs at least one stage, got %d", stages)
	}
	if width < 0 {
		return nil, fmt.Errorf("invalid filter width %d", width)
	}
	if factor <= 0 || factor > 1 {
		return nil, fmt.Errorf("filter factor must be in (0, 1], got %f", factor)
	}
	state := make([][]float32, stages)
	backing := make([]float32, stages*width)
	for s := range state {
		state[s] = backing[s*width : (s+1)*width : (s+1)*width]
	}
	return &Cascade{factor: factor, state: state}, nil
}

// Width is the vector length the cascade was built for.
func (c *Cascade) Width() int { return len(c.state[0]) }

// Stages is the number of stages in the cascade.
func (c *Cascade) Stages() int { return len(c.state) }

// Update feeds p through every stage and returns the last stage. Entries of p
// beyond the cascade width are ignored and missing entries count as zero.
// The returned slice is owned by the cascade and changes on the next Update.
func (c *Cascade) Update(p []float32) []float32 {
	first := c.state[0]
	for j := range first {
		var v float32
		if j < len(p) {
			v = p[j]
		}
		first[j] += c.factor * (v - first[j])
	}
	for s := 1; s < len(c.state); s++ {
		prev, cur := c.state[s-1], c.state[s]
		for j := range cur {
			cur[j] += c.factor * (prev[j] - cur[j])
		}
	}
	return c.Output()
}

// Output returns the last stage without updating.
func (c *Cascade) Output() []float32 {
	return c.state[len(c.state)-1]
}

// Stage returns stage s. It panics when s is out of range.
func (c *Cascade) Stage(s int) []float32 {
	return c.state[s]
}

// Reset zeroes every stage.
func (c *Cascade) Reset() {
	for _, st := range c.state {
		clear(st)
	}
}
