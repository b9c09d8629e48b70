// Package labels loads the ordered label list that names each model output channel.
package labels

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// List is an immutable, ordered list of labels. Index i names output channel i.
type List struct {
	labels []string
}

// Load reads a label file from disk.
func Load(path string) (*List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open label file: %w", err)
	}
	defer f.Close()

	l, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read label file %s: %w", path, err)
	}
	return l, nil
}

// Parse reads one label per line. Empty lines are kept as empty labels and a
// trailing newline does not add an entry.
func Parse(r io.Reader) (*List, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		out = append(out, strings.TrimSuffix(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &List{labels: out}, nil
}

// New wraps an in-memory slice. The slice is copied.
func New(labels ...string) *List {
	return &List{labels: append([]string(nil), labels...)}
}

// Len returns the number of labels. A nil List is empty.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.labels)
}

// At returns the label for output channel i.
func (l *List) At(i int) string {
	return l.labels[i]
}

// All returns a copy of the labels.
func (l *List) All() []string {
	if l == nil {
		return nil
	}
	return append([]string(nil), l.labels...)
}
