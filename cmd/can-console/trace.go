package main

import (
	"io"
	"sync"

	"github.com/fatih/color"
)

// traceWriter is the writer capture pipelines stream into. It is built once
// so sessions can keep a stable handle while dump commands toggle coloring.
type traceWriter struct {
	mu sync.Mutex
	w  io.Writer
	c  *color.Color
}

func newTraceWriter(w io.Writer) *traceWriter { return &traceWriter{w: w} }

func (t *traceWriter) SetColor(c *color.Color) {
	t.mu.Lock()
	t.c = c
	t.mu.Unlock()
}

func (t *traceWriter) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		if _, err := t.c.Fprint(t.w, string(p)); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return t.w.Write(p)
}
