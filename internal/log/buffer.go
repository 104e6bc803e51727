package log

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

// RingBuffer keeps the most recent formatted log lines.
type RingBuffer struct {
	mu    sync.RWMutex
	lines []string
	next  int
	count int
}

// NewRingBuffer creates a new ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &RingBuffer{lines: make([]string, capacity)}
}

// Add appends a line, overwriting the oldest once full.
func (rb *RingBuffer) Add(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.lines[rb.next] = line
	rb.next = (rb.next + 1) % len(rb.lines)
	if rb.count < len(rb.lines) {
		rb.count++
	}
}

// Lines returns up to n of the newest lines, oldest first.
func (rb *RingBuffer) Lines(n int) []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n > rb.count {
		n = rb.count
	}
	if n <= 0 {
		return []string{}
	}

	out := make([]string, n)
	start := rb.next - n
	if start < 0 {
		start += len(rb.lines)
	}
	for i := range out {
		out[i] = rb.lines[(start+i)%len(rb.lines)]
	}
	return out
}

// Total returns the number of lines currently held.
func (rb *RingBuffer) Total() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Capacity returns the buffer capacity.
func (rb *RingBuffer) Capacity() int {
	return len(rb.lines)
}

// BufferHandler copies every record into a RingBuffer as text before
// forwarding it to the wrapped handler.
type BufferHandler struct {
	wrapped slog.Handler
	buffer  *RingBuffer
	attrs   []slog.Attr
	group   string
}

// NewBufferHandler creates a handler that stores logs in the buffer and forwards to wrapped.
func NewBufferHandler(wrapped slog.Handler, buffer *RingBuffer) *BufferHandler {
	return &BufferHandler{wrapped: wrapped, buffer: buffer}
}

// Enabled always captures; the wrapped handler filters on its own.
func (h *BufferHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

// Handle implements slog.Handler.
func (h *BufferHandler) Handle(ctx context.Context, r slog.Record) error {
	var buf bytes.Buffer
	var text slog.Handler = slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	if len(h.attrs) > 0 {
		text = text.WithAttrs(h.attrs)
	}
	if h.group != "" {
		text = text.WithGroup(h.group)
	}
	if err := text.Handle(ctx, r); err == nil {
		h.buffer.Add(strings.TrimRight(buf.String(), "\n"))
	}

	if h.wrapped != nil && h.wrapped.Enabled(ctx, r.Level) {
		return h.wrapped.Handle(ctx, r)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &BufferHandler{
		buffer: h.buffer,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		group:  h.group,
	}
	if h.wrapped != nil {
		next.wrapped = h.wrapped.WithAttrs(attrs)
	}
	return next
}

// WithGroup implements slog.Handler.
func (h *BufferHandler) WithGroup(name string) slog.Handler {
	next := &BufferHandler{
		buffer: h.buffer,
		attrs:  h.attrs,
		group:  name,
	}
	if h.wrapped != nil {
		next.wrapped = h.wrapped.WithGroup(name)
	}
	return next
}
