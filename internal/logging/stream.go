// Package logging captures recent log records so the API can serve them
package logging

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultBufferSize is the number of entries kept when no size is configured
const DefaultBufferSize = 1000

// LogEntry is one captured log record
type LogEntry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Component string         `json:"component,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// RingBuffer stores the most recent log entries
type RingBuffer struct {
	entries []LogEntry
	size    int
	head    int
	count   int
	mu      sync.RWMutex

	subscribers map[chan LogEntry]struct{}
	subMu       sync.RWMutex
}

// NewRingBuffer creates a ring buffer holding size entries
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &RingBuffer{
		entries:     make([]LogEntry, size),
		size:        size,
		subscribers: make(map[chan LogEntry]struct{}),
	}
}

// Add stores an entry, overwriting the oldest when full
func (rb *RingBuffer) Add(entry LogEntry) {
	rb.mu.Lock()
	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % rb.size
	if rb.count < rb.size {
		rb.count++
	}
	rb.mu.Unlock()

	rb.subMu.RLock()
	for ch := range rb.subscribers {
		select {
		case ch <- entry:
		default:
			// slow subscriber
		}
	}
	rb.subMu.RUnlock()
}

// Len returns the number of stored entries
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// GetRecent returns up to n of the most recent entries, oldest first
func (rb *RingBuffer) GetRecent(n int) []LogEntry {
	return rb.Query(Filter{Limit: n})
}

// Filter narrows a Query
type Filter struct {
	MinLevel  slog.Level
	Component string
	JobID     string
	Limit     int
}

// Match reports whether an entry passes the filter. Limit is ignored.
func (f Filter) Match(e LogEntry) bool {
	if f.Component != "" && e.Component != f.Component {
		return false
	}
	if f.JobID != "" && e.JobID != f.JobID {
		return false
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(e.Level)); err == nil && lvl < f.MinLevel {
		return false
	}
	return true
}

// Query returns the most recent matching entries, oldest first. A zero
// Limit returns every match.
func (rb *RingBuffer) Query(f Filter) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []LogEntry
	// Walk newest to oldest so Limit keeps the latest entries
	for i := 0; i < rb.count; i++ {
		e := rb.entries[(rb.head-1-i+rb.size)%rb.size]
		if !f.Match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Subscribe returns a channel that receives new entries
func (rb *RingBuffer) Subscribe() chan LogEntry {
	ch := make(chan LogEntry, 100)
	rb.subMu.Lock()
	rb.subscribers[ch] = struct{}{}
	rb.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription
func (rb *RingBuffer) Unsubscribe(ch chan LogEntry) {
	rb.subMu.Lock()
	if _, ok := rb.subscribers[ch]; ok {
		delete(rb.subscribers, ch)
		close(ch)
	}
	rb.subMu.Unlock()
}

// StreamHandler is a slog handler that tees records into a ring buffer
type StreamHandler struct {
	buffer   *RingBuffer
	fallback slog.Handler
	level    slog.Leveler
	attrs    []slog.Attr
}

// NewStreamHandler creates a handler writing JSON to w and capturing every
// enabled record in buffer. Passing a *slog.LevelVar allows changing the
// level at runtime.
func NewStreamHandler(buffer *RingBuffer, w io.Writer, level slog.Leveler) *StreamHandler {
	return &StreamHandler{
		buffer:   buffer,
		fallback: slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}),
		level:    level,
	}
}

// Enabled implements slog.Handler
func (h *StreamHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler
func (h *StreamHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   make(map[string]any),
	}

	collect := func(a slog.Attr) bool {
		switch a.Key {
		case "component":
			entry.Component = a.Value.String()
		case "job_id":
			entry.JobID = a.Value.String()
		default:
			entry.Attrs[a.Key] = a.Value.Resolve().Any()
		}
		return true
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(collect)

	if len(entry.Attrs) == 0 {
		entry.Attrs = nil
	}
	h.buffer.Add(entry)

	return h.fallback.Handle(ctx, r)
}

// WithAttrs implements slog.Handler
func (h *StreamHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &StreamHandler{
		buffer:   h.buffer,
		fallback: h.fallback.WithAttrs(attrs),
		level:    h.level,
		attrs:    merged,
	}
}

// WithGroup implements slog.Handler. Groups only affect the JSON output.
func (h *StreamHandler) WithGroup(name string) slog.Handler {
	return &StreamHandler{
		buffer:   h.buffer,
		fallback: h.fallback.WithGroup(name),
		level:    h.level,
		attrs:    h.attrs,
	}
}
