// Package logring implements a bounded in-memory slog.Handler so an operator
// endpoint can surface recent log lines without standing up a log
// aggregation pipeline, and so the relay's runtime log level can be raised or
// lowered without a restart.
package logring

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is a single captured log record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   slog.Level     `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// ringState holds the buffer and cursor every Handler derived from the same
// base (via WithAttrs/WithGroup) shares, so a write through any of them
// advances one cursor under one lock instead of racing independent copies
// over the same backing array.
type ringState struct {
	mu   sync.Mutex
	buf  []Entry
	next int
	size int
	full bool
}

// Handler is a slog.Handler that retains the last N records in a ring buffer
// and forwards every record to a wrapped handler for normal output.
type Handler struct {
	state *ringState

	level   *slog.LevelVar
	wrapped slog.Handler
	attrs   []slog.Attr
	group   string
}

// NewHandler builds a ring-buffered handler of the given capacity, wrapping
// handler for the actual log output (e.g. slog.NewJSONHandler(os.Stdout, ...)).
func NewHandler(capacity int, level *slog.LevelVar, wrapped slog.Handler) *Handler {
	if capacity <= 0 {
		capacity = 256
	}
	if level == nil {
		level = &slog.LevelVar{}
	}
	return &Handler{
		state:   &ringState{buf: make([]Entry, capacity), size: capacity},
		level:   level,
		wrapped: wrapped,
	}
}

// Level returns the shared level variable so a control endpoint can adjust it.
func (h *Handler) Level() *slog.LevelVar { return h.level }

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level() && h.wrapped.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	attrs := make(map[string]any, rec.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	rec.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		attrs[key] = a.Value.Any()
		return true
	})

	s := h.state
	s.mu.Lock()
	s.buf[s.next] = Entry{Time: rec.Time, Level: rec.Level, Message: rec.Message, Attrs: attrs}
	s.next = (s.next + 1) % s.size
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()

	return h.wrapped.Handle(ctx, rec)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{
		state: h.state,
		level: h.level, wrapped: h.wrapped.WithAttrs(attrs), attrs: merged, group: h.group,
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		state: h.state,
		level: h.level, wrapped: h.wrapped.WithGroup(name), attrs: h.attrs, group: name,
	}
}

// Recent returns up to limit most-recent entries, newest last. limit <= 0
// returns everything currently buffered.
func (h *Handler) Recent(limit int) []Entry {
	s := h.state
	s.mu.Lock()
	defer s.mu.Unlock()

	var ordered []Entry
	if s.full {
		ordered = append(ordered, s.buf[s.next:]...)
		ordered = append(ordered, s.buf[:s.next]...)
	} else {
		ordered = append(ordered, s.buf[:s.next]...)
	}
	if limit > 0 && limit < len(ordered) {
		ordered = ordered[len(ordered)-limit:]
	}
	out := make([]Entry, len(ordered))
	copy(out, ordered)
	return out
}
