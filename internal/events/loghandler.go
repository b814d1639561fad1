package events

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// LogLine is one captured log record, exposed over IPC.
type LogLine struct {
	Level   string         `json:"level"`
	Message string         `json:"msg"`
	Time    time.Time      `json:"ts"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// ringState is shared between a handler and its WithAttrs/WithGroup clones.
type ringState struct {
	mu          sync.Mutex
	ring        []LogLine
	size        int
	pos         int
	count       int
	subscribers map[int]chan LogLine
	nextID      int
}

// LogHandler is a slog.Handler that writes to stderr and keeps the most
// recent records in a ring buffer for the IPC log endpoint.
type LogHandler struct {
	inner  slog.Handler
	state  *ringState
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

func NewLogHandler(level slog.Leveler, ringSize int) *LogHandler {
	if ringSize <= 0 {
		ringSize = 1000
	}
	return &LogHandler{
		inner: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
		state: &ringState{
			ring:        make([]LogLine, ringSize),
			size:        ringSize,
			subscribers: make(map[int]chan LogLine),
		},
		level: level,
	}
}

func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}

	attrs := make(map[string]any)
	for _, a := range h.attrs {
		attrs[h.prefix+a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[h.prefix+a.Key] = a.Value.Any()
		return true
	})

	line := LogLine{
		Level:   r.Level.String(),
		Message: r.Message,
		Time:    r.Time,
	}
	if len(attrs) > 0 {
		line.Attrs = attrs
	}

	s := h.state
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring[s.pos] = line
	s.pos = (s.pos + 1) % s.size
	if s.count < s.size {
		s.count++
	}

	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
		}
	}
	return nil
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithAttrs(attrs)
	clone.attrs = append(cloneAttrs(h.attrs), attrs...)
	return &clone
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.inner = h.inner.WithGroup(name)
	clone.prefix = h.prefix + name + "."
	return &clone
}

// Subscribe registers a live log consumer and returns the buffered history.
func (h *LogHandler) Subscribe() (id int, ch <-chan LogLine, recent []LogLine) {
	s := h.state
	s.mu.Lock()
	defer s.mu.Unlock()

	c := make(chan LogLine, 64)
	id = s.nextID
	s.nextID++
	s.subscribers[id] = c

	return id, c, s.recentLocked()
}

func (h *LogHandler) Unsubscribe(id int) {
	s := h.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(ch)
	}
}

// Recent returns a copy of the buffered log lines, oldest first.
func (h *LogHandler) Recent() []LogLine {
	s := h.state
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentLocked()
}

func (s *ringState) recentLocked() []LogLine {
	if s.count == 0 {
		return nil
	}
	result := make([]LogLine, s.count)
	start := (s.pos - s.count + s.size) % s.size
	for i := range s.count {
		result[i] = s.ring[(start+i)%s.size]
	}
	return result
}

func cloneAttrs(attrs []slog.Attr) []slog.Attr {
	if len(attrs) == 0 {
		return nil
	}
	c := make([]slog.Attr, len(attrs))
	copy(c, attrs)
	return c
}
