// Package testutil provides test-only log capture. Handlers returned
// here record every emitted line, including attributes bound with
// Logger.With, so tests can assert that sensitive values (full license
// keys above all) never reach the logs.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Record is one captured log line.
type Record struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

type recordSink struct {
	mu      sync.Mutex
	records []Record
}

// CaptureHandler is a slog.Handler that stores records in memory.
// WithAttrs and WithGroup return clones sharing the same sink, so a
// single handler observes every derived logger.
type CaptureHandler struct {
	sink  *recordSink
	attrs []slog.Attr
	group string
}

// NewCaptureLogger returns a logger wired to a fresh capture handler.
func NewCaptureLogger() (*slog.Logger, *CaptureHandler) {
	h := &CaptureHandler{sink: &recordSink{}}
	return slog.New(h), h
}

// Enabled captures every level; tests decide what matters.
func (h *CaptureHandler) Enabled(context.Context, slog.Level) bool { return true }

// Handle stores the record, merging in attributes bound upstream.
func (h *CaptureHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[h.key(a.Key)] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[h.key(a.Key)] = a.Value.Any()
		return true
	})

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	h.sink.records = append(h.sink.records, Record{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   attrs,
	})
	return nil
}

// WithAttrs returns a clone carrying the extra attributes.
func (h *CaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

// WithGroup returns a clone that prefixes attribute keys.
func (h *CaptureHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if clone.group == "" {
		clone.group = name
	} else {
		clone.group = clone.group + "." + name
	}
	return &clone
}

func (h *CaptureHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

// Records returns a copy of everything captured so far.
func (h *CaptureHandler) Records() []Record {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	out := make([]Record, len(h.sink.records))
	copy(out, h.sink.records)
	return out
}

// ContainsText reports whether text appears in any captured message or
// in the rendered form of any attribute value.
func (h *CaptureHandler) ContainsText(text string) bool {
	for _, rec := range h.Records() {
		if strings.Contains(rec.Message, text) {
			return true
		}
		for k, v := range rec.Attrs {
			if strings.Contains(k, text) || strings.Contains(fmt.Sprint(v), text) {
				return true
			}
		}
	}
	return false
}

// Reset discards captured records.
func (h *CaptureHandler) Reset() {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	h.sink.records = nil
}
