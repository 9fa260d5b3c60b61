package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// ConsoleHandler is a slog.Handler that writes logs in a human-readable format:
// <RFC3339> cernvm-webapi[pid]: [level] component: Message key=value
type ConsoleHandler struct {
	opts  slog.HandlerOptions
	out   io.Writer
	mu    sync.Mutex
	attrs []slog.Attr
}

var (
	processPrefix   = "cernvm-webapi"
	processPrefixMu sync.RWMutex
)

// SetPrefix sets the global log prefix.
func SetPrefix(prefix string) {
	processPrefixMu.Lock()
	defer processPrefixMu.Unlock()
	processPrefix = prefix
}

// GetPrefix returns the current global log prefix.
func GetPrefix() string {
	processPrefixMu.RLock()
	defer processPrefixMu.RUnlock()
	return processPrefix
}

// NewConsoleHandler creates a new ConsoleHandler.
func NewConsoleHandler(out io.Writer, opts *slog.HandlerOptions) *ConsoleHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &ConsoleHandler{
		out:  out,
		opts: *opts,
	}
}

// Enabled reports whether the handler is enabled for this level.
func (h *ConsoleHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

// Handle handles the Record.
func (h *ConsoleHandler) Handle(ctx context.Context, r slog.Record) error {
	buf := make([]byte, 0, 1024)

	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	buf = append(buf, t.Format(time.RFC3339)...)
	buf = append(buf, ' ')

	procName := strings.ToLower(GetPrefix())
	if procName == "" {
		procName = "cernvm-webapi"
	}
	buf = append(buf, fmt.Sprintf("%s[%d]: ", procName, os.Getpid())...)

	buf = append(buf, '[')
	buf = append(buf, strings.ToLower(r.Level.String())...)
	buf = append(buf, "] "...)

	// The "component" attribute is promoted into the header.
	component := ""
	for _, a := range h.attrs {
		if a.Key == "component" {
			component = strings.ToLower(a.Value.String())
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = strings.ToLower(a.Value.String())
			return false
		}
		return true
	})

	if component != "" {
		buf = append(buf, component...)
		buf = append(buf, ':', ' ')
	}

	buf = append(buf, r.Message...)

	for _, a := range h.attrs {
		if a.Key == "component" {
			continue
		}
		buf = append(buf, ' ')
		h.appendAttr(&buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			return true
		}
		buf = append(buf, ' ')
		h.appendAttr(&buf, a)
		return true
	})

	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf)
	return err
}

// appendAttr formats a single attribute as key=value.
func (h *ConsoleHandler) appendAttr(buf *[]byte, a slog.Attr) {
	*buf = append(*buf, a.Key...)
	*buf = append(*buf, '=')
	val := a.Value.String()
	if strings.ContainsAny(val, " \t") {
		*buf = append(*buf, fmt.Sprintf("%q", val)...)
	} else {
		*buf = append(*buf, val...)
	}
}

// WithAttrs returns a new handler with the given attributes pre-bound.
func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	newAttrs = append(newAttrs, attrs...)
	return &ConsoleHandler{
		opts:  h.opts,
		out:   h.out,
		attrs: newAttrs,
	}
}

// WithGroup returns the handler unchanged; groups are flattened.
func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	return h
}
