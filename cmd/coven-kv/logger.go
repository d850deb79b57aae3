// ABOUTME: Logger setup for coven-kv with a compact colored handler for terminals
// ABOUTME: JSON output is used when logging.format is json

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/coven-kv/internal/config"
)

// setupLogger creates a logger writing to stderr; stdout is reserved for
// command output.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	return newLogger(os.Stderr, cfg)
}

func newLogger(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{out: &lockedWriter{w: w}, level: level})
}

// lockedWriter serializes writes from handlers derived via WithAttrs.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// colorHandler writes one line per record: time, level tag, message, attrs.
type colorHandler struct {
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	b.WriteString(color.HiBlackString(r.Time.Format("15:04:05")))
	b.WriteByte(' ')

	switch {
	case r.Level >= slog.LevelError:
		b.WriteString(color.RedString("ERR"))
	case r.Level >= slog.LevelWarn:
		b.WriteString(color.YellowString("WRN"))
	case r.Level >= slog.LevelInfo:
		b.WriteString(color.CyanString("INF"))
	default:
		b.WriteString(color.HiBlackString("DBG"))
	}
	b.WriteByte(' ')
	b.WriteString(r.Message)

	write := func(a slog.Attr) {
		b.WriteString(color.HiBlackString(" " + a.Key + "="))
		fmt.Fprint(&b, a.Value.Resolve().Any())
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		write(h.qualify(a))
		return true
	})
	b.WriteByte('\n')

	_, err := io.WriteString(h.out, b.String())
	return err
}

// qualify prefixes a's key with the open groups.
func (h *colorHandler) qualify(a slog.Attr) slog.Attr {
	if len(h.groups) > 0 {
		a.Key = strings.Join(h.groups, ".") + "." + a.Key
	}
	return a
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]slog.Attr{}, h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.qualify(a))
	}
	return &next
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}
