// Package logging provides the task logger threaded through every pipeline
// component. A Task opens a nested scope and returns a child logger plus the
// func that closes the scope, so nesting depth lives in the value rather
// than in shared counters.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

type Logger struct {
	base  *slog.Logger
	depth int
}

func New(base *slog.Logger) *Logger {
	if base == nil {
		base = slog.New(slog.DiscardHandler)
	}
	return &Logger{base: base}
}

// Nop discards everything.
func Nop() *Logger {
	return New(nil)
}

// NewSlog builds the process logger from CLI flags.
func NewSlog(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

// Or returns l, or a discarding logger when l is nil.
func Or(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}

func (l *Logger) Depth() int {
	return Or(l).depth
}

func (l *Logger) Slog() *slog.Logger {
	return Or(l).base
}

// With returns a logger at the same depth carrying extra attributes.
func (l *Logger) With(args ...any) *Logger {
	l = Or(l)
	return &Logger{base: l.base.With(args...), depth: l.depth}
}

// Item logs a leaf line in the current scope.
func (l *Logger) Item(msg string, args ...any) {
	l = Or(l)
	l.base.Info(l.indent(msg), l.attrs(args)...)
}

func (l *Logger) Debug(msg string, args ...any) {
	l = Or(l)
	l.base.Debug(l.indent(msg), l.attrs(args)...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l = Or(l)
	l.base.Warn(l.indent(msg), l.attrs(args)...)
}

// Task logs msg, opens a nested scope and returns its logger. The returned
// func closes the scope and logs the elapsed time.
func (l *Logger) Task(msg string, args ...any) (*Logger, func()) {
	l = Or(l)
	l.base.Info(l.indent(msg), l.attrs(args)...)
	child := &Logger{base: l.base, depth: l.depth + 1}
	start := time.Now()
	return child, func() {
		l.base.Info(l.indent("<done/>"), l.attrs([]any{"task", msg, "elapsed", time.Since(start).Round(time.Millisecond)})...)
	}
}

func (l *Logger) indent(msg string) string {
	if l.depth == 0 {
		return msg
	}
	return strings.Repeat("  ", l.depth) + msg
}

func (l *Logger) attrs(args []any) []any {
	return append([]any{"depth", l.depth}, args...)
}
