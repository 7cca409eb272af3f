// Package logging builds the one structured logger the application passes
// down to every component via constructor arguments, following the
// tint-over-slog pairing carried in the example pack's maruel/caic module.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// New builds a *slog.Logger writing to w. When w is a terminal (checked via
// isatty), output is colorized and human-readable; otherwise it's the same
// tint text format without ANSI codes, safe to pipe or redirect to a file.
func New(w io.Writer, level slog.Level) *slog.Logger {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    !color,
	})
	return slog.New(handler)
}

// Default builds a logger at slog.LevelInfo writing to stderr, for callers
// that don't need a custom level (most CLI subcommands).
func Default() *slog.Logger {
	return New(os.Stderr, slog.LevelInfo)
}

// Discard is a logger that drops everything, for tests that don't want log
// noise but still need to pass a non-nil *slog.Logger down.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
