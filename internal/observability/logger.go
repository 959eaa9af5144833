package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a tint logger writing to w. Colour is used only when w is
// a terminal.
func NewLogger(level string, w io.Writer) *slog.Logger {
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	if tw, ok := w.(*termWriter); ok {
		noColor = !isatty.IsTerminal(tw.out.Fd())
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      ParseLevel(level),
		TimeFormat: time.TimeOnly,
		NoColor:    noColor,
	}))
}
