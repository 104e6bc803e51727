package log

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// NewConsoleHandler creates a handler that writes to the given writer.
// Format "auto" picks text for terminals and json for everything else.
func NewConsoleHandler(w io.Writer, cfg *Config, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	if resolveFormat(w, cfg.Format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func resolveFormat(w io.Writer, format string) string {
	if format != "auto" && format != "" {
		return format
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "text"
	}
	return "json"
}
