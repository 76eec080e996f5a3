// Package logging installs the process-wide slog logger, tagged with the
// service name so the four courier binaries are distinguishable in
// aggregated output.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init sets the default logger. Format is "json" (the default, for
// production) or "text" (for local runs); anything else falls back to JSON.
func Init(service, format string) *slog.Logger {
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, nil)
	default:
		handler = slog.NewJSONHandler(os.Stdout, nil)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	return logger
}
