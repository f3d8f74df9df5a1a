// Package common holds process-wide identity and logger construction shared
// by the vmcloak binaries.
package common

import (
	"log/slog"
	"os"
)

// PackageName is the service identifier used in logs and metrics.
const PackageName = "vmcloak"

// Version is set at build time via -ldflags.
var Version = "dev"

// LoggingOpts configures the process logger.
type LoggingOpts struct {
	// Debug lowers the handler level to slog.LevelDebug.
	Debug bool

	// JSON switches the handler from text to JSON output.
	JSON bool

	// Service is attached as a "service" attribute when non-empty.
	Service string

	// Version is attached as a "version" attribute when non-empty.
	Version string
}

// SetupLogger builds the process slog.Logger from opts. Output goes to stderr.
func SetupLogger(opts *LoggingOpts) (log *slog.Logger) {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	if opts.JSON {
		log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	} else {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	}

	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}
	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}
	return log
}
