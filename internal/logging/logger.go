// Package logging sets up log/slog for the importer.
//
// Every import run carries a run id. WithRunID stores it in the context
// and FromContext returns a logger that tags all entries with it, so the
// records of one run can be correlated across the engine, the attachment
// resolver and the aggregator.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

type ctxKey struct{}

// Setup installs the default logger. Level is one of debug, info, warn
// or error and format is text or json.
//
// Records go to stderr so they never mix with reports printed on stdout.
// When file is set, records are also written to it as JSON. The returned
// function closes the file.
func Setup(level, format, file string) func() error {
	logger, cleanup := New(os.Stderr, level, format, file)
	slog.SetDefault(logger)
	return cleanup
}

// New builds a logger writing to w, and to file as JSON when set.
func New(w io.Writer, level, format, file string) (*slog.Logger, func() error) {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	handler := slog.Handler(slog.NewTextHandler(w, opts))
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	}

	noop := func() error { return nil }
	if file == "" {
		return slog.New(handler), noop
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger := slog.New(handler)
		logger.Error("failed to open log file, using stderr only", "error", err, "file", file)
		return logger, noop
	}

	return NewWithWriters(handler, f, opts.Level.Level()), f.Close
}

// NewWithWriters fans records out to handler and to file as JSON.
func NewWithWriters(handler slog.Handler, file io.Writer, level slog.Level) *slog.Logger {
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(handler, fileHandler))
}

// parseLevel accepts the slog level names plus "warning". Anything else
// logs at info.
func parseLevel(level string) slog.Level {
	name := strings.TrimSpace(level)
	if strings.EqualFold(name, "warning") {
		name = "warn"
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// WithRunID returns a context carrying the import run id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, runID)
}

// RunID returns the run id stored in ctx, or "".
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// FromContext returns the default logger enriched with the run id found
// in ctx.
//
// Usage:
//
//	ctx = logging.WithRunID(ctx, runID)
//	logging.FromContext(ctx).Info("import started", "model", "Trek")
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if id := RunID(ctx); id != "" {
		logger = logger.With("run_id", id)
	}
	return logger
}

// WithFields returns a logger with additional structured fields.
//
// Usage:
//
//	logger := logging.WithFields(ctx, "source", "geotrek-admin", "model", "Trek")
//	logger.Warn("source has no url")
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}
