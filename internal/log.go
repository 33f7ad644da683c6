package internal

import (
	"context"
	"os"
	"time"

	charm "github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
)

type logCtxKey struct{}

// RequestIDKey carries a request or job identifier on the context so log
// lines from background work can be correlated.
type RequestIDKey struct{}

var _defaultLogger = newLogger()

func newLogger() *charm.Logger {
	opts := charm.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	}
	logger := charm.NewWithOptions(os.Stderr, opts)
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logger.SetFormatter(charm.LogfmtFormatter)
	}
	if os.Getenv("DEBUG") != "" {
		logger.SetLevel(charm.DebugLevel)
	}
	return logger
}

// Log returns a logger scoped to the given context. If the context carries a
// request ID it is included with every line.
func Log(ctx context.Context) *charm.Logger {
	if logger, ok := ctx.Value(logCtxKey{}).(*charm.Logger); ok {
		return logger
	}
	logger := _defaultLogger
	if id, ok := ctx.Value(RequestIDKey{}).(string); ok && id != "" {
		logger = logger.With("requestID", id)
	}
	return logger
}

// WithLogger attaches a pre-configured logger to the context. Tests use this
// to silence output.
func WithLogger(ctx context.Context, logger *charm.Logger) context.Context {
	return context.WithValue(ctx, logCtxKey{}, logger)
}

// withRequestID tags the context with a job identifier for logging.
func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey{}, id)
}
