// Package logger provides utilities for carrying a [zerolog.Logger]
// on a [context.Context], plus fatal-error helpers used at process
// boundaries (CLI flag parsing, listener setup) where there's no
// sensible way to keep running.
package logger

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

// InContext returns a copy of ctx carrying l, retrievable with [FromContext].
func InContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// FromContext returns the logger carried by ctx. If none was attached with
// [InContext], it returns [zerolog.DefaultContextLogger] when that is set,
// and a disabled logger otherwise.
func FromContext(ctx context.Context) zerolog.Logger {
	return *zerolog.Ctx(ctx)
}

// Fatal logs msg at fatal level using the logger carried by ctx, then exits.
func Fatal(ctx context.Context, msg string) {
	FromContext(ctx).Fatal().Msg(msg)
}

// FatalError logs msg and err at fatal level using a new timestamped logger
// that writes to stderr, then exits.
func FatalError(msg string, err error) {
	zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Msg(msg)
}

// FatalErrorContext logs msg and err at fatal level using the logger carried
// by ctx, then exits.
func FatalErrorContext(ctx context.Context, msg string, err error) {
	FromContext(ctx).Fatal().Err(err).Msg(msg)
}
