package stm

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// defaultLogger is the package-wide logger used by the driver and shared
// gate to emit structured debug/trace events ("tx begin", "tx commit", "tx
// conflict", "tx restart", "irrevocable wait"). It defaults to a no-op
// logger so logging costs nothing on the hot path until a caller opts in
// with [SetLogger].
var defaultLogger atomic.Pointer[zerolog.Logger]

func init() {
	nop := zerolog.Nop()
	defaultLogger.Store(&nop)
}

// SetLogger installs logger as the package-wide logger for every
// [SharedState] created after this call (existing SharedState values keep
// the logger they were built with - see [NewSharedState] and
// [SharedState.WithLogger]).
func SetLogger(logger zerolog.Logger) {
	defaultLogger.Store(&logger)
}

// NewDevLogger returns a human-readable, debug-level logger suitable for
// local development, writing to stderr in zerolog's console format.
func NewDevLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(zerolog.DebugLevel).
		With().Timestamp().Logger()
}
