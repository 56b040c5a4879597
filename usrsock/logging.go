package usrsock

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	nopLogger    = zap.NewNop()
	globalLogger atomic.Pointer[zap.Logger]
)

// SetLogger replaces the package logger. A nil logger silences logging.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = nopLogger
	}
	globalLogger.Store(l)
}

// Logger returns the package logger, which defaults to a no-op logger.
func Logger() *zap.Logger {
	if l := globalLogger.Load(); l != nil {
		return l
	}
	return nopLogger
}
