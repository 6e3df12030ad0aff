package net

import "go.uber.org/zap"

// Logger is the package-wide structured logger. It defaults to a zap
// production logger and can be overridden with SetLogger, e.g. to wire
// in a caller's own zap.Logger or to silence the library in tests.
//
// fishnet logs socket and poller errors, connector retries (at debug
// level) and fatal invariant violations, but leaves log rolling and
// async flushing to the logging library itself (out of scope, spec.md §1).
var Logger *zap.SugaredLogger = mustBuildDefault()

func mustBuildDefault() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		// zap.NewProduction only fails if the sink can't be opened;
		// stderr always can, so fall back rather than panic at import time.
		l = zap.NewExample()
	}
	return l.Sugar()
}

// SetLogger replaces the package-wide logger.
func SetLogger(l *zap.SugaredLogger) {
	if l != nil {
		Logger = l
	}
}
