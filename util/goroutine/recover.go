package goroutine

import (
	"fmt"
	"os"
	"runtime"

	"go.uber.org/zap"
)

const (
	// StackTraceBufferSize is the buffer size for stack trace collection
	StackTraceBufferSize = 4096
)

// Recover recovers from a panic in the calling goroutine and logs it.
// Use as: defer goroutine.Recover("name", logger)
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		logPanic(name, logger, r)
	}
}

// RecoverWith is Recover plus a handler that runs after the panic is logged,
// typically to record the failure on whatever the goroutine was working on.
func RecoverWith(name string, logger *zap.SugaredLogger, handle func(r any)) {
	if r := recover(); r != nil {
		logPanic(name, logger, r)
		if handle != nil {
			handle(r)
		}
	}
}

// logPanic falls back to stderr when logger is nil so the panic is never lost.
func logPanic(name string, logger *zap.SugaredLogger, r any) {
	buf := make([]byte, StackTraceBufferSize)
	n := runtime.Stack(buf, false)

	if logger != nil {
		logger.Errorw("Goroutine panic recovered",
			"goroutine", name,
			"panic", r,
			"stack", string(buf[:n]))
		return
	}
	fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n", name, r, string(buf[:n]))
}
