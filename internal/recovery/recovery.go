// Package recovery turns goroutine panics into logged errors.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// ErrPanic is wrapped by errors produced from a recovered panic.
var ErrPanic = errors.New("panic recovered")

// Guard recovers a panic, logs it with a stack trace and stores it in errp.
// It must be deferred directly by the function whose panic should be caught,
// typically a relay goroutine launched under an errgroup:
//
//	g.Go(func() (err error) {
//	    defer recovery.Guard(logger, "relay", &err)
//	    return r.Run(ctx)
//	})
func Guard(logger *slog.Logger, name string, errp *error) {
	r := recover()
	if r == nil {
		return
	}

	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))

	if errp != nil {
		*errp = fmt.Errorf("%s: %w: %v", name, ErrPanic, r)
	}
}

// RecoverWithLog recovers from panics and logs them. Use it for goroutines
// that have no error to report, such as multiplexer readers.
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", string(debug.Stack()))
	}
}
