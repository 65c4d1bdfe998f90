package sys

import (
	"runtime/debug"

	"github.com/agentuity/scylla/logger"
	"github.com/cockroachdb/errors"
)

func panicError(depth int, r any) error {
	if err, ok := r.(error); ok {
		return errors.WrapWithDepth(depth+1, err, "panic")
	}
	return errors.NewWithDepthf(depth+1, "panic: %v", r)
}

// RecoverPanic logs a recovered panic with its stack. It must be deferred
// directly.
func RecoverPanic(log logger.Logger) {
	if r := recover(); r != nil {
		log.Error("recovered %s\n%s", panicError(2, r), debug.Stack())
	}
}
