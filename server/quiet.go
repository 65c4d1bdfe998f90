package server

import (
	"context"

	"github.com/agentuity/scylla/logger"
)

// quietLogger drops informational output for clients that asked for quiet
// requests. Warnings and errors still go through.
type quietLogger struct {
	logger.Logger
}

var _ logger.Logger = quietLogger{}

func (q quietLogger) With(metadata map[string]interface{}) logger.Logger {
	return quietLogger{q.Logger.With(metadata)}
}

func (q quietLogger) WithPrefix(prefix string) logger.Logger {
	return quietLogger{q.Logger.WithPrefix(prefix)}
}

func (q quietLogger) WithContext(ctx context.Context) logger.Logger {
	return quietLogger{q.Logger.WithContext(ctx)}
}

func (quietLogger) Trace(string, ...interface{}) {}
func (quietLogger) Debug(string, ...interface{}) {}
func (quietLogger) Info(string, ...interface{})  {}

func (q quietLogger) Stack(next logger.Logger) logger.Logger {
	return quietLogger{q.Logger.Stack(next)}
}
