package sys

import (
	"testing"

	"github.com/agentuity/scylla/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPanicError(t *testing.T) {
	result := panicError(1, assert.AnError)
	require.Error(t, result)
	assert.Contains(t, result.Error(), assert.AnError.Error())

	result = panicError(1, "test panic")
	require.Error(t, result)
	assert.Equal(t, "panic: test panic", result.Error())
}

func TestRecoverPanic(t *testing.T) {
	log := logger.NewTestLogger()
	func() {
		defer RecoverPanic(log)
		panic("connection handler exploded")
	}()
	entries := log.Find("ERROR", "panic: connection handler exploded")
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Formatted(), "errors_test.go")

	func() {
		defer RecoverPanic(log)
	}()
	assert.Len(t, log.Logs(), 1)
}
