package logger

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLevelFromEnv(t *testing.T) {
	originalValue := os.Getenv(LevelEnv)
	defer os.Setenv(LevelEnv, originalValue)

	tests := []struct {
		name          string
		envValue      string
		expectedLevel LogLevel
	}{
		{"trace level", "trace", LevelTrace},
		{"debug level", "debug", LevelDebug},
		{"info level", "info", LevelInfo},
		{"warn level", "warn", LevelWarn},
		{"warning alias", "warning", LevelWarn},
		{"error level", "error", LevelError},
		{"uppercase trace", "TRACE", LevelTrace},
		{"mixed case debug", "DeBuG", LevelDebug},
		{"empty string", "", LevelInfo},
		{"invalid value", "invalid", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Setenv(LevelEnv, tt.envValue)
			assert.Equal(t, tt.expectedLevel, GetLevelFromEnv())
		})
	}
}

func TestParseLevelDefault(t *testing.T) {
	assert.Equal(t, LevelError, ParseLevel("nope", LevelError))
	assert.Equal(t, LevelNone, ParseLevel("off", LevelError))
}

func TestLogLevelConstants(t *testing.T) {
	assert.Equal(t, LogLevel(0), LevelTrace)
	assert.Equal(t, LogLevel(1), LevelDebug)
	assert.Equal(t, LogLevel(2), LevelInfo)
	assert.Equal(t, LogLevel(3), LevelWarn)
	assert.Equal(t, LogLevel(4), LevelError)
	assert.Equal(t, LogLevel(5), LevelNone)
}

func TestStripColor(t *testing.T) {
	assert.Equal(t, "hello", StripColor("\033[31mhello\033[0m"))
}

type testSink struct {
	buf []byte
}

func (s *testSink) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}
