package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

type TestLogEntry struct {
	Severity  string
	Message   string
	Arguments []interface{}
	Metadata  map[string]interface{}
}

// Formatted returns the message with its arguments applied.
func (e TestLogEntry) Formatted() string {
	if len(e.Arguments) == 0 {
		return e.Message
	}
	return fmt.Sprintf(e.Message, e.Arguments...)
}

type testLogStore struct {
	mu      sync.Mutex
	entries []TestLogEntry
}

// TestLogger records every entry in memory. Loggers derived through With,
// WithPrefix and Stack share the same store so that a test can inspect logs
// produced by any goroutine.
type TestLogger struct {
	metadata map[string]interface{}
	prefix   string
	store    *testLogStore
	child    Logger
}

var _ Logger = (*TestLogger)(nil)

func (c *TestLogger) WithContext(ctx context.Context) Logger {
	return c
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (c *TestLogger) WithPrefix(prefix string) Logger {
	clone := *c
	if clone.prefix == "" {
		clone.prefix = prefix
	} else if !strings.Contains(clone.prefix, prefix) {
		clone.prefix += " " + prefix
	}
	return &clone
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	kv := make(map[string]interface{}, len(c.metadata)+len(metadata))
	for k, v := range c.metadata {
		kv[k] = v
	}
	for k, v := range metadata {
		kv[k] = v
	}
	child := c.child
	if child != nil {
		child = child.With(metadata)
	}
	return &TestLogger{metadata: kv, prefix: c.prefix, store: c.store, child: child}
}

func (c *TestLogger) Log(level string, msg string, args ...interface{}) {
	if c.prefix != "" {
		msg = c.prefix + " " + msg
	}
	c.store.mu.Lock()
	c.store.entries = append(c.store.entries, TestLogEntry{level, msg, args, c.metadata})
	c.store.mu.Unlock()
}

// Logs returns a snapshot of everything logged so far.
func (c *TestLogger) Logs() []TestLogEntry {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	out := make([]TestLogEntry, len(c.store.entries))
	copy(out, c.store.entries)
	return out
}

// Find returns the entries of the given severity whose formatted message
// contains substr.
func (c *TestLogger) Find(severity string, substr string) []TestLogEntry {
	var found []TestLogEntry
	for _, e := range c.Logs() {
		if e.Severity == severity && strings.Contains(e.Formatted(), substr) {
			found = append(found, e)
		}
	}
	return found
}

func (c *TestLogger) Trace(msg string, args ...interface{}) {
	c.Log("TRACE", msg, args...)
	if c.child != nil {
		c.child.Trace(msg, args...)
	}
}

func (c *TestLogger) Debug(msg string, args ...interface{}) {
	c.Log("DEBUG", msg, args...)
	if c.child != nil {
		c.child.Debug(msg, args...)
	}
}

func (c *TestLogger) Info(msg string, args ...interface{}) {
	c.Log("INFO", msg, args...)
	if c.child != nil {
		c.child.Info(msg, args...)
	}
}

func (c *TestLogger) Warn(msg string, args ...interface{}) {
	c.Log("WARNING", msg, args...)
	if c.child != nil {
		c.child.Warn(msg, args...)
	}
}

func (c *TestLogger) Error(msg string, args ...interface{}) {
	c.Log("ERROR", msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
}

func (c *TestLogger) Fatal(msg string, args ...interface{}) {
	c.Log("FATAL", msg, args...)
	if c.child != nil {
		c.child.Fatal(msg, args...)
	}
	os.Exit(1)
}

func (c *TestLogger) Stack(next Logger) Logger {
	return &TestLogger{metadata: c.metadata, prefix: c.prefix, store: c.store, child: next}
}

// NewTestLogger returns a new Logger instance useful for testing
func NewTestLogger() *TestLogger {
	return &TestLogger{store: &testLogStore{}}
}
