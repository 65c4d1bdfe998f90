package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// JSONLogEntry is one line of the JSON log. The request-scoped keys set
// through With (request, user, scope, remote) are promoted to top-level
// fields; any other metadata lands in Fields.
type JSONLogEntry struct {
	Time      time.Time              `json:"time"`
	Severity  string                 `json:"severity"`
	Component string                 `json:"component,omitempty"`
	Request   string                 `json:"request,omitempty"`
	User      string                 `json:"user,omitempty"`
	Scope     string                 `json:"scope,omitempty"`
	Remote    string                 `json:"remote,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// String renders the entry as a single JSON object.
func (e JSONLogEntry) String() string {
	if e.Severity == "" {
		e.Severity = "INFO"
	}
	out, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"severity":"ERROR","message":%q}`, err.Error())
	}
	return string(out)
}

// promote moves a request-scoped key out of the free-form fields. It reports
// false for keys that stay in Fields.
func (e *JSONLogEntry) promote(key string, value interface{}) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	switch key {
	case "request":
		e.Request = s
	case "user":
		e.User = s
	case "scope":
		e.Scope = s
	case "remote":
		e.Remote = s
	case "component":
		e.Component = s
	default:
		return false
	}
	return true
}

// jsonOutput serialises writes so that concurrent loggers never interleave
// partial lines.
type jsonOutput struct {
	mu    sync.Mutex
	w     io.Writer
	level LogLevel
}

func (o *jsonOutput) write(level LogLevel, e JSONLogEntry) {
	if o == nil || level < o.level {
		return
	}
	buf, err := json.Marshal(e)
	if err != nil {
		buf = []byte(JSONLogEntry{Time: e.Time, Severity: "ERROR", Message: err.Error()}.String())
	}
	buf = append(buf, '\n')
	o.mu.Lock()
	defer o.mu.Unlock()
	o.w.Write(buf)
}

type jsonLogger struct {
	base    JSONLogEntry
	prefix  string
	console *jsonOutput
	sink    *jsonOutput
	child   Logger
	now     func() time.Time
}

var _ SinkLogger = (*jsonLogger)(nil)

func (c *jsonLogger) clone() *jsonLogger {
	clone := *c
	clone.base.Fields = maps.Clone(c.base.Fields)
	return &clone
}

func (c *jsonLogger) WithContext(ctx context.Context) Logger {
	clone := c.clone()
	if clone.child != nil {
		clone.child = clone.child.WithContext(ctx)
	}
	return clone
}

// SetSink adds a second destination that receives entries at level or above,
// with colour codes stripped.
func (c *jsonLogger) SetSink(sink Sink, level LogLevel) {
	c.sink = &jsonOutput{w: sink, level: level}
	if child, ok := c.child.(SinkLogger); ok {
		child.SetSink(sink, level)
	}
}

// WithPrefix appends prefix to the component, skipping prefixes already present.
func (c *jsonLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	switch {
	case clone.prefix == "":
		clone.prefix = prefix
	case !strings.Contains(clone.prefix, prefix):
		clone.prefix += " " + prefix
	}
	clone.base.Component = component(clone.prefix)
	if clone.child != nil {
		clone.child = clone.child.WithPrefix(prefix)
	}
	return clone
}

func (c *jsonLogger) With(metadata map[string]interface{}) Logger {
	clone := c.clone()
	for k, v := range metadata {
		if clone.base.promote(k, v) {
			continue
		}
		if clone.base.Fields == nil {
			clone.base.Fields = make(map[string]interface{}, len(metadata))
		}
		clone.base.Fields[k] = v
	}
	if clone.child != nil {
		clone.child = clone.child.With(metadata)
	}
	return clone
}

var bracketRegex = regexp.MustCompile(`\[(.*?)\]`)

// component turns "[scylla] [bob]" into "scylla, bob".
func component(prefix string) string {
	prefix = StripColor(prefix)
	tokens := bracketRegex.FindAllStringSubmatch(prefix, -1)
	if len(tokens) == 0 {
		return prefix
	}
	vals := make([]string, 0, len(tokens))
	for _, t := range tokens {
		vals = append(vals, t[1])
	}
	return strings.Join(vals, ", ")
}

func (c *jsonLogger) log(level LogLevel, severity string, msg string, args ...interface{}) {
	entry := c.base
	entry.Time = c.now().UTC()
	entry.Severity = severity
	entry.Message = msg
	if len(args) > 0 {
		entry.Message = fmt.Sprintf(msg, args...)
	}
	entry.Message = StripColor(entry.Message)
	c.console.write(level, entry)
	c.sink.write(level, entry)
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) {
	c.log(LevelTrace, "TRACE", msg, args...)
	if c.child != nil {
		c.child.Trace(msg, args...)
	}
}

func (c *jsonLogger) Debug(msg string, args ...interface{}) {
	c.log(LevelDebug, "DEBUG", msg, args...)
	if c.child != nil {
		c.child.Debug(msg, args...)
	}
}

func (c *jsonLogger) Info(msg string, args ...interface{}) {
	c.log(LevelInfo, "INFO", msg, args...)
	if c.child != nil {
		c.child.Info(msg, args...)
	}
}

func (c *jsonLogger) Warn(msg string, args ...interface{}) {
	c.log(LevelWarn, "WARNING", msg, args...)
	if c.child != nil {
		c.child.Warn(msg, args...)
	}
}

func (c *jsonLogger) Error(msg string, args ...interface{}) {
	c.log(LevelError, "ERROR", msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
}

func (c *jsonLogger) Fatal(msg string, args ...interface{}) {
	c.log(LevelError, "CRITICAL", msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
	os.Exit(1)
}

func (c *jsonLogger) Stack(next Logger) Logger {
	clone := c.clone()
	clone.child = next
	return clone
}

// NewJSONLogger returns a logger writing one JSON object per line to stderr.
// The level defaults to SCYLLA_LOG_LEVEL.
func NewJSONLogger(levels ...LogLevel) SinkLogger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &jsonLogger{console: &jsonOutput{w: os.Stderr, level: level}, now: time.Now}
}

// NewJSONLoggerWithSink returns a JSON logger that only writes to sink.
func NewJSONLoggerWithSink(sink Sink, level LogLevel) SinkLogger {
	return &jsonLogger{sink: &jsonOutput{w: sink, level: level}, now: time.Now}
}
