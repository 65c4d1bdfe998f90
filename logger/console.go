package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/mattn/go-isatty"
)

const isWindows = runtime.GOOS == "windows"

var noColor = os.Getenv("TERM") == "dumb" ||
	(!isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()))

func color(val string) string {
	if isWindows || noColor {
		return ""
	}
	return val
}

const (
	Reset       = "\033[0m"
	Red         = "\033[31m"
	Green       = "\033[32m"
	Magenta     = "\033[35m"
	BlueBold    = "\033[34;1m"
	MagentaBold = "\033[35;1m"
	RedBold     = "\033[31;1m"
	YellowBold  = "\033[33;1m"
	WhiteBold   = "\033[37;1m"
	CyanBold    = "\033[36;1m"
	Gray        = "\033[1;90m"
	Purple      = "\u001b[38;5;200m"
)

// tagPalette holds foreground/background pairs used by Tag.
var tagPalette = [][2]int{{37, 42}, {37, 43}, {37, 44}, {37, 45}, {37, 46}, {30, 41}, {30, 42}, {30, 43}, {30, 44}, {30, 47}}

// Tag renders text with a colour picked deterministically from seed, so that
// log lines belonging to the same request are easy to follow on a terminal.
func Tag(seed string, text string) string {
	if isWindows || noColor {
		return text
	}
	p := tagPalette[xxhash.Sum64String(seed)%uint64(len(tagPalette))]
	return fmt.Sprintf("\033[%dm\033[%dm\033[1m%s\033[0m", p[0], p[1], text)
}

type levelColors struct {
	level   string
	message string
}

var consoleColors = map[LogLevel]levelColors{
	LevelTrace: {CyanBold, Gray},
	LevelDebug: {BlueBold, Green},
	LevelInfo:  {YellowBold, WhiteBold},
	LevelWarn:  {MagentaBold, Magenta},
	LevelError: {RedBold, Red},
}

type consoleLogger struct {
	prefixes     []string
	metadata     map[string]interface{}
	sink         Sink
	logLevel     LogLevel
	sinkLogLevel LogLevel
	child        Logger
}

var _ SinkLogger = (*consoleLogger)(nil)

func (c *consoleLogger) WithContext(ctx context.Context) Logger {
	clone := c.clone()
	if clone.child != nil {
		clone.child = clone.child.WithContext(ctx)
	}
	return clone
}

// WithPrefix will return a new logger with a prefix prepended to the message
func (c *consoleLogger) WithPrefix(prefix string) Logger {
	l := c.clone()
	if !slices.Contains(l.prefixes, prefix) {
		l.prefixes = append(l.prefixes, prefix)
	}
	if l.child != nil {
		l.child = l.child.WithPrefix(prefix)
	}
	return l
}

func (c *consoleLogger) clone() *consoleLogger {
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &consoleLogger{
		metadata:     metadata,
		prefixes:     slices.Clone(c.prefixes),
		sink:         c.sink,
		logLevel:     c.logLevel,
		sinkLogLevel: c.sinkLogLevel,
		child:        c.child,
	}
}

func (c *consoleLogger) SetSink(sink Sink, level LogLevel) {
	c.sink = sink
	c.sinkLogLevel = level
	if child, ok := c.child.(SinkLogger); ok {
		child.SetSink(sink, level)
	}
}

func (c *consoleLogger) With(metadata map[string]interface{}) Logger {
	clone := c.clone()
	for k, v := range metadata {
		clone.metadata[k] = v
	}
	if clone.child != nil {
		clone.child = clone.child.With(metadata)
	}
	return clone
}

func (c *consoleLogger) log(level LogLevel, levelString string, msg string, args ...interface{}) {
	if level < c.logLevel && (c.sink == nil || level < c.sinkLogLevel) {
		return
	}
	_msg := msg
	if len(args) > 0 {
		_msg = fmt.Sprintf(msg, args...)
	}
	colors := consoleColors[level]
	var prefix, suffix string
	if len(c.prefixes) > 0 {
		prefix = color(Purple) + strings.Join(c.prefixes, " ") + color(Reset) + " "
	}
	if len(c.metadata) > 0 {
		buf, _ := json.Marshal(c.metadata)
		suffix = " " + color(Gray) + string(buf) + color(Reset)
	}
	levelText := color(colors.level) + fmt.Sprintf("[%-5s]", levelString) + color(Reset)
	out := fmt.Sprintf("%s %s%s%s", levelText, prefix, color(colors.message)+_msg+color(Reset), suffix)
	if level >= c.logLevel {
		log.Printf("%s\n", out)
	}
	if c.sink != nil && level >= c.sinkLogLevel {
		ts := time.Now().Format(time.RFC3339Nano)
		c.sink.Write([]byte(ts + " " + StripColor(out) + "\n"))
	}
}

func (c *consoleLogger) Trace(msg string, args ...interface{}) {
	c.log(LevelTrace, "TRACE", msg, args...)
	if c.child != nil {
		c.child.Trace(msg, args...)
	}
}

func (c *consoleLogger) Debug(msg string, args ...interface{}) {
	c.log(LevelDebug, "DEBUG", msg, args...)
	if c.child != nil {
		c.child.Debug(msg, args...)
	}
}

func (c *consoleLogger) Info(msg string, args ...interface{}) {
	c.log(LevelInfo, "INFO", msg, args...)
	if c.child != nil {
		c.child.Info(msg, args...)
	}
}

func (c *consoleLogger) Warn(msg string, args ...interface{}) {
	c.log(LevelWarn, "WARN", msg, args...)
	if c.child != nil {
		c.child.Warn(msg, args...)
	}
}

func (c *consoleLogger) Error(msg string, args ...interface{}) {
	c.log(LevelError, "ERROR", msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...)
	}
}

func (c *consoleLogger) Fatal(msg string, args ...interface{}) {
	c.log(LevelError, "ERROR", msg, args...)
	if c.child != nil {
		c.child.Error(msg, args...) // Error because we want to log the error before exiting
	}
	os.Exit(1)
}

func (c *consoleLogger) Stack(next Logger) Logger {
	clone := c.clone()
	clone.child = next
	return clone
}

func (c *consoleLogger) SetLogLevel(level LogLevel) {
	c.logLevel = level
}

// NewConsoleLogger returns a new Logger instance which will log to the console
func NewConsoleLogger(levels ...LogLevel) SinkLogger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &consoleLogger{logLevel: level, sinkLogLevel: LevelNone}
}
