package logging

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bitmark-inc/logger"
	"github.com/cockroachdb/errors"
)

// Level represents the logging level.
type Level int

const (
	// LevelDebug is the most verbose level.
	LevelDebug Level = iota
	// LevelInfo is for informational messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel parses a string into a Level.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug", "trace":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error", "critical":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is the interface for structured logging.
type Logger interface {
	// Debug logs a debug message with optional key-value pairs.
	Debug(msg string, keysAndValues ...interface{})
	// Info logs an info message with optional key-value pairs.
	Info(msg string, keysAndValues ...interface{})
	// Warn logs a warning message with optional key-value pairs.
	Warn(msg string, keysAndValues ...interface{})
	// Error logs an error message with optional key-value pairs.
	Error(msg string, keysAndValues ...interface{})
	// WithFields returns a new logger with the given fields.
	WithFields(keysAndValues ...interface{}) Logger
}

// Config holds the log file configuration.
type Config struct {
	Directory string `gluamapper:"directory"`
	File      string `gluamapper:"file"`
	Size      int    `gluamapper:"size"`
	Count     int    `gluamapper:"count"`
	Console   bool   `gluamapper:"console"`
	Level     string `gluamapper:"level"`
}

// DefaultConfig returns the default log configuration.
func DefaultConfig() Config {
	return Config{
		Directory: "log",
		File:      "mvdb.log",
		Size:      1048576,
		Count:     10,
		Level:     "info",
	}
}

// sink is the printf-style output of a log channel; *logger.L satisfies it.
type sink interface {
	Debugf(format string, arguments ...interface{})
	Infof(format string, arguments ...interface{})
	Warnf(format string, arguments ...interface{})
	Errorf(format string, arguments ...interface{})
}

var global struct {
	sync.Mutex
	initialised bool
}

// Initialise starts the log file writer. It must be called once before
// New returns loggers that write anything.
func Initialise(cfg Config) error {
	global.Lock()
	defer global.Unlock()

	if global.initialised {
		return nil
	}

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	err := logger.Initialise(logger.Configuration{
		Directory: cfg.Directory,
		File:      cfg.File,
		Size:      cfg.Size,
		Count:     cfg.Count,
		Console:   cfg.Console,
		Levels: map[string]string{
			logger.DefaultTag: ParseLevel(level).String(),
		},
	})
	if err != nil {
		return errors.Wrap(err, "logger initialisation failed")
	}
	global.initialised = true
	return nil
}

// Finalise flushes and closes the log file writer.
func Finalise() {
	global.Lock()
	defer global.Unlock()

	if !global.initialised {
		return
	}
	logger.Finalise()
	global.initialised = false
}

// New returns a logger writing to the named channel, or a no-op logger
// when Initialise has not been called.
func New(channel string) Logger {
	global.Lock()
	initialised := global.initialised
	global.Unlock()

	if !initialised {
		return NewNop()
	}
	l := logger.New(channel)
	if l == nil {
		return NewNop()
	}
	return newLogger(l)
}

// NewNop creates a no-op logger that discards all output.
func NewNop() Logger {
	return &nopLogger{}
}

// channelLogger formats key-value pairs onto a log channel.
type channelLogger struct {
	out    sink
	fields []interface{}
}

func newLogger(out sink) *channelLogger {
	return &channelLogger{out: out}
}

// Debug logs a debug message.
func (l *channelLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.out.Debugf("%s", l.format(msg, keysAndValues))
}

// Info logs an info message.
func (l *channelLogger) Info(msg string, keysAndValues ...interface{}) {
	l.out.Infof("%s", l.format(msg, keysAndValues))
}

// Warn logs a warning message.
func (l *channelLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.out.Warnf("%s", l.format(msg, keysAndValues))
}

// Error logs an error message.
func (l *channelLogger) Error(msg string, keysAndValues ...interface{}) {
	l.out.Errorf("%s", l.format(msg, keysAndValues))
}

// WithFields returns a new logger with the given fields.
func (l *channelLogger) WithFields(keysAndValues ...interface{}) Logger {
	fields := make([]interface{}, 0, len(l.fields)+len(keysAndValues))
	fields = append(fields, l.fields...)
	fields = append(fields, keysAndValues...)
	return &channelLogger{out: l.out, fields: fields}
}

// format renders msg followed by key=value for the base fields and then
// the call's pairs. A trailing key without a value is dropped.
func (l *channelLogger) format(msg string, keysAndValues []interface{}) string {
	var b strings.Builder
	b.WriteString(msg)
	appendPairs(&b, l.fields)
	appendPairs(&b, keysAndValues)
	return b.String()
}

func appendPairs(b *strings.Builder, keysAndValues []interface{}) {
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		fmt.Fprintf(b, " %s=%v", key, keysAndValues[i+1])
	}
}

// nopLogger is a no-op logger that discards all output.
type nopLogger struct{}

func (n *nopLogger) Debug(_ string, _ ...interface{})   {}
func (n *nopLogger) Info(_ string, _ ...interface{})    {}
func (n *nopLogger) Warn(_ string, _ ...interface{})    {}
func (n *nopLogger) Error(_ string, _ ...interface{})   {}
func (n *nopLogger) WithFields(_ ...interface{}) Logger { return n }
