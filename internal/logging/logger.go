// Package logging provides structured logging for fieldsync, backed by zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Logger provides structured JSON logging.
type Logger struct {
	zl       zerolog.Logger
	out      io.Writer
	minLevel LogLevel
}

var (
	// global logger instance
	global *Logger
	once   sync.Once
	mu     sync.Mutex
)

// ParseLevel converts a configuration string into a LogLevel.
// Unknown values fall back to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// New builds a Logger writing JSON lines to out.
func New(out io.Writer, minLevel LogLevel) *Logger {
	return &Logger{
		zl:       zerolog.New(out).With().Timestamp().Logger().Level(zerologLevel(minLevel)),
		out:      out,
		minLevel: minLevel,
	}
}

// NewPretty builds a Logger with human-readable console output.
func NewPretty(out io.Writer, minLevel LogLevel) *Logger {
	cw := zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	return &Logger{
		zl:       zerolog.New(cw).With().Timestamp().Logger().Level(zerologLevel(minLevel)),
		out:      out,
		minLevel: minLevel,
	}
}

// Init initializes the global logger. Only the first call has an effect.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		mu.Lock()
		global = New(out, minLevel)
		mu.Unlock()
	})
}

// Configure replaces the global logger unconditionally. Used by the daemon
// once configuration has been loaded.
func Configure(level string, pretty bool) {
	once.Do(func() {})
	mu.Lock()
	defer mu.Unlock()
	if pretty {
		global = NewPretty(os.Stderr, ParseLevel(level))
		return
	}
	global = New(os.Stdout, ParseLevel(level))
}

// Get returns the global logger instance.
func Get() *Logger {
	mu.Lock()
	l := global
	mu.Unlock()
	if l == nil {
		Init(os.Stdout, LevelInfo)
		mu.Lock()
		l = global
		mu.Unlock()
	}
	return l
}

// Zerolog exposes the underlying zerolog.Logger for components that log
// through zerolog directly (HTTP access logs).
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zl
}

func zerologLevel(level LogLevel) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.zl.Debug().Fields(mergeContext(context...)).Msg(message)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.zl.Info().Fields(mergeContext(context...)).Msg(message)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.zl.Warn().Fields(mergeContext(context...)).Msg(message)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.zl.Error().Err(err).Fields(mergeContext(context...)).Msg(message)
}

// ErrorWithCode logs an error tagged with an error code.
func (l *Logger) ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	l.zl.Error().Err(err).Str("error_code", code).Fields(mergeContext(context...)).Msg(message)
}

// Loud logs an event that loses local data. It is emitted at error level
// regardless of the configured minimum and tagged loud=true so operators can
// alert on it.
func (l *Logger) Loud(message string, err error, context ...map[string]interface{}) {
	l.zl.WithLevel(zerolog.ErrorLevel).Err(err).Bool("loud", true).Fields(mergeContext(context...)).Msg(message)
}

// mergeContext merges multiple context maps.
func mergeContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	if len(context) == 1 {
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}

func Loud(message string, err error, context ...map[string]interface{}) {
	Get().Loud(message, err, context...)
}
