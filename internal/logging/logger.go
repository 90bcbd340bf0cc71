// Package logging provides structured logging for cachecore, built on
// zerolog so every subsystem emits fielded, leveled log lines instead of
// free-text ones.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger with the Printf-style surface the rest of
// the codebase expects.
type Logger struct {
	zl zerolog.Logger
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
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

// Config holds logging configuration.
type Config struct {
	Level   LogLevel
	Format  string // "json" (default) or "text" (console writer)
	Output  io.Writer
	Sync    bool // present for caller compatibility; both writers below are unbuffered
	NoColor bool
}

// DefaultConfig returns a sensible default configuration: info level,
// JSON output to stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "json",
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger from config, defaulting unset fields.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	var w io.Writer = output
	if config.Format == "text" {
		w = zerolog.ConsoleWriter{Out: output, NoColor: config.NoColor, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(w).Level(config.Level.zerolog()).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// WithComponent returns a child logger tagged with the subsystem name
// (e.g. "vsm", "director", "tcppool").
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", component).Logger()}
}

// WithBackend returns a child logger tagged with a backend identity.
func (l *Logger) WithBackend(name string) *Logger {
	return &Logger{zl: l.zl.With().Str("backend", name).Logger()}
}

// WithTxn returns a child logger tagged with a VSL transaction id and
// request method, mirroring the per-transaction context every record in
// the shared log carries.
func (l *Logger) WithTxn(vxid uint32, method string) *Logger {
	return &Logger{zl: l.zl.With().Uint32("vxid", vxid).Str("method", method).Logger()}
}

// WithError returns a child logger with err attached to every record.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zl: l.zl.With().Err(err).Logger()}
}

func formatArgs(e *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			key, _ := args[i].(string)
			if key == "" {
				key = "field"
			}
			e = e.Interface(key, args[i+1])
		}
	}
	return e
}

func (l *Logger) Debug(msg string, args ...any) {
	formatArgs(l.zl.Debug(), args).Msg(msg)
}

func (l *Logger) Info(msg string, args ...any) {
	formatArgs(l.zl.Info(), args).Msg(msg)
}

func (l *Logger) Warn(msg string, args ...any) {
	formatArgs(l.zl.Warn(), args).Msg(msg)
}

func (l *Logger) Error(msg string, args ...any) {
	formatArgs(l.zl.Error(), args).Msg(msg)
}

// Printf-style logging, for callers migrating from fmt-style formats.
func (l *Logger) Debugf(format string, args ...any) {
	l.zl.Debug().Msgf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.zl.Info().Msgf(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.zl.Warn().Msgf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.zl.Error().Msgf(format, args...)
}

// Printf is an alias for Infof, kept for callers expecting the
// log.Logger-shaped surface.
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions operating on the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
