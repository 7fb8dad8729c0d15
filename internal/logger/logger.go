// Package logger provides structured logging for the mfeddie control plane.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is a log severity.
type Level = zerolog.Level

// Log levels.
const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	zl zerolog.Logger
}

// FileConfig controls the rotating log file. An empty Path disables it.
type FileConfig struct {
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// Config holds logger configuration.
type Config struct {
	Level      Level
	Pretty     bool // colored console output instead of JSON lines
	Output     io.Writer
	TimeFormat string
	Component  string
	File       FileConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Level:      InfoLevel,
		Pretty:     true,
		Output:     os.Stderr,
		TimeFormat: time.RFC3339,
	}
}

// New creates a logger. With a log file configured, every event is
// written to the console output and to the file; the file always gets
// JSON lines.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}
	zerolog.TimeFieldFormat = cfg.TimeFormat

	console := cfg.Output
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: "15:04:05"}
	}

	var out io.Writer = console
	if cfg.File.Path != "" {
		out = zerolog.MultiLevelWriter(console, rotatingFile(cfg.File))
	}

	ctx := zerolog.New(out).Level(cfg.Level).With().Timestamp()
	if cfg.Component != "" {
		ctx = ctx.Str("component", cfg.Component)
	}
	return &Logger{zl: ctx.Logger()}
}

func rotatingFile(fc FileConfig) *lumberjack.Logger {
	lj := &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.MaxSizeMB,
		MaxBackups: fc.MaxBackups,
		MaxAge:     fc.MaxAgeDays,
		Compress:   fc.Compress,
	}
	if lj.MaxSize <= 0 {
		lj.MaxSize = 50
	}
	if lj.MaxBackups <= 0 {
		lj.MaxBackups = 5
	}
	if lj.MaxAge <= 0 {
		lj.MaxAge = 14
	}
	return lj
}

// NewDefault creates a logger with default configuration.
func NewDefault() *Logger {
	return New(DefaultConfig())
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func (l *Logger) with(fn func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zl: fn(l.zl.With()).Logger()}
}

// WithComponent tags events with the emitting component (pool, api, visit).
func (l *Logger) WithComponent(component string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

// WithField adds an arbitrary field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

// WithSession tags events with a session's worker pid.
func (l *Logger) WithSession(pid int) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Int("pid", pid) })
}

// WithAction tags events with the requested action.
func (l *Logger) WithAction(action string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("action", action) })
}

// WithRequestID tags events with a request correlation id.
func (l *Logger) WithRequestID(id string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("request_id", id) })
}

// WithURL tags events with a page URL.
func (l *Logger) WithURL(url string) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Str("url", url) })
}

// WithError attaches err.
func (l *Logger) WithError(err error) *Logger {
	return l.with(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

func (l *Logger) Debug(msg string)                          { l.zl.Debug().Msg(msg) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.zl.Debug().Msgf(format, args...) }
func (l *Logger) Info(msg string)                           { l.zl.Info().Msg(msg) }
func (l *Logger) Infof(format string, args ...interface{})  { l.zl.Info().Msgf(format, args...) }
func (l *Logger) Warn(msg string)                           { l.zl.Warn().Msg(msg) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.zl.Warn().Msgf(format, args...) }
func (l *Logger) Error(msg string)                          { l.zl.Error().Msg(msg) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.zl.Error().Msgf(format, args...) }

// Event starts an event at level for callers that need typed fields.
func (l *Logger) Event(level Level) *zerolog.Event {
	return l.zl.WithLevel(level)
}

// RequestEvent logs a completed control request.
func (l *Logger) RequestEvent(action string, pid, statusCode int, duration time.Duration) {
	l.zl.Info().
		Str("action", action).
		Int("pid", pid).
		Int("status_code", statusCode).
		Dur("duration", duration).
		Msg("Handled request")
}

// SessionEvent logs a session lifecycle transition (created, destroyed, reaped).
func (l *Logger) SessionEvent(kind string, pid int, reason string) {
	l.zl.Info().
		Str("event", kind).
		Int("pid", pid).
		Str("reason", reason).
		Msg("Session " + kind)
}

// ErrorEvent logs an operation that cost a session its worker.
func (l *Logger) ErrorEvent(err error, pid int, operation string) {
	l.zl.Error().
		Err(err).
		Int("pid", pid).
		Str("operation", operation).
		Msg("Operation failed")
}

// ParseLevel parses a level name.
func ParseLevel(name string) (Level, error) {
	return zerolog.ParseLevel(name)
}

var global = NewDefault()

// SetGlobal replaces the process-wide logger.
func SetGlobal(l *Logger) {
	global = l
}

// Global returns the process-wide logger.
func Global() *Logger {
	return global
}
