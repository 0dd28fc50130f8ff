// Package logging provides leveled logging for dtprobed, backed by
// logrus. It logs text to stderr in the foreground; when daemonized it
// attaches a syslog hook so operational messages land where an
// operator expects them.
package logging

import (
	"io"
	"log/syslog"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
)

// Logger wraps a logrus.Entry with the key-value calling convention
// used throughout dtprobed.
type Logger struct {
	entry *logrus.Entry
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels, aliased onto logrus's
// own so callers never need to import logrus directly.
type LogLevel = logrus.Level

const (
	LevelDebug = logrus.DebugLevel
	LevelInfo  = logrus.InfoLevel
	LevelWarn  = logrus.WarnLevel
	LevelError = logrus.ErrorLevel
)

// Config holds logging configuration.
type Config struct {
	Level    LogLevel
	Format   string    // "text" (default) or "json"
	Output   io.Writer // ignored when Syslog is set
	Syslog   bool      // attach a syslog hook, for daemonized mode
	Facility string    // syslog tag; defaults to "dtprobed"
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// NewLogger creates a new logger. If Syslog is set but no syslog
// daemon is reachable, it falls back to os.Stderr so the daemon never
// loses its log stream outright.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}

	base := logrus.New()
	base.SetLevel(config.Level)
	if config.Format == "json" {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if config.Syslog {
		facility := config.Facility
		if facility == "" {
			facility = "dtprobed"
		}
		hook, err := logrus_syslog.NewSyslogHook("", "", syslog.LOG_DAEMON, facility)
		if err == nil {
			base.AddHook(hook)
			base.SetOutput(io.Discard)
		} else {
			base.SetOutput(os.Stderr)
		}
	} else {
		output := config.Output
		if output == nil {
			output = os.Stderr
		}
		base.SetOutput(output)
	}

	return &Logger{entry: logrus.NewEntry(base)}
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

func toFields(args []any) logrus.Fields {
	f := make(logrus.Fields, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		f[key] = args[i+1]
	}
	return f
}

func (l *Logger) Debug(msg string, args ...any) { l.entry.WithFields(toFields(args)).Debug(msg) }
func (l *Logger) Info(msg string, args ...any)  { l.entry.WithFields(toFields(args)).Info(msg) }
func (l *Logger) Warn(msg string, args ...any)  { l.entry.WithFields(toFields(args)).Warn(msg) }
func (l *Logger) Error(msg string, args ...any) { l.entry.WithFields(toFields(args)).Error(msg) }

// Printf-style logging.
func (l *Logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

// Printf for compatibility with code written against a plain Printf
// logger interface.
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// WithField returns a derived logger that attaches field=value to
// every line it writes.
func (l *Logger) WithField(field string, value any) *Logger {
	return &Logger{entry: l.entry.WithField(field, value)}
}

// WithPid tags every subsequent line with the caller pid driving a
// registration or removal attempt.
func (l *Logger) WithPid(pid int32) *Logger {
	return l.WithField("pid", pid)
}

// WithOp tags every subsequent line with the ioctl or stash operation
// in progress (e.g. "ADDDOF", "stash.Register").
func (l *Logger) WithOp(op string) *Logger {
	return l.WithField("op", op)
}

// WithCorrelationID tags every subsequent line with a per-attempt
// correlation ID so a single registration's log lines can be grepped
// out of a busy daemon's log.
func (l *Logger) WithCorrelationID(id string) *Logger {
	return l.WithField("correlation_id", id)
}

// WithError attaches an error to every subsequent line.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// Global convenience functions.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
