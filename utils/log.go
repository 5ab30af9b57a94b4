package utils

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a flag value to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return TRACE
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "critical":
		return CRITICAL
	default:
		return INFO
	}
}

func (l LogLevel) logrusLevel() logrus.Level {
	switch l {
	case TRACE:
		return logrus.TraceLevel
	case DEBUG:
		return logrus.DebugLevel
	case INFO:
		return logrus.InfoLevel
	case WARN:
		return logrus.WarnLevel
	default:
		// CRITICAL is an error-level entry tagged critical=true; it never exits.
		return logrus.ErrorLevel
	}
}

// Logger is a leveled printf-style logger. Each component gets its own
// entry via WithModule so lines carry a module field.
type Logger struct {
	base  *logrus.Logger
	entry *logrus.Entry
	file  *os.File
}

func NewFileLogger(filePath string, minLevel LogLevel, alsoStdout bool) (*Logger, error) {
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	var out io.Writer = f
	if alsoStdout {
		out = io.MultiWriter(f, os.Stdout)
	}
	l := newLogger(out, minLevel)
	l.file = f
	return l, nil
}

// NewWriterLogger logs to w only. Tests pass io.Discard or a buffer.
func NewWriterLogger(w io.Writer, minLevel LogLevel) *Logger {
	return newLogger(w, minLevel)
}

func newLogger(w io.Writer, minLevel LogLevel) *Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.0000",
		DisableColors:   true,
	})
	base.SetLevel(minLevel.logrusLevel())
	return &Logger{base: base, entry: logrus.NewEntry(base)}
}

// WithModule returns a logger sharing the same output, tagged with module.
func (l *Logger) WithModule(module string) *Logger {
	return &Logger{base: l.base, entry: l.entry.WithField("module", module)}
}

func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) Trace(msg string, args ...any) { l.entry.Tracef(msg, args...) }
func (l *Logger) Debug(msg string, args ...any) { l.entry.Debugf(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.entry.Infof(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.entry.Warnf(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.entry.Errorf(msg, args...) }
func (l *Logger) Critical(msg string, args ...any) {
	l.entry.WithField("critical", true).Errorf(msg, args...)
}
