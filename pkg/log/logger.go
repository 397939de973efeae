package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Level represents the severity level of a log message.
type Level int

// Log levels
const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name to a Level. Unknown names default to info.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	}
	return InfoLevel, errUnknownLevel(s)
}

type errUnknownLevel string

func (e errUnknownLevel) Error() string { return "log: unknown level " + string(e) }

// Logger is the structured logging facade used across relay components.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	// With returns a Logger carrying the given fields on every entry.
	With(fields ...Field) Logger

	// WithComponent tags entries with a component name.
	WithComponent(component string) Logger

	SetLevel(level Level)
	GetLevel() Level
}

// Option configures a logger at construction time.
type Option func(*baseLogger)

// WithLevel sets the minimum level.
func WithLevel(l Level) Option { return func(b *baseLogger) { b.inner.SetLevel(toLogrus(l)) } }

// WithJSONFormat switches output to JSON entries.
func WithJSONFormat() Option {
	return func(b *baseLogger) { b.inner.SetFormatter(&logrus.JSONFormatter{}) }
}

// WithTextFormat switches output to human-readable text entries.
func WithTextFormat() Option {
	return func(b *baseLogger) {
		b.inner.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

type baseLogger struct {
	inner *logrus.Logger
	entry *logrus.Entry
}

// NewLogger constructs a Logger writing to stdout.
func NewLogger(opts ...Option) Logger {
	inner := logrus.New()
	inner.SetOutput(os.Stdout)
	inner.SetLevel(logrus.InfoLevel)
	inner.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	b := &baseLogger{inner: inner}
	for _, o := range opts {
		o(b)
	}
	b.entry = logrus.NewEntry(inner)
	return b
}

// Config describes a declaratively built logger.
type Config struct {
	Level  string
	Format string
}

// ApplyConfig builds a Logger from a declarative Config.
func ApplyConfig(cfg *Config) (Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		lvl = InfoLevel
	}
	opts := []Option{WithLevel(lvl)}
	if cfg.Format == "json" {
		opts = append(opts, WithJSONFormat())
	} else {
		opts = append(opts, WithTextFormat())
	}
	return NewLogger(opts...), nil
}

func toLogrus(l Level) logrus.Level {
	switch l {
	case DebugLevel:
		return logrus.DebugLevel
	case InfoLevel:
		return logrus.InfoLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	case FatalLevel:
		return logrus.FatalLevel
	}
	return logrus.InfoLevel
}

func fromLogrus(l logrus.Level) Level {
	switch l {
	case logrus.DebugLevel, logrus.TraceLevel:
		return DebugLevel
	case logrus.InfoLevel:
		return InfoLevel
	case logrus.WarnLevel:
		return WarnLevel
	case logrus.ErrorLevel:
		return ErrorLevel
	default:
		return FatalLevel
	}
}

func (b *baseLogger) log(lvl logrus.Level, msg string, fields []Field) {
	e := b.entry
	if len(fields) > 0 {
		lf := make(logrus.Fields, len(fields))
		for _, f := range fields {
			lf[f.Key] = f.Value
		}
		e = e.WithFields(lf)
	}
	e.Log(lvl, msg)
}

func (b *baseLogger) Debug(msg string, fields ...Field) { b.log(logrus.DebugLevel, msg, fields) }
func (b *baseLogger) Info(msg string, fields ...Field)  { b.log(logrus.InfoLevel, msg, fields) }
func (b *baseLogger) Warn(msg string, fields ...Field)  { b.log(logrus.WarnLevel, msg, fields) }
func (b *baseLogger) Error(msg string, fields ...Field) { b.log(logrus.ErrorLevel, msg, fields) }

func (b *baseLogger) Fatal(msg string, fields ...Field) {
	b.log(logrus.FatalLevel, msg, fields)
}

func (b *baseLogger) With(fields ...Field) Logger {
	lf := make(logrus.Fields, len(fields))
	for _, f := range fields {
		lf[f.Key] = f.Value
	}
	return &baseLogger{inner: b.inner, entry: b.entry.WithFields(lf)}
}

func (b *baseLogger) WithComponent(component string) Logger {
	return b.With(Component(component))
}

func (b *baseLogger) SetLevel(level Level) { b.inner.SetLevel(toLogrus(level)) }
func (b *baseLogger) GetLevel() Level      { return fromLogrus(b.inner.GetLevel()) }

// NewNop returns a Logger that discards everything. Used in tests.
func NewNop() Logger {
	inner := logrus.New()
	inner.SetOutput(discard{})
	b := &baseLogger{inner: inner}
	b.entry = logrus.NewEntry(inner)
	return b
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
