// Package logger provides structured logging for the gateway and its
// components, wrapping logrus the way the rest of the service-layer
// ecosystem does.
package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// Logger wraps logrus.Logger with gateway-specific helpers.
type Logger struct {
	*logrus.Logger
}

// Config controls the logger's level and format; output always goes to
// stdout.
type Config struct {
	Level  string // trace, debug, info, warn, error, fatal, panic
	Format string // "json" or "text"
}

// New builds a Logger from Config, defaulting to info/text on bad input.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	l.SetOutput(os.Stdout)

	return &Logger{Logger: l}
}

// Discard returns a Logger that drops everything; the nil-safe default for
// components constructed without an explicit logger.
func Discard() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel + 1)
	return &Logger{Logger: l}
}

// WithContext attaches the request id carried on ctx (if any) as a field.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	if l == nil {
		return logrus.NewEntry(logrus.New())
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return l.WithField("request_id", id)
	}
	return logrus.NewEntry(l.Logger)
}

// ContextWithRequestID returns a context carrying the request id for later
// retrieval by WithContext.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// Component returns a child logger tagged with a component name, matching
// the per-subsystem logger pattern used throughout the gateway.
func (l *Logger) Component(name string) *logrus.Entry {
	if l == nil {
		return logrus.NewEntry(logrus.New())
	}
	return l.WithField("component", name)
}
