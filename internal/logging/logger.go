// Package logging provides structured logging for the agent with the
// VERBOSE/INFORM/ERROR levels the core requires, built on logrus.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context values carried through an evaluation.
type ContextKey string

const (
	// AuditKeyKey is the context key for the current promise's audit key.
	AuditKeyKey ContextKey = "audit_key"
	// LockNameKey is the context key for the lock name held during evaluation.
	LockNameKey ContextKey = "lock_name"
)

// Logger wraps logrus.Logger with the agent's stable log-line prefixes.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a new Logger instance for the named component ("agent",
// "pkgmodule", "routing", ...).
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv constructs a logger using CFAGENT_LOG_LEVEL/CFAGENT_LOG_FORMAT,
// defaulting to "info"/"text" the way an interactive agent run expects.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("CFAGENT_LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("CFAGENT_LOG_FORMAT"))
	if format == "" {
		format = "text"
	}
	return New(component, level, format)
}

// WithContext attaches the audit key and lock name, when present, to a log entry.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if v := ctx.Value(AuditKeyKey); v != nil {
		entry = entry.WithField("audit_key", v)
	}
	if v := ctx.Value(LockNameKey); v != nil {
		entry = entry.WithField("lock", v)
	}
	return entry
}

// Verbose logs at VERBOSE (debug) level per §7's stable log levels.
func (l *Logger) Verbose(ctx context.Context, msg string, fields logrus.Fields) {
	l.WithContext(ctx).WithFields(fields).Debug(msg)
}

// Inform logs at INFORM (info) level.
func (l *Logger) Inform(ctx context.Context, msg string, fields logrus.Fields) {
	l.WithContext(ctx).WithFields(fields).Info(msg)
}

// ErrorLog logs at ERROR level, optionally wrapping a cause.
func (l *Logger) ErrorLog(ctx context.Context, msg string, err error, fields logrus.Fields) {
	entry := l.WithContext(ctx)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.WithFields(fields).Error(msg)
}

// NewAuditKey generates a high-resolution-timestamp-derived audit key
// component; the full key also folds in the current lock name per §4.4.
func NewAuditKey(now time.Time, lockName string) string {
	return now.UTC().Format("20060102T150405.000000000Z") + ":" + lockName
}

// NewTraceID generates an opaque run identifier.
func NewTraceID() string {
	return uuid.New().String()
}

// WithAuditKey attaches an audit key to the context.
func WithAuditKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, AuditKeyKey, key)
}

// WithLockName attaches the currently held lock's name to the context.
func WithLockName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, LockNameKey, name)
}
