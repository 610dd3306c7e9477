// Package logging provides structured logging for the object kernel
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// HandleKey is the context key for the object handle an operation targets
	HandleKey ContextKey = "handle"
	// MessageKey is the context key for the kernel message type in flight
	MessageKey ContextKey = "message"
	// AlgorithmKey is the context key for the capability algorithm involved
	AlgorithmKey ContextKey = "algorithm"
	// LocusKey is the context key for the error locus of a failed operation
	LocusKey ContextKey = "locus"
)

// Logger wraps logrus.Logger with additional functionality
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a new Logger instance
func New(service, level, format string) *Logger {
	logger := logrus.New()

	// Set log level
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	// Set formatter
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

	return &Logger{
		Logger:  logger,
		service: service,
	}
}

// SetOutput redirects log output, primarily for tests
func (l *Logger) SetOutput(w io.Writer) {
	l.Logger.SetOutput(w)
}

// Service returns the service name this logger was created with
func (l *Logger) Service() string {
	return l.service
}

// WithContext returns an entry carrying the kernel fields present in ctx
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)

	if ctx == nil {
		return entry
	}
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		entry = entry.WithField(string(TraceIDKey), traceID)
	}
	if handle, ok := ctx.Value(HandleKey).(int); ok {
		entry = entry.WithField(string(HandleKey), handle)
	}
	if msg, ok := ctx.Value(MessageKey).(string); ok && msg != "" {
		entry = entry.WithField(string(MessageKey), msg)
	}
	if algo, ok := ctx.Value(AlgorithmKey).(string); ok && algo != "" {
		entry = entry.WithField(string(AlgorithmKey), algo)
	}
	if locus, ok := ctx.Value(LocusKey).(string); ok && locus != "" {
		entry = entry.WithField(string(LocusKey), locus)
	}
	return entry
}

// ContextWithTrace attaches a trace ID to ctx, generating one when the
// supplied value is empty
func ContextWithTrace(ctx context.Context, traceID string) context.Context {
	if strings.TrimSpace(traceID) == "" {
		traceID = GenerateTraceID()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GenerateTraceID returns a new unique trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// LogObjectCreated records a new object entering the object table
func LogObjectCreated(l *Logger, handle int, objectType string) {
	if l == nil {
		return
	}
	l.WithFields(logrus.Fields{
		"service": l.service,
		"handle":  handle,
		"type":    objectType,
	}).Debug("object created")
}

// LogStateTransition records an object's one-way low-to-high transition
func LogStateTransition(l *Logger, handle int, from, to string) {
	if l == nil {
		return
	}
	l.WithFields(logrus.Fields{
		"service": l.service,
		"handle":  handle,
		"from":    from,
		"to":      to,
	}).Debug("object state transition")
}

// LogSelfTestResult records a capability self-test outcome
func LogSelfTestResult(l *Logger, algorithm string, ok bool, err error) {
	if l == nil {
		return
	}
	entry := l.WithFields(logrus.Fields{
		"service":   l.service,
		"algorithm": algorithm,
		"passed":    ok,
	})
	if err != nil {
		entry.WithError(err).Warn("capability self-test failed")
		return
	}
	entry.Debug("capability self-test passed")
}

// LogDeviceFallback records a mechanism miss on an external device that
// was satisfied by the system device instead
func LogDeviceFallback(l *Logger, operation, mechanism string) {
	if l == nil {
		return
	}
	l.WithFields(logrus.Fields{
		"service":   l.service,
		"operation": operation,
		"mechanism": mechanism,
	}).Info("mechanism not on device, falling back to system device")
}

// LogShutdown records the kernel passing a shutdown level
func LogShutdown(l *Logger, level string) {
	if l == nil {
		return
	}
	l.WithFields(logrus.Fields{
		"service": l.service,
		"level":   level,
	}).Info("kernel shutdown level raised")
}
