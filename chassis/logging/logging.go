package logging

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	timeFormat = "2006-01-02 15:04:05"
)

type ctxKey int

const (
	traceIDKey ctxKey = iota
)

var logger = logrus.NewEntry(logrus.New())

// Fields ...
type Fields logrus.Fields

// Init ...
func Init(module string, level string) {
	customFormatter := &logrus.TextFormatter{}
	customFormatter.TimestampFormat = timeFormat
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetOutput(os.Stdout)
	switch level {
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
	logger = logrus.WithFields(logrus.Fields{
		"module": module,
	})
	logger.WithFields(logrus.Fields{
		"event": "init_logger",
	}).Info("logger initiated")
}

// WithFields ...
func WithFields(fields Fields) *logrus.Entry {
	return logger.WithFields(logrus.Fields(fields))
}

// WithContext returns an entry carrying the request trace id, if any.
func WithContext(ctx context.Context) *logrus.Entry {
	if traceID := TraceID(ctx); traceID != "" {
		return logger.WithField("trace", traceID)
	}
	return logger
}

// NewTraceID ...
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID stores the trace id in ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID ...
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// Error ...
func Error(args ...interface{}) {
	logger.Error(args...)
}

// Warn ...
func Warn(args ...interface{}) {
	logger.Warn(args...)
}

// Info ...
func Info(args ...interface{}) {
	logger.Info(args...)
}

// Debug ...
func Debug(args ...interface{}) {
	logger.Debug(args...)
}
