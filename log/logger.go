// Package log provides structured logging for the sprite pipeline.
//
// Records carry an RFC3339 timestamp, level, record type, and a
// JSON-serializable payload. Payloads are sanitized before emission:
// secret-bearing keys are redacted, oversized string leaves are
// truncated, and reference cycles are broken. Logging never propagates
// failures; sink errors are swallowed.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RecordType is a member of the closed set of structured record types.
type RecordType string

const (
	// RecordJobSubmission is emitted when a job is accepted or rejected.
	RecordJobSubmission RecordType = "job_submission"
	// RecordStateChange is emitted on job lifecycle transitions.
	RecordStateChange RecordType = "state_change"
	// RecordCacheAccess is emitted on cache reads and writes.
	RecordCacheAccess RecordType = "cache_access"
	// RecordRetry is emitted when a failed job is requeued.
	RecordRetry RecordType = "retry"
	// RecordDLQMove is emitted when a job moves to the dead-letter partition.
	RecordDLQMove RecordType = "dlq_move"
	// RecordError is emitted for classified errors.
	RecordError RecordType = "error"
)

// DefaultMaxRecordBytes is the default serialized-size cap per record.
const DefaultMaxRecordBytes = 1024

// Logger emits structured records through a zap core.
// All methods are safe on a nil receiver.
type Logger struct {
	zap      *zap.Logger
	maxBytes int
}

// NewLogger creates a logger writing JSON records to os.Stderr.
func NewLogger() *Logger {
	return newLoggerWithWriter(os.Stderr, DefaultMaxRecordBytes)
}

// WithOutput returns a new logger with a different output writer.
// The record size cap is preserved.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	if l == nil {
		return newLoggerWithWriter(w, DefaultMaxRecordBytes)
	}
	return newLoggerWithWriter(w, l.maxBytes)
}

// WithMaxRecordBytes returns a new logger with the given record size cap.
func (l *Logger) WithMaxRecordBytes(n int) *Logger {
	if l == nil {
		return nil
	}
	if n <= 0 {
		n = DefaultMaxRecordBytes
	}
	return &Logger{zap: l.zap, maxBytes: n}
}

// WithCorrelation returns a logger whose records carry a correlation id.
func (l *Logger) WithCorrelation(id string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{zap: l.zap.With(zap.String("correlation_id", id)), maxBytes: l.maxBytes}
}

func newLoggerWithWriter(w io.Writer, maxBytes int) *Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(&swallowWriter{w: w}),
		zapcore.DebugLevel,
	)

	return &Logger{zap: zap.New(core), maxBytes: maxBytes}
}

// Record emits a typed record at info level with a sanitized payload.
func (l *Logger) Record(rt RecordType, payload map[string]any) {
	if l == nil {
		return
	}
	l.zap.Info(string(rt),
		zap.String("type", string(rt)),
		zap.Any("payload", Sanitize(payload, l.maxBytes)),
	)
}

// ErrorRecord emits a typed record at error level with a sanitized payload.
func (l *Logger) ErrorRecord(rt RecordType, payload map[string]any) {
	if l == nil {
		return
	}
	l.zap.Error(string(rt),
		zap.String("type", string(rt)),
		zap.Any("payload", Sanitize(payload, l.maxBytes)),
	)
}

// Debug logs a debug message with a sanitized payload.
func (l *Logger) Debug(message string, fields map[string]any) {
	if l == nil {
		return
	}
	l.zap.Debug(message, zap.Any("fields", Sanitize(fields, l.maxBytes)))
}

// Info logs an info message with a sanitized payload.
func (l *Logger) Info(message string, fields map[string]any) {
	if l == nil {
		return
	}
	l.zap.Info(message, zap.Any("fields", Sanitize(fields, l.maxBytes)))
}

// Warn logs a warning message with a sanitized payload.
func (l *Logger) Warn(message string, fields map[string]any) {
	if l == nil {
		return
	}
	l.zap.Warn(message, zap.Any("fields", Sanitize(fields, l.maxBytes)))
}

// Error logs an error message with a sanitized payload.
func (l *Logger) Error(message string, fields map[string]any) {
	if l == nil {
		return
	}
	l.zap.Error(message, zap.Any("fields", Sanitize(fields, l.maxBytes)))
}

// swallowWriter wraps a writer and discards write errors and panics.
// Logging must never propagate sink failures to the caller.
type swallowWriter struct {
	w io.Writer
}

func (s *swallowWriter) Write(p []byte) (int, error) {
	defer func() { _ = recover() }()
	_, _ = s.w.Write(p)
	return len(p), nil
}
