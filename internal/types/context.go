package types

import "context"

// Context Keys
type contextKey string

const (
	recordIDKey  contextKey = "record_id"
	requestIDKey contextKey = "request_id"
	loggerKey    contextKey = "logger"
)

// WithRecordID stores the identifier of the event record being processed.
func WithRecordID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, recordIDKey, id)
}

// RecordIDFromContext retrieves the record ID, or "" if none was set.
func RecordIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(recordIDKey).(string)
	return id
}

// WithRequestID stores the replay server request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID, or "" if none was set.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithLogger stores a Logger in the context.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the Logger from the context. The returned logger
// is expected to carry record-scoped fields. It falls back to NopLogger.
func LoggerFromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey).(Logger); ok && l != nil {
		return l
	}
	return NopLogger{}
}
