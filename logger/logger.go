package logger

// Logger is the minimal structured-logging surface the engine needs.
// Adapters for phuslu-style, zap and slog backends live alongside; anything
// conforming to this shape plugs in.
type Logger interface {
	Error(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}

// TraceIDFunc generates a correlation ID for a request or log line.
// Implementations must be cheap and safe for concurrent calls.
type TraceIDFunc func() string
