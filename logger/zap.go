package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// ZapLogger adapts a zap.Logger to the keyval interface. Useful when the
// embedding service already runs zap and wants engine logs in the same
// stream.
type ZapLogger struct {
	l *zap.Logger
}

func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{l: l}
}

func (z *ZapLogger) Debug(msg string, keyvals ...any) { z.l.Debug(msg, zapFields(keyvals)...) }
func (z *ZapLogger) Info(msg string, keyvals ...any)  { z.l.Info(msg, zapFields(keyvals)...) }
func (z *ZapLogger) Error(msg string, keyvals ...any) { z.l.Error(msg, zapFields(keyvals)...) }

func zapFields(keyvals []any) []zap.Field {
	fields := make([]zap.Field, 0, len(keyvals)/2)
	for i := 0; i < len(keyvals)-1; i += 2 {
		key := fmt.Sprint(keyvals[i])
		switch v := keyvals[i+1].(type) {
		case string:
			fields = append(fields, zap.String(key, v))
		case bool:
			fields = append(fields, zap.Bool(key, v))
		case int:
			fields = append(fields, zap.Int(key, v))
		case error:
			fields = append(fields, zap.NamedError(key, v))
		default:
			fields = append(fields, zap.Any(key, v))
		}
	}
	return fields
}
