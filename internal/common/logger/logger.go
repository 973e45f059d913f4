package logger

import (
	"sort"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// Logger is the structured logging interface every component depends on.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger
	With(fields map[string]interface{}) Logger
}

// New builds a zap logger. format "json" selects the production encoder,
// anything else the console one. output is a zap sink such as "stdout" or a
// file path; empty means stdout. A config zap cannot build yields a no-op
// logger so startup never fails on logging.
func New(level, format string, output ...string) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if format == "json" {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	if len(output) > 0 && output[0] != "" {
		cfg.OutputPaths = output
	}

	built, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return built
}

// parseLevel accepts zap level names; unknown names mean info.
func parseLevel(level string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

type zapLogger struct {
	base *zap.Logger
}

func (z *zapLogger) write(lvl zapcore.Level, msg string, fields map[string]interface{}) {
	if ce := z.base.Check(lvl, msg); ce != nil {
		ce.Write(mapToZapFields(fields)...)
	}
}

func (z *zapLogger) Debug(msg string, fields map[string]interface{}) {
	z.write(zapcore.DebugLevel, msg, fields)
}

func (z *zapLogger) Info(msg string, fields map[string]interface{}) {
	z.write(zapcore.InfoLevel, msg, fields)
}

func (z *zapLogger) Warn(msg string, fields map[string]interface{}) {
	z.write(zapcore.WarnLevel, msg, fields)
}

func (z *zapLogger) Error(msg string, fields map[string]interface{}) {
	z.write(zapcore.ErrorLevel, msg, fields)
}

func (z *zapLogger) WithFields(fields map[string]interface{}) Logger {
	return &zapLogger{base: z.base.With(mapToZapFields(fields)...)}
}

func (z *zapLogger) WithError(err error) Logger {
	return &zapLogger{base: z.base.With(zap.Error(err))}
}

func (z *zapLogger) With(fields map[string]interface{}) Logger {
	return z.WithFields(fields)
}

// mapToZapFields converts fields in key order so output is stable. error
// values keep their type so encoders render them as errors.
func mapToZapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	zf := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		switch v := fields[k].(type) {
		case error:
			zf = append(zf, zap.NamedError(k, v))
		default:
			zf = append(zf, zap.Any(k, v))
		}
	}
	return zf
}

// NewStructured builds a Logger straight from level/format/output settings.
func NewStructured(level, format string, output ...string) Logger {
	return &zapLogger{base: New(level, format, output...)}
}

// NewZapAdapter exposes an existing *zap.Logger through Logger.
func NewZapAdapter(l *zap.Logger) Logger {
	return &zapLogger{base: l}
}

// Component scopes a logger to one named component.
func Component(l Logger, name string) Logger {
	if l == nil {
		l = NewNoOpLogger()
	}
	return l.With(map[string]interface{}{"component": name})
}

// NewTestLogger routes output through t.Log.
func NewTestLogger(t testing.TB) Logger {
	return &zapLogger{base: zaptest.NewLogger(t)}
}

func NewNoOpLogger() Logger {
	return &zapLogger{base: zap.NewNop()}
}
