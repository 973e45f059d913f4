package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogger_FieldsAndScopes(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := Component(NewZapAdapter(zap.New(core)), "retrieval")

	log.With(map[string]interface{}{"businessId": "biz-1"}).
		WithError(errors.New("boom")).
		Warn("retrieval degraded", map[string]interface{}{"reason": "embedding"})

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "retrieval degraded", entries[0].Message)
		assert.Equal(t, "retrieval", fields["component"])
		assert.Equal(t, "biz-1", fields["businessId"])
		assert.Equal(t, "embedding", fields["reason"])
		assert.Equal(t, "boom", fields["error"])
	}
}

func TestMapToZapFields_SortedWithErrors(t *testing.T) {
	fields := mapToZapFields(map[string]interface{}{"step": "audience", "cause": errors.New("x")})
	if assert.Len(t, fields, 2) {
		assert.Equal(t, "cause", fields[0].Key)
		assert.Equal(t, zapcore.ErrorType, fields[0].Type)
		assert.Equal(t, "step", fields[1].Key)
	}
	assert.Nil(t, mapToZapFields(nil))
}

func TestZapLogger_RespectsLevel(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	log := NewZapAdapter(zap.New(core))

	log.Debug("hidden", nil)
	log.Info("hidden", nil)
	log.Error("shown", map[string]interface{}{"attempts": 3})

	if assert.Len(t, logs.All(), 1) {
		assert.Equal(t, int64(3), logs.All()[0].ContextMap()["attempts"])
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel(""))
}

func TestNewNoOpLogger(t *testing.T) {
	log := NewNoOpLogger()
	log.Info("ignored", nil)
	assert.NotNil(t, log.WithFields(map[string]interface{}{"a": 1}))
}
