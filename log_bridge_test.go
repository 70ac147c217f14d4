package slonik

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogger_Levels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := NewZapLogger(zap.New(core))

	logger.Debug("dropped")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestZapLogger_AttrsAndGroups(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLogger(zap.New(core)).
		With(slog.String("pool_id", "p1")).
		WithGroup("query").
		With(slog.String("id", "q1"))

	logger.Info("executed", slog.String("sql", "SELECT 1"), slog.Group("timing", slog.String("unit", "ms")))

	entries := logs.FilterMessage("executed").AllUntimed()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "p1", fields["pool_id"])
	assert.Equal(t, "q1", fields["query.id"])
	assert.Equal(t, "SELECT 1", fields["query.sql"])
	assert.Equal(t, "ms", fields["query.timing.unit"])
}

func TestUseZapLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	p, _ := newMockPool(t)
	p.UseZapLogger(zap.New(core))

	_, err := p.Query(context.Background(), Raw("SELECT 1"))
	require.NoError(t, err)

	executed := logs.FilterMessage("query executed").AllUntimed()
	require.Len(t, executed, 1)
	assert.Equal(t, "SELECT 1", executed[0].ContextMap()["query"])
	assert.Equal(t, "success", executed[0].ContextMap()["status"])
}
