package log

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := zap.New(core)

	ctx := With(context.Background(), l)
	Logger(ctx).Info("attached", zap.Int("n", 1))
	Logger(ctx).Debug("filtered")
	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, "attached", logs.All()[0].Message)

	prev := Logger(context.Background())
	defer SetDefault(prev)
	SetDefault(l)
	Logger(context.Background()).Warn("default")
	assert.Equal(t, 2, logs.Len())
}

func TestLevel(t *testing.T) {
	t.Setenv("LOGLEVEL", "WARN")
	assert.Equal(t, zap.WarnLevel, level())
	t.Setenv("LOGLEVEL", "bogus")
	assert.Equal(t, zap.DebugLevel, level())
	t.Setenv("LOGLEVEL", "")
	assert.Equal(t, zap.DebugLevel, level())
}
