package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggerLevel(t *testing.T) {
	logger, err := NewLogger(Options{Level: "warn"})
	require.NoError(t, err)

	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	assert.Same(t, DefaultLogger(), FromContext(context.Background()))
}

func TestWithFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := WithLogger(context.Background(), zap.New(core))

	ctx = WithFields(ctx, zap.String("requester_id", "u-1"))
	L(ctx).Info("hello")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "u-1", logs.All()[0].ContextMap()["requester_id"])
}
