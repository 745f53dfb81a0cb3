package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Zhima-Mochi/minishop-orders/internal/config"
	"github.com/Zhima-Mochi/minishop-orders/internal/infrastructure/observability/zaplogger"
)

func TestOpenBus_MemoryBusWarnsNotDurable(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zaplogger.Wrap(zap.New(core))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []func(context.Context) error
	publisher, subscriber, err := openBus(ctx, &config.Config{EventBus: config.BusMemory}, noop.NewTracerProvider(), logger, &closers)
	require.NoError(t, err)
	require.NotNil(t, publisher)
	require.NotNil(t, subscriber)
	t.Cleanup(func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i](context.Background())
		}
	})

	warned := logs.FilterMessage("event_bus_not_durable").All()
	require.Len(t, warned, 1)
	assert.Equal(t, zapcore.WarnLevel, warned[0].Level)
	assert.Equal(t, config.BusMemory, warned[0].ContextMap()["event_bus"])
}
