package observability

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInitOTel_Disabled(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})

	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, logger)

	assert.NoError(t, err)
	assert.Nil(t, providers)
}

func TestShutdownOTel_NilProviders(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})
	assert.NoError(t, ShutdownOTel(context.Background(), nil, logger))
}

func TestShutdownOTel_Providers(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})

	tp := sdktrace.NewTracerProvider()
	providers := &OTelProviders{TracerProvider: tp}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, ShutdownOTel(ctx, providers, logger))
}

func TestUpdateLoggerWithTraceContext(t *testing.T) {
	t.Run("no active span returns original logger", func(t *testing.T) {
		logger := NewLogger(InfoLevel, &bytes.Buffer{})

		got := UpdateLoggerWithTraceContext(context.Background(), logger)
		assert.Same(t, logger, got)
	})

	t.Run("recording span adds trace fields", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLogger(InfoLevel, &buf)

		tp := sdktrace.NewTracerProvider()
		defer tp.Shutdown(context.Background())

		ctx, span := tp.Tracer("test").Start(context.Background(), "op")
		defer span.End()

		got := UpdateLoggerWithTraceContext(ctx, logger)
		require.NotSame(t, logger, got)

		got.Info("traced")
		entry := decodeEntry(t, &buf)

		spanCtx := trace.SpanContextFromContext(ctx)
		assert.Equal(t, spanCtx.TraceID().String(), entry["trace_id"])
		assert.Equal(t, spanCtx.SpanID().String(), entry["span_id"])
	})
}
