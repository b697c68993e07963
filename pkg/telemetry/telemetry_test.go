package telemetry

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func TestInitTracer_Disabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestGetSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), getSampler(Config{SamplerType: "always"}).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), getSampler(Config{SamplerType: "never"}).Description())
	assert.Contains(t, getSampler(Config{SamplerType: "ratio", SamplerRatio: 0.5}).Description(), "0.5")
	assert.Equal(t, sdktrace.AlwaysSample().Description(), getSampler(Config{}).Description())
}

func TestWithSpan(t *testing.T) {
	recorder := withRecorder(t)

	err := WithSpan(context.Background(), "ok-span", func(ctx context.Context) error {
		SetAttributes(ctx, attribute.String("skill.name", "tech-debt-tracker"))
		AddEvent(ctx, "cache.miss")
		return nil
	})
	require.NoError(t, err)

	failure := errors.New("boom")
	err = WithSpan(context.Background(), "failing-span", func(context.Context) error {
		return failure
	})
	assert.Equal(t, failure, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "ok-span", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("skill.name", "tech-debt-tracker"))
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "cache.miss", spans[0].Events()[0].Name)

	assert.Equal(t, "failing-span", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "boom", spans[1].Status().Description)
}

func TestRecordError(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := Tracer("").Start(context.Background(), "manual")
	RecordError(ctx, errors.New("bad"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
