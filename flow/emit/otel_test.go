package emit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordedEmitter(t *testing.T) (*OTelEmitter, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(t.Context()) })
	return NewOTelEmitter(tp.Tracer("test")), recorder
}

func TestOTelEmitterRecordsSpanWithAttributes(t *testing.T) {
	emitter, recorder := newRecordedEmitter(t)

	emitter.Emit(Event{
		Type:    "node_status",
		Channel: "execution:abc",
		Data: map[string]any{
			"node_id":     "route",
			"duration_ms": int64(12),
			"retryable":   true,
		},
		Timestamp: time.Now(),
	})

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "node_status", span.Name())

	attrs := map[string]any{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "execution:abc", attrs["pipelit.channel"])
	assert.Equal(t, "route", attrs["pipelit.node_id"])
	assert.Equal(t, int64(12), attrs["pipelit.duration_ms"])
	assert.Equal(t, true, attrs["pipelit.retryable"])
}

func TestOTelEmitterMarksErrorEvents(t *testing.T) {
	emitter, recorder := newRecordedEmitter(t)

	emitter.Emit(Event{
		Type:    "execution_failed",
		Channel: "execution:abc",
		Data:    map[string]any{"error": "provider unavailable"},
	})

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "provider unavailable", spans[0].Status().Description)
}
