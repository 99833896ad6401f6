package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitDisabled(t *testing.T) {
	p, err := Init(context.Background(), &Config{Enabled: false}, nil)
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestRunAndNodeSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, run := StartRun(context.Background(), "wf-1", "trig-1")
	_, node := StartNode(ctx, "ask", "llm")
	End(node, errors.New("boom"))
	End(run, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "workflow.node", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Equal(t, "workflow.run", spans[1].Name())
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}
