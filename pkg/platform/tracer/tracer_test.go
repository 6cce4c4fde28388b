package tracer_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otelnoop "go.opentelemetry.io/otel/trace/noop"

	"certify/pkg/platform/tracer"
)

func TestNoopTracer_Start(t *testing.T) {
	tr := tracer.NewNoop()
	ctx := context.Background()

	newCtx, span := tr.Start(ctx, tracer.SpanIssue, tracer.String(tracer.AttrCredentialID, "vc_1"))

	assert.Equal(t, ctx, newCtx)
	require.NotNil(t, span)

	span.SetAttributes(tracer.Bool(tracer.AttrValid, true))
	span.AddEvent(tracer.EventDuplicateDetected, tracer.Int64("count", 1))
	span.End(errors.New("boom"))
}

func TestOTelTracer_WrapsProvidedTracer(t *testing.T) {
	tr := tracer.NewOTel(tracer.WithOTelTracer(otelnoop.NewTracerProvider().Tracer("test")))

	ctx, span := tr.Start(context.Background(), tracer.SpanVerify,
		tracer.String(tracer.AttrCredentialID, "vc_1"),
		tracer.Int64(tracer.AttrFieldCount, 3),
		tracer.Float64("ratio", 0.5),
		tracer.Duration("latency", 0),
	)
	require.NotNil(t, ctx)
	span.SetAttributes(tracer.Bool(tracer.AttrValid, false))
	span.End(nil)
}

func TestHashSubject(t *testing.T) {
	assert.Empty(t, tracer.HashSubject(""))
	assert.Len(t, tracer.HashSubject("subject-1"), 16)
	assert.Equal(t, tracer.HashSubject("subject-1"), tracer.HashSubject("subject-1"))
	assert.NotEqual(t, tracer.HashSubject("subject-1"), tracer.HashSubject("subject-2"))
}
