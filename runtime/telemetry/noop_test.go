package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
)

var (
	_ Logger  = NoopLogger{}
	_ Metrics = NoopMetrics{}
	_ Tracer  = NoopTracer{}
)

func TestNoopImplementationsAreSafe(t *testing.T) {
	ctx := context.Background()

	var l NoopLogger
	l.Debug(ctx, "msg", "k", "v")
	l.Info(ctx, "msg")
	l.Warn(ctx, "msg", "k")
	l.Error(ctx, "msg", 42, "odd key types ignored")

	var m NoopMetrics
	m.IncCounter("c", 1, "k", "v")
	m.RecordTimer("t", time.Second)
	m.RecordGauge("g", 0.5)

	var tr NoopTracer
	spanCtx, span := tr.Start(ctx, "op")
	require.Equal(t, ctx, spanCtx)
	span.AddEvent("e", "k", "v")
	span.SetStatus(codes.Ok, "done")
	span.RecordError(nil)
	span.End()
	tr.Span(ctx).End()
}
