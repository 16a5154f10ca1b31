package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/raplab/raprunner/internal/models"
)

func installExporter(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = provider.Shutdown(context.Background())
	})
	return exporter
}

func testJob() *models.Job {
	return &models.Job{
		ID:         "abcd1234abcd1234",
		RapID:      "rap-1",
		Workspace:  "testws",
		Action:     "analyse",
		Backend:    "test",
		State:      models.StatePending,
		StatusCode: models.CodeCreated,
	}
}

func TestInitialiseJobTrace(t *testing.T) {
	exporter := installExporter(t)
	job := testJob()

	InitialiseJobTrace(context.Background(), job)

	require.NotEmpty(t, job.TraceContext)
	assert.Contains(t, job.TraceContext, "traceparent")

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "JOB", spans[0].Name)
}

func TestStatusIntervalSpansShareTheRootTrace(t *testing.T) {
	exporter := installExporter(t)
	job := testJob()
	ctx := context.Background()

	InitialiseJobTrace(ctx, job)
	root := exporter.GetSpans()[0]
	exporter.Reset()

	start := time.Now().Add(-5 * time.Second).UnixNano()
	job.StatusCode = models.CodeExecuting
	job.StatusCodeUpdatedAt = start
	end := start + 3*int64(time.Second)
	FinishCurrentState(ctx, job, end)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "EXECUTING", span.Name)
	assert.Equal(t, root.SpanContext.TraceID(), span.SpanContext.TraceID())
	assert.Equal(t, root.SpanContext.SpanID(), span.Parent.SpanID())
	assert.False(t, span.Parent.IsRemote())
	assert.Equal(t, time.Unix(0, start).UTC(), span.StartTime.UTC())
	assert.Equal(t, time.Unix(0, end).UTC(), span.EndTime.UTC())
}

func TestRecordFinalStateEmitsMarkerSpan(t *testing.T) {
	exporter := installExporter(t)
	job := testJob()
	ctx := context.Background()
	InitialiseJobTrace(ctx, job)
	exporter.Reset()

	entered := time.Now().UnixNano()
	job.State = models.StateSucceeded
	job.StatusCode = models.CodeSucceeded
	RecordFinalState(ctx, job, entered)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "SUCCEEDED", spans[0].Name)
	assert.Equal(t, time.Second, spans[0].EndTime.Sub(spans[0].StartTime))
}

func TestEmitIntervalClampsBackwardsTime(t *testing.T) {
	exporter := installExporter(t)
	job := testJob()
	ctx := context.Background()
	InitialiseJobTrace(ctx, job)
	exporter.Reset()

	start := time.Now().UnixNano()
	job.StatusCodeUpdatedAt = start
	FinishCurrentState(ctx, job, start-int64(time.Second))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, spans[0].StartTime, spans[0].EndTime)
}

func TestLoadTraceContextWithoutStoredContext(t *testing.T) {
	installExporter(t)
	job := testJob()
	ctx := LoadTraceContext(context.Background(), job)
	assert.Equal(t, context.Background(), ctx)

	job.TraceContext = map[string]string{"traceparent": "garbage"}
	ctx = LoadTraceContext(context.Background(), job)
	assert.Equal(t, context.Background(), ctx)
}

func TestJobAttributes(t *testing.T) {
	job := testJob()
	attrs := JobAttributes(job)
	found := map[string]bool{}
	for _, a := range attrs {
		found[string(a.Key)] = true
	}
	for _, key := range []string{
		"job.id", "job.rap_id", "job.workspace", "job.action",
		"job.backend", "job.requires_db", "job.status_code",
	} {
		assert.True(t, found[key], key)
	}
}
