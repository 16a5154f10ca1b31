// Package tracing emits OpenTelemetry spans for the lifecycle of jobs and
// the controller/agent loops.
//
// Spans cannot stay open across process restarts, so the job's root span is
// emitted once at creation and its context persisted in the job row as a
// W3C traceparent map. Every status code interval is then an independent
// child span anchored at the stored context: a crash loses at most the
// interval in flight, never the whole trace.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/raplab/raprunner/internal/models"
)

const tracerName = "raprunner"

var propagator = propagation.TraceContext{}

// Setup installs a tracer provider exporting via OTLP/HTTP when endpoint is
// non-empty, or a no-exporter provider otherwise. The returned shutdown
// function flushes pending spans.
func Setup(ctx context.Context, serviceName, endpoint string) (func(context.Context) error, error) {
	res, err := sdkresource.Merge(sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if endpoint != "" {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpointURL(endpoint))
		if err != nil {
			return nil, fmt.Errorf("creating OTLP exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// Tracer returns the library tracer from the installed provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitialiseJobTrace emits the job's root span and stores its context in
// job.TraceContext. Call once, when the job is created.
func InitialiseJobTrace(ctx context.Context, job *models.Job) {
	now := time.Now()
	ctx, span := Tracer().Start(ctx, "JOB",
		trace.WithTimestamp(now),
		trace.WithAttributes(JobAttributes(job)...))
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	job.TraceContext = carrier
	span.End(trace.WithTimestamp(now))
}

// LoadTraceContext rebuilds a context carrying the job's stored span
// reference. The span context is marked non-remote so children nest under
// the root rather than appearing as fresh remote links.
func LoadTraceContext(ctx context.Context, job *models.Job) context.Context {
	if len(job.TraceContext) == 0 {
		return ctx
	}
	extracted := propagator.Extract(ctx, propagation.MapCarrier(job.TraceContext))
	sc := trace.SpanContextFromContext(extracted).WithRemote(false)
	if !sc.IsValid() {
		return ctx
	}
	return trace.ContextWithSpanContext(ctx, sc)
}

// ExtractContext rebuilds a context from a traceparent carried in a task's
// attribute map, so agent task spans nest under the owning job's trace. With
// no (or invalid) traceparent the context is returned unchanged.
func ExtractContext(ctx context.Context, attributes map[string]string) context.Context {
	if len(attributes) == 0 {
		return ctx
	}
	extracted := propagator.Extract(ctx, propagation.MapCarrier(attributes))
	sc := trace.SpanContextFromContext(extracted)
	if !sc.IsValid() {
		return ctx
	}
	return trace.ContextWithSpanContext(ctx, sc)
}

// FinishCurrentState emits the span for the status code interval the job is
// leaving: start is when the code was entered, end is the transition time.
// Extra attributes (results, errors) are attached alongside the stable job
// set.
func FinishCurrentState(ctx context.Context, job *models.Job, endNS int64, extra ...attribute.KeyValue) {
	emitInterval(ctx, job, job.StatusCodeUpdatedAt, endNS, extra...)
}

// RecordFinalState emits a one second marker span for the final code the
// job has just entered, so the terminal code is visible on the trace even
// though no further transition will close an interval for it.
func RecordFinalState(ctx context.Context, job *models.Job, enteredNS int64, extra ...attribute.KeyValue) {
	emitInterval(ctx, job, enteredNS, enteredNS+int64(time.Second), extra...)
}

func emitInterval(ctx context.Context, job *models.Job, startNS, endNS int64, extra ...attribute.KeyValue) {
	if endNS < startNS {
		endNS = startNS
	}
	ctx = LoadTraceContext(ctx, job)
	attrs := append(JobAttributes(job), extra...)
	_, span := Tracer().Start(ctx, job.StatusCode.Name(),
		trace.WithTimestamp(time.Unix(0, startNS)),
		trace.WithAttributes(attrs...))
	span.End(trace.WithTimestamp(time.Unix(0, endNS)))
}

// JobAttributes is the stable attribute set recorded on every job span.
func JobAttributes(job *models.Job) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("job.id", job.ID),
		attribute.String("job.rap_id", job.RapID),
		attribute.String("job.workspace", job.Workspace),
		attribute.String("job.action", job.Action),
		attribute.String("job.backend", job.Backend),
		attribute.String("job.repo_url", job.RepoURL),
		attribute.String("job.commit", job.Commit),
		attribute.String("job.image_id", job.ImageID),
		attribute.Bool("job.requires_db", job.RequiresDB),
		attribute.Bool("job.cancelled", job.Cancelled),
		attribute.String("job.state", string(job.State)),
		attribute.String("job.status_code", string(job.StatusCode)),
	}
}

// ResultAttributes converts task results into span attributes for
// result-bearing spans.
func ResultAttributes(exitCode *int64, imageID, message string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("results.image_id", imageID),
		attribute.String("results.executor_message", message),
	}
	if exitCode != nil {
		attrs = append(attrs, attribute.Int64("results.exit_code", *exitCode))
	}
	return attrs
}

// RecordError marks the current span as errored with the given exception.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("error", true))
}
