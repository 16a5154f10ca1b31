package controller

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/raplab/raprunner/internal/tracing"
)

// RecordTick emits one TICK trace covering the interval since the previous
// tick, with a child span per live job stating what it is currently doing.
// Transition spans tell you what happened; tick spans tell you what things
// looked like at each sample, which is what dashboards graph.
func (c *Controller) RecordTick(ctx context.Context, last time.Time) (time.Time, error) {
	now := time.Now()
	jobs, err := ActiveJobs(ctx, c.db)
	if err != nil {
		return last, err
	}

	ctx, root := tracing.Tracer().Start(ctx, "TICK",
		trace.WithTimestamp(last),
		trace.WithAttributes(attribute.Int("tick.active_jobs", len(jobs))))
	for _, job := range jobs {
		_, span := tracing.Tracer().Start(ctx, job.StatusCode.Name(),
			trace.WithTimestamp(last),
			trace.WithAttributes(tracing.JobAttributes(job)...))
		span.End(trace.WithTimestamp(now))
	}
	root.End(trace.WithTimestamp(now))
	return now, nil
}

// RunTicks emits tick telemetry until the context is cancelled.
func (c *Controller) RunTicks(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		next, err := c.RecordTick(ctx, last)
		if err != nil {
			return err
		}
		last = next
	}
}
