package controller

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/raplab/raprunner/internal/database"
	"github.com/raplab/raprunner/internal/models"
	"github.com/raplab/raprunner/internal/tracing"
)

// heartbeatInterval bounds how stale updated_at may go on a job whose code
// has not changed, so monitoring can tell "still being handled" from
// "loop is stuck".
const heartbeatInterval = 60 * time.Second

// SetCodeOptions carries optional transition detail.
type SetCodeOptions struct {
	// TimestampNS is the agent-observed transition time. When absent the
	// controller clock is used, which can slightly stretch the span.
	TimestampNS *int64

	// Attributes are attached to the emitted interval span
	Attributes []attribute.KeyValue
}

// SetCode moves a job to a new status code, emitting the span for the
// interval being left and persisting the whole transition in one write.
// Calling it with the current code refreshes the heartbeat only.
func SetCode(ctx context.Context, h database.Handle, job *models.Job, code models.StatusCode, message string, opts *SetCodeOptions) error {
	if opts == nil {
		opts = &SetCodeOptions{}
	}
	now := time.Now()

	if code == job.StatusCode && message == job.StatusMessage {
		// Unchanged; bump updated_at occasionally so the job doesn't
		// look abandoned
		if now.Unix()-job.UpdatedAt < int64(heartbeatInterval.Seconds()) {
			return nil
		}
		job.UpdatedAt = now.Unix()
		return database.Update(ctx, h, job, "cancelled")
	}

	ts := now.UnixNano()
	if opts.TimestampNS != nil {
		ts = *opts.TimestampNS
	}
	// Clock anomalies (agent skew, ntp steps) must not produce
	// negative-duration spans or break monotonicity
	if ts <= job.StatusCodeUpdatedAt {
		ts = job.StatusCodeUpdatedAt + int64(time.Millisecond)
	}

	tracing.FinishCurrentState(ctx, job, ts, opts.Attributes...)

	job.StatusCode = code
	job.StatusMessage = message
	job.StatusCodeUpdatedAt = ts
	job.UpdatedAt = now.Unix()

	newState := code.StateFor()
	switch {
	case code.IsReset():
		job.State = models.StatePending
		job.StartedAt = nil
	case newState == models.StateRunning:
		job.State = models.StateRunning
		if job.StartedAt == nil {
			started := now.Unix()
			job.StartedAt = &started
		}
	case newState.IsFinal():
		job.State = newState
		completed := now.Unix()
		job.CompletedAt = &completed
	default:
		job.State = models.StatePending
	}

	if err := database.Update(ctx, h, job, "cancelled"); err != nil {
		return err
	}

	if code.IsFinal() {
		tracing.RecordFinalState(ctx, job, ts, opts.Attributes...)
	}
	return nil
}
