package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/raplab/raprunner/internal/executor"
	"github.com/raplab/raprunner/internal/schema"
)

// handleRunJob advances a RUNJOB task one executor transition per tick. The
// transitions themselves are idempotent, so a crash mid-stage just replays
// the stage on the next tick.
func (a *Agent) handleRunJob(ctx context.Context, task *schema.AgentTask) error {
	var def schema.JobDefinition
	if err := json.Unmarshal(task.Definition, &def); err != nil {
		return fmt.Errorf("parsing definition for %s: %w", task.ID, err)
	}

	status, err := a.exec.GetStatus(&def, false)
	if err != nil {
		if executor.IsRetryable(err) {
			a.log.Warn("executor status unavailable, retrying",
				zap.String("task", task.ID), zap.Error(err))
			return nil
		}
		return a.failTask(ctx, task, &def, err)
	}

	switch status.State {
	case executor.StateUnknown, executor.StatePreparing:
		// Tell the controller before the (potentially slow) clone starts
		if err := a.postStage(ctx, task.ID, executor.StatePreparing, nil); err != nil {
			return err
		}
		st, err := a.exec.Prepare(&def)
		if err != nil {
			return a.transitionFailed(ctx, task, &def, err)
		}
		return a.postStage(ctx, task.ID, st.State, st.TimestampNS)

	case executor.StatePrepared:
		// Database credentials only exist in the container environment,
		// and only from this point on
		a.injectDatabaseEnv(&def)
		st, err := a.exec.Execute(&def)
		if err != nil {
			return a.transitionFailed(ctx, task, &def, err)
		}
		return a.postStage(ctx, task.ID, st.State, st.TimestampNS)

	case executor.StateExecuting:
		// Heartbeat; the controller's clock decides whether to persist it
		return a.postStage(ctx, task.ID, executor.StateExecuting, status.TimestampNS)

	case executor.StateExecuted, executor.StateFinalizing:
		if err := a.postStage(ctx, task.ID, executor.StateFinalizing, status.TimestampNS); err != nil {
			return err
		}
		st, err := a.exec.Finalize(&def, false, "")
		if err != nil {
			return a.transitionFailed(ctx, task, &def, err)
		}
		return a.completeAndCleanup(ctx, task, &def, st.Results, st.TimestampNS)

	case executor.StateFinalized:
		return a.completeAndCleanup(ctx, task, &def, status.Results, status.TimestampNS)

	case executor.StateError:
		return a.failTask(ctx, task, &def, fmt.Errorf("%s", status.Message))

	default:
		return fmt.Errorf("task %s in unexpected executor state %q", task.ID, status.State)
	}
}

// injectDatabaseEnv places the database URL in the job's environment. Dummy
// data backends have no real database and inject nothing.
func (a *Agent) injectDatabaseEnv(def *schema.JobDefinition) {
	if !def.AllowDatabaseAccess || a.cfg.UsingDummyDataBackend {
		return
	}
	name := def.DatabaseName
	if name == "" {
		name = "default"
	}
	if url, ok := a.cfg.DatabaseURLs[name]; ok {
		if def.Env == nil {
			def.Env = map[string]string{}
		}
		def.Env["DATABASE_URL"] = url
	}
}

// completeAndCleanup removes the container and scratch space, then reports
// the finished task. Teardown comes first so a completed report means the
// host really is done with the job; the results survive in the job's
// metadata file, so a crash between the two just replays the report on the
// next tick.
func (a *Agent) completeAndCleanup(ctx context.Context, task *schema.AgentTask, def *schema.JobDefinition, results *schema.JobTaskResults, timestampNS *int64) error {
	if _, err := a.exec.Cleanup(def); err != nil {
		a.log.Error("cleanup failed", zap.String("task", task.ID), zap.Error(err))
	}
	return a.postComplete(ctx, task.ID, results, timestampNS)
}

// transitionFailed handles an executor transition error: retryable ones wait
// for the next tick, the rest fail the task.
func (a *Agent) transitionFailed(ctx context.Context, task *schema.AgentTask, def *schema.JobDefinition, err error) error {
	if executor.IsRetryable(err) {
		a.log.Warn("executor transition failed, retrying",
			zap.String("task", task.ID), zap.Error(err))
		return nil
	}
	return a.failTask(ctx, task, def, err)
}

// failTask records an agent-side failure on the task and cleans up. The
// error lands in the results' Error field, which routes the controller down
// the task-error path rather than the job-results path.
func (a *Agent) failTask(ctx context.Context, task *schema.AgentTask, def *schema.JobDefinition, cause error) error {
	a.log.Error("task failed on the agent",
		zap.String("task", task.ID), zap.Error(cause))
	if _, err := a.exec.Finalize(def, false, cause.Error()); err != nil {
		a.log.Error("recording task failure in executor failed",
			zap.String("task", task.ID), zap.Error(err))
	}
	results := &schema.JobTaskResults{Error: cause.Error()}
	return a.completeAndCleanup(ctx, task, def, results, nil)
}
