package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/raplab/raprunner/internal/executor"
	"github.com/raplab/raprunner/internal/schema"
)

// handleCancelJob winds down a cancelled job. A running container is killed
// first and finalized on a later tick, so partial logs still get persisted
// for the user.
func (a *Agent) handleCancelJob(ctx context.Context, task *schema.AgentTask) error {
	var def schema.JobDefinition
	if err := json.Unmarshal(task.Definition, &def); err != nil {
		return fmt.Errorf("parsing definition for %s: %w", task.ID, err)
	}

	status, err := a.exec.GetStatus(&def, true)
	if err != nil {
		if executor.IsRetryable(err) {
			a.log.Warn("executor status unavailable, retrying",
				zap.String("task", task.ID), zap.Error(err))
			return nil
		}
		return err
	}

	switch status.State {
	case executor.StateExecuting:
		if _, err := a.exec.Terminate(&def); err != nil {
			if executor.IsRetryable(err) {
				return nil
			}
			return err
		}
		// Killed; the next tick finds EXECUTED and finalizes
		return a.postStage(ctx, task.ID, executor.StateExecuted, nil)

	case executor.StateFinalized:
		return a.completeAndCleanup(ctx, task, &def, status.Results, status.TimestampNS)

	default:
		// UNKNOWN/PREPARING/PREPARED/EXECUTED/FINALIZING/ERROR: record the
		// cancellation and tear down. A job that never started still gets
		// cancelled-marker metadata, so replayed tasks see a settled state.
		st, err := a.exec.Finalize(&def, true, "")
		if err != nil {
			if executor.IsRetryable(err) {
				return nil
			}
			return err
		}
		return a.completeAndCleanup(ctx, task, &def, st.Results, st.TimestampNS)
	}
}
