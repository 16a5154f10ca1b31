// Package agent polls the controller for tasks and drives them through the
// executor. The agent is stateless: everything it needs is in the task
// definitions and the executor's on-disk state, so it can be restarted at
// any point and pick up where it left off.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/raplab/raprunner/internal/agent/metrics"
	"github.com/raplab/raprunner/internal/agent/taskclient"
	"github.com/raplab/raprunner/internal/config"
	"github.com/raplab/raprunner/internal/executor"
	"github.com/raplab/raprunner/internal/schema"
	"github.com/raplab/raprunner/internal/tracing"
)

// Agent runs one backend's tasks against a container runtime.
type Agent struct {
	cfg     *config.AgentConfig
	client  *taskclient.Client
	exec    executor.API
	probe   DBStatusProbe
	metrics *metrics.Metrics
	log     *zap.Logger
}

// New builds an Agent. The database maintenance probe defaults to the
// docker-based one; tests swap it via SetProbe.
func New(cfg *config.AgentConfig, client *taskclient.Client, exec executor.API, m *metrics.Metrics, log *zap.Logger) *Agent {
	return &Agent{
		cfg:     cfg,
		client:  client,
		exec:    exec,
		probe:   dockerDBStatusProbe(cfg),
		metrics: m,
		log:     log,
	}
}

// SetProbe replaces the database maintenance probe.
func (a *Agent) SetProbe(probe DBStatusProbe) { a.probe = probe }

// Run polls for tasks until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.TaskPollInterval)
	defer ticker.Stop()
	for {
		if err := a.HandleTasks(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// HandleTasks runs one agent tick: fetch the active tasks and advance each
// at most one executor transition. Controller unreachability skips the tick;
// per-task failures are logged and isolated so one broken job cannot wedge
// the rest of the queue.
func (a *Agent) HandleTasks(ctx context.Context) error {
	ctx, span := tracing.Tracer().Start(ctx, "AGENT_LOOP")
	defer span.End()

	list, err := a.client.GetTasks(ctx)
	if err != nil {
		a.log.Warn("fetching tasks failed, skipping tick", zap.Error(err))
		return nil
	}
	span.SetAttributes(attribute.Int("agent.active_tasks", len(list.Tasks)))

	for i := range list.Tasks {
		task := &list.Tasks[i]
		if err := a.handleTask(ctx, task); err != nil {
			a.metrics.TaskHandled(task.Type, "error")
			a.log.Error("handling task failed",
				zap.String("task", task.ID), zap.String("type", task.Type),
				zap.Error(err))
			continue
		}
		a.metrics.TaskHandled(task.Type, "ok")
	}
	return nil
}

func (a *Agent) handleTask(ctx context.Context, task *schema.AgentTask) error {
	ctx = tracing.ExtractContext(ctx, task.Attributes)
	ctx, span := tracing.Tracer().Start(ctx, "AGENT_TASK",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.type", task.Type)))
	defer span.End()

	var err error
	switch task.Type {
	case "runjob":
		err = a.handleRunJob(ctx, task)
	case "canceljob":
		err = a.handleCancelJob(ctx, task)
	case "dbstatus":
		err = a.handleDBStatus(ctx, task)
	default:
		err = fmt.Errorf("unknown task type %q", task.Type)
	}
	if err != nil {
		tracing.RecordError(span, err)
	}
	return err
}

// postStage reports a non-final stage transition.
func (a *Agent) postStage(ctx context.Context, taskID string, state executor.State, timestampNS *int64) error {
	return a.client.PostUpdate(ctx, &schema.TaskUpdate{
		TaskID:      taskID,
		Stage:       string(state),
		TimestampNS: timestampNS,
	})
}

// postComplete reports the task finished, attaching redacted results.
func (a *Agent) postComplete(ctx context.Context, taskID string, results *schema.JobTaskResults, timestampNS *int64) error {
	if results == nil {
		results = &schema.JobTaskResults{}
	}
	redactResults(results, a.secrets())
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("serialising results for %s: %w", taskID, err)
	}
	if timestampNS == nil {
		timestampNS = results.TimestampNS
	}
	return a.client.PostUpdate(ctx, &schema.TaskUpdate{
		TaskID:      taskID,
		Stage:       string(executor.StateFinalized),
		Results:     data,
		Complete:    true,
		TimestampNS: timestampNS,
	})
}

// secrets returns every value that must never leave this host in a task
// update.
func (a *Agent) secrets() []string {
	secrets := []string{a.cfg.TaskAPIToken}
	for _, url := range a.cfg.DatabaseURLs {
		secrets = append(secrets, url)
	}
	return secrets
}
