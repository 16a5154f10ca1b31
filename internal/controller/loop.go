package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/raplab/raprunner/internal/database"
	"github.com/raplab/raprunner/internal/models"
	"github.com/raplab/raprunner/internal/schema"
	"github.com/raplab/raprunner/internal/tracing"
)

type workspaceKey struct {
	backend   string
	workspace string
}

// tickState is the scheduling view built once per tick and updated as jobs
// transition within it.
type tickState struct {
	// runningForWorkspace drives the fairness sort
	runningForWorkspace map[workspaceKey]int
	// running holds the RUNNING subset for capacity accounting
	running []*models.Job
}

func (s *tickState) noteStarted(job *models.Job) {
	s.runningForWorkspace[workspaceKey{job.Backend, job.Workspace}]++
	s.running = append(s.running, job)
}

// Run ticks HandleJobs until the context is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.JobLoopInterval)
	defer ticker.Stop()
	for {
		if err := c.HandleJobs(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// HandleJobs runs one scheduling tick: every active job is handled exactly
// once, most-deserving first, then scheduled maintenance tasks are topped
// up. Database lock contention skips the tick rather than failing it.
func (c *Controller) HandleJobs(ctx context.Context) error {
	ctx, span := tracing.Tracer().Start(ctx, "LOOP")
	defer span.End()

	jobs, err := ActiveJobs(ctx, c.db)
	if err != nil {
		if database.IsLockedError(err) {
			c.log.Warn("database locked, skipping tick")
			return nil
		}
		return err
	}

	state := &tickState{runningForWorkspace: map[workspaceKey]int{}}
	for _, job := range jobs {
		if job.State == models.StateRunning {
			state.noteStarted(job)
		}
	}

	work := append([]*models.Job(nil), jobs...)
	for len(work) > 0 {
		// Fairness re-sorts between jobs: advancing one job changes
		// what the next most-deserving job is
		sortWork(work, state)
		job := work[0]
		work = work[1:]

		wasPending := job.State == models.StatePending
		if err := c.handleSingleJob(ctx, job, state); err != nil {
			if database.IsLockedError(err) {
				c.log.Warn("database locked handling job",
					zap.String("job", job.ID))
				continue
			}
			tracing.RecordError(span, err)
			if IsFatalControllerError(err) {
				serr := SetCode(ctx, c.db, job, models.CodeInternalError,
					"Internal error: this usually means a platform issue rather than a problem with your code", nil)
				if serr != nil {
					c.log.Error("marking job INTERNAL_ERROR failed",
						zap.String("job", job.ID), zap.Error(serr))
				}
				return fmt.Errorf("fatal error handling job %s: %w", job.ID, err)
			}
			c.log.Error("handling job failed",
				zap.String("job", job.ID), zap.Error(err))
			continue
		}
		if wasPending && job.State == models.StateRunning {
			state.noteStarted(job)
		}
	}

	return ScheduleDBStatusTasks(ctx, c.db, c.cfg)
}

// sortWork orders jobs so RUNNING jobs come first (their state mirrors
// reality and should stay fresh), then workspaces with fewer running jobs,
// then non-database jobs, then oldest first.
func sortWork(work []*models.Job, state *tickState) {
	sort.SliceStable(work, func(i, j int) bool {
		a, b := work[i], work[j]
		ar, br := boolRank(a.State == models.StateRunning), boolRank(b.State == models.StateRunning)
		if ar != br {
			return ar < br
		}
		aw := state.runningForWorkspace[workspaceKey{a.Backend, a.Workspace}]
		bw := state.runningForWorkspace[workspaceKey{b.Backend, b.Workspace}]
		if aw != bw {
			return aw < bw
		}
		ad, bd := boolRank(!a.RequiresDB), boolRank(!b.RequiresDB)
		if ad != bd {
			return ad < bd
		}
		return a.CreatedAt < b.CreatedAt
	})
}

func boolRank(b bool) int {
	if b {
		return 0
	}
	return 1
}

// handleSingleJob advances one job at most one transition.
func (c *Controller) handleSingleJob(ctx context.Context, job *models.Job, state *tickState) error {
	ctx, span := tracing.Tracer().Start(ctx, "LOOP_JOB")
	defer span.End()
	span.SetAttributes(tracing.JobAttributes(job)...)

	// Flags are re-read for every job, never cached across the tick
	paused, err := IsPaused(ctx, c.db, job.Backend)
	if err != nil {
		return err
	}
	maintenance, err := InDBMaintenance(ctx, c.db, job.Backend)
	if err != nil {
		return err
	}

	if job.Cancelled {
		return c.handleCancelled(ctx, job)
	}

	if paused && job.State == models.StatePending {
		if job.StatusCode == models.CodeWaitingOnReboot {
			return SetCode(ctx, c.db, job, job.StatusCode, job.StatusMessage, nil)
		}
		return SetCode(ctx, c.db, job, models.CodeWaitingPaused,
			"Backend is currently paused, jobs will start once unpaused", nil)
	}

	if maintenance && job.RequiresDB {
		return c.db.Transaction(ctx, func(tx *database.Tx) error {
			if job.State == models.StateRunning {
				if _, err := CancelCurrentTask(ctx, tx, job); err != nil {
					return err
				}
			}
			return SetCode(ctx, tx, job, models.CodeWaitingDBMaintenance,
				"Waiting for database maintenance to complete", nil)
		})
	}

	switch job.State {
	case models.StatePending:
		return c.handlePending(ctx, job, state)
	case models.StateRunning:
		return c.handleRunning(ctx, job)
	default:
		return fmt.Errorf("job %s in unexpected state %s", job.ID, job.State)
	}
}

// handleCancelled drives a cancelled job to CANCELLED_BY_USER, draining any
// in-flight task first. The job only goes final once the agent confirms the
// cancel (or never had the task).
func (c *Controller) handleCancelled(ctx context.Context, job *models.Job) error {
	current, err := CurrentRunJobTask(ctx, c.db, job.ID)
	if err != nil {
		return err
	}

	if current != nil && !current.Active {
		cancelTasks, err := database.FindWhere[models.Task](ctx, c.db,
			database.Eq("id", current.ID+"-cancel"))
		if err != nil {
			return err
		}
		if len(cancelTasks) > 0 && !cancelTasks[0].AgentComplete {
			// Agent is still draining the container
			return SetCode(ctx, c.db, job, job.StatusCode, job.StatusMessage, nil)
		}
	}

	return c.db.Transaction(ctx, func(tx *database.Tx) error {
		issued, err := CancelCurrentTask(ctx, tx, job)
		if err != nil {
			return err
		}
		if issued {
			// Wait for the agent to confirm before going final
			return SetCode(ctx, tx, job, job.StatusCode, job.StatusMessage, nil)
		}
		return SetCode(ctx, tx, job, models.CodeCancelledByUser, "Cancelled by user", nil)
	})
}

// handlePending decides whether a pending job can start, and why not
// otherwise.
func (c *Controller) handlePending(ctx context.Context, job *models.Job, state *tickState) error {
	if len(job.WaitForJobIDs) > 0 {
		states, err := database.SelectValues[string](ctx, c.db, "job", "state",
			database.In("id", job.WaitForJobIDs...))
		if err != nil {
			return err
		}
		waiting := false
		for _, s := range states {
			if models.State(s) == models.StateFailed {
				return SetCode(ctx, c.db, job, models.CodeDependencyFailed,
					"Not starting as dependency failed", nil)
			}
			if models.State(s) != models.StateSucceeded {
				waiting = true
			}
		}
		if waiting {
			return SetCode(ctx, c.db, job, models.CodeWaitingOnDependencies,
				"Waiting on dependencies", nil)
		}
	}

	if code, message := c.reasonJobNotStarted(job, state); code != "" {
		return SetCode(ctx, c.db, job, code, message, nil)
	}

	definition, err := c.jobDefinition(ctx, job)
	if err != nil {
		return err
	}
	return c.db.Transaction(ctx, func(tx *database.Tx) error {
		task, err := NewRunJobTask(ctx, tx, job, definition)
		if err != nil {
			return err
		}
		if err := database.Insert(ctx, tx, task); err != nil {
			return err
		}
		return SetCode(ctx, tx, job, models.CodeInitiated,
			"Job executing on the backend", nil)
	})
}

// reasonJobNotStarted applies the capacity rules, returning the waiting
// code or "" when the job may start.
func (c *Controller) reasonJobNotStarted(job *models.Job, state *tickState) (models.StatusCode, string) {
	required := c.cfg.JobWeight(job.Backend, job.Workspace, job.Action)
	used := 0.0
	runningDB := 0
	for _, r := range state.running {
		if r.Backend != job.Backend {
			continue
		}
		used += c.cfg.JobWeight(r.Backend, r.Workspace, r.Action)
		if r.RequiresDB {
			runningDB++
		}
	}

	if used+required > float64(c.cfg.MaxWorkers[job.Backend]) {
		if required > 1 {
			return models.CodeWaitingOnWorkers,
				"Waiting on available workers for resource intensive job"
		}
		return models.CodeWaitingOnWorkers, "Waiting on available workers"
	}
	if job.RequiresDB && runningDB >= c.cfg.MaxDBWorkers[job.Backend] {
		return models.CodeWaitingOnDBWorkers, "Waiting on available database workers"
	}
	return "", ""
}

// handleRunning mirrors the agent's progress into the job, or ingests the
// final results when the task has completed.
func (c *Controller) handleRunning(ctx context.Context, job *models.Job) error {
	task, err := CurrentRunJobTask(ctx, c.db, job.ID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("running job %s has no task", job.ID)
	}

	if !task.AgentComplete {
		code := models.StatusCodeFromValue(task.AgentStage, job.StatusCode)
		return SetCode(ctx, c.db, job, code, messageForCode(code, job.StatusMessage),
			&SetCodeOptions{TimestampNS: task.AgentTimestampNS})
	}

	var results schema.JobTaskResults
	if len(task.AgentResults) > 0 {
		if err := json.Unmarshal(task.AgentResults, &results); err != nil {
			return fmt.Errorf("parsing results for task %s: %w", task.ID, err)
		}
	}

	if results.Error != "" {
		if IsFatalJobError(results.Error) {
			return SetCode(ctx, c.db, job, models.CodeJobError,
				"Job errored on the backend", &SetCodeOptions{
					TimestampNS: task.AgentTimestampNS,
					Attributes:  tracing.ResultAttributes(nil, "", results.Error),
				})
		}
		// Transient agent failure: reset and let the pending path issue
		// a fresh task
		return SetCode(ctx, c.db, job, models.CodeWaitingOnNewTask,
			"Waiting on a new task to be created", &SetCodeOptions{
				TimestampNS: task.AgentTimestampNS,
			})
	}

	return c.saveResults(ctx, job, &results, task.AgentTimestampNS)
}

// dbExitCodeHints maps known database-job exit codes to user guidance.
var dbExitCodeHints = map[int64]string{
	3:  "A transient database error occurred, your job may run if retried",
	4:  "New data is being imported into the database, please try again in a few hours",
	5:  "Something went wrong with the database, please contact tech support",
	10: "A dataset definition error occurred, check your ehrQL",
	11: "An ehrQL internal error occurred, please contact tech support",
	12: "The database appears to be overloaded, please try again later",
}

// saveResults converts completed task results into the job's final code.
// The agent has already redacted output file names down to booleans, so
// only the scalar fields land on the job.
func (c *Controller) saveResults(ctx context.Context, job *models.Job, results *schema.JobTaskResults, timestampNS *int64) error {
	job.ImageID = results.ImageID

	var code models.StatusCode
	var message string
	switch {
	case results.ExitCode != nil && *results.ExitCode != 0:
		code = models.CodeNonzeroExit
		message = "Job exited with an error"
		switch {
		case results.StatusMessage != "":
			message += ": " + results.StatusMessage
		case job.RequiresDB:
			if hint, ok := dbExitCodeHints[*results.ExitCode]; ok {
				message += ": " + hint
			}
		}
	case results.HasUnmatchedPatterns:
		code = models.CodeUnmatchedPatterns
		message = "Outputs matching expected patterns were not found. See job log for details."
	default:
		code = models.CodeSucceeded
		message = "Completed successfully"
		if results.HasLevel4ExcludedFiles {
			message += ", but some file(s) marked as moderately_sensitive were excluded. See job log for details."
		}
	}

	return SetCode(ctx, c.db, job, code, message, &SetCodeOptions{
		TimestampNS: timestampNS,
		Attributes: tracing.ResultAttributes(results.ExitCode, results.ImageID,
			results.StatusMessage),
	})
}

// messageForCode gives the user-facing message for agent-mirrored codes.
func messageForCode(code models.StatusCode, current string) string {
	switch code {
	case models.CodePreparing:
		return "Preparing your code and workspace files"
	case models.CodePrepared:
		return "Prepared and ready to run"
	case models.CodeExecuting:
		return "Executing job on the backend"
	case models.CodeExecuted:
		return "Job has finished running and is being processed"
	case models.CodeFinalizing:
		return "Recording job results"
	case models.CodeFinalized:
		return "Finished recording results"
	}
	return current
}
