package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/raplab/raprunner/internal/database"
	"github.com/raplab/raprunner/internal/models"
	"github.com/raplab/raprunner/internal/schema"
)

// ErrUnknownTask is reported to agents posting updates for tasks the
// controller has no record of.
var ErrUnknownTask = fmt.Errorf("unknown task")

// runJobTaskID builds the NNN-suffixed task id. Zero padding keeps lexical
// order equal to temporal order per job.
func runJobTaskID(jobID string, number int) string {
	return fmt.Sprintf("%s-%03d", jobID, number)
}

// NewRunJobTask builds the next RUNJOB task for the job. It errors if a
// previous RUNJOB task is still active: a job never has two tasks in
// flight.
func NewRunJobTask(ctx context.Context, h database.Handle, job *models.Job, definition *schema.JobDefinition) (*models.Task, error) {
	previous, err := runJobTasks(ctx, h, job.ID)
	if err != nil {
		return nil, err
	}
	for _, t := range previous {
		if t.Active {
			return nil, fmt.Errorf("job %s already has active task %s", job.ID, t.ID)
		}
	}

	taskID := runJobTaskID(job.ID, len(previous)+1)
	definition.TaskID = taskID
	data, err := json.Marshal(definition)
	if err != nil {
		return nil, fmt.Errorf("serialising job definition: %w", err)
	}

	attributes := map[string]string{
		"rap_id":    job.RapID,
		"workspace": job.Workspace,
		"action":    job.Action,
	}
	for k, v := range job.TraceContext {
		attributes[k] = v
	}

	return &models.Task{
		ID:         taskID,
		Backend:    job.Backend,
		Type:       models.TaskTypeRunJob,
		Definition: data,
		Active:     true,
		CreatedAt:  time.Now().Unix(),
		Attributes: attributes,
	}, nil
}

// runJobTasks returns every RUNJOB task for the job, oldest first.
func runJobTasks(ctx context.Context, h database.Handle, jobID string) ([]*models.Task, error) {
	tasks, err := database.FindWhere[models.Task](ctx, h,
		database.Glob("id", jobID+"-*"),
		database.Eq("type", models.TaskTypeRunJob))
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// CurrentRunJobTask returns the latest RUNJOB task for the job, or nil.
func CurrentRunJobTask(ctx context.Context, h database.Handle, jobID string) (*models.Task, error) {
	tasks, err := runJobTasks(ctx, h, jobID)
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	return tasks[len(tasks)-1], nil
}

// MarkTaskInactive deactivates the task, stamping finished_at.
func MarkTaskInactive(ctx context.Context, h database.Handle, task *models.Task) error {
	task.Active = false
	finished := time.Now().Unix()
	task.FinishedAt = &finished
	return database.Update(ctx, h, task)
}

// CancelCurrentTask deactivates the job's active RUNJOB task and inserts
// the paired CANCELJOB, in the caller's transaction. It reports whether a
// cancel task was actually issued: a job whose task never reached an agent
// (or already finished) needs no cancellation.
func CancelCurrentTask(ctx context.Context, h database.Handle, job *models.Job) (bool, error) {
	current, err := CurrentRunJobTask(ctx, h, job.ID)
	if err != nil {
		return false, err
	}
	if current == nil || !current.Active {
		return false, nil
	}
	if err := MarkTaskInactive(ctx, h, current); err != nil {
		return false, err
	}
	cancel := &models.Task{
		ID:         current.ID + "-cancel",
		Backend:    current.Backend,
		Type:       models.TaskTypeCancelJob,
		Definition: current.Definition,
		Active:     true,
		CreatedAt:  time.Now().Unix(),
		Attributes: current.Attributes,
	}
	return true, database.Insert(ctx, h, cancel)
}

// ActiveTasks returns the backend's active tasks for the agent poll.
// DBSTATUS tasks sort first so maintenance detection is never starved by a
// deep job queue; the rest keep creation order.
func ActiveTasks(ctx context.Context, h database.Handle, backend string) ([]*models.Task, error) {
	tasks, err := database.FindWhere[models.Task](ctx, h,
		database.Eq("backend", backend), database.Eq("active", true))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		di := tasks[i].Type == models.TaskTypeDBStatus
		dj := tasks[j].Type == models.TaskTypeDBStatus
		if di != dj {
			return di
		}
		if tasks[i].CreatedAt != tasks[j].CreatedAt {
			return tasks[i].CreatedAt < tasks[j].CreatedAt
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

// HandleTaskUpdate ingests an agent's task update. The agent fields, the
// active flip and any DBSTATUS mode-flag change land in one transaction,
// so no tick observes a half-applied update. Replaying an identical update
// is a no-op.
func HandleTaskUpdate(ctx context.Context, db *database.DB, update *schema.TaskUpdate) error {
	return db.Transaction(ctx, func(tx *database.Tx) error {
		tasks, err := database.FindWhere[models.Task](ctx, tx,
			database.Eq("id", update.TaskID))
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return fmt.Errorf("%w: %s", ErrUnknownTask, update.TaskID)
		}
		task := tasks[0]

		task.AgentStage = update.Stage
		task.AgentComplete = update.Complete
		task.AgentTimestampNS = update.TimestampNS
		if len(update.Results) > 0 {
			task.AgentResults = update.Results
		}
		if update.Complete && task.Active {
			task.Active = false
			finished := time.Now().Unix()
			task.FinishedAt = &finished
		}
		if err := database.Update(ctx, tx, task); err != nil {
			return err
		}

		if task.Type == models.TaskTypeDBStatus && update.Complete {
			return ingestDBStatus(ctx, tx, task)
		}
		return nil
	})
}

// ingestDBStatus translates a completed DBSTATUS probe into the backend's
// mode flag.
func ingestDBStatus(ctx context.Context, h database.Handle, task *models.Task) error {
	var results schema.DBStatusResults
	if len(task.AgentResults) > 0 {
		if err := json.Unmarshal(task.AgentResults, &results); err != nil {
			return fmt.Errorf("parsing dbstatus results for %s: %w", task.ID, err)
		}
	}
	var value *string
	if results.Status == ModeDBMaintenance {
		mode := ModeDBMaintenance
		value = &mode
	}
	_, err := SetFlag(ctx, h, task.Backend, FlagMode, value)
	return err
}
