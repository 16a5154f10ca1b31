package controller_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/raplab/raprunner/internal/config"
	"github.com/raplab/raprunner/internal/controller"
	"github.com/raplab/raprunner/internal/database"
	"github.com/raplab/raprunner/internal/gitfs"
	"github.com/raplab/raprunner/internal/models"
	"github.com/raplab/raprunner/internal/schema"
)

func testConfig() *config.ControllerConfig {
	return &config.ControllerConfig{
		Backends:                []string{"test"},
		MaxWorkers:              map[string]int{"test": 2},
		MaxDBWorkers:            map[string]int{"test": 1},
		JobServerTokens:         map[string]string{},
		ClientTokens:            map[string][]string{},
		JobLoopInterval:         time.Second,
		MaintenancePollInterval: 5 * time.Minute,
		DefaultJobCPUCount:      2,
		DefaultJobMemoryLimit:   "4G",
		Level4MaxFilesize:       16 * 1024 * 1024,
		Level4MaxCSVRows:        5000,
		Level4FileTypes:         []string{".csv", ".txt"},
		ResourceWeights:         map[string]map[string][]config.WeightRule{},
	}
}

func newTestController(t *testing.T, cfg *config.ControllerConfig) (*controller.Controller, *database.DB) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = provider.Shutdown(context.Background())
	})
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.EnsureDB(context.Background(), models.Migrations)
	require.NoError(t, err)
	return controller.New(db, cfg, gitfs.New(), zaptest.NewLogger(t)), db
}

const chainProject = `
version: 4
actions:
  gen:
    run: ehrql:v1 generate-dataset analysis/dataset.py
    outputs:
      highly_sensitive:
        dataset: output/dataset.csv
  prep:
    run: python:v2 python prep.py
    needs: [gen]
    outputs:
      highly_sensitive:
        prepared: output/prepared.csv
  analyze:
    run: python:v2 python analyze.py
    needs: [prep]
    outputs:
      moderately_sensitive:
        results: output/results.csv
`

// projectRepo builds a local git repo holding the given project.yaml and
// returns its path and commit sha.
func projectRepo(t *testing.T, projectYAML string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "project.yaml"), []byte(projectYAML), 0o644))
	_, err = wt.Add("project.yaml")
	require.NoError(t, err)
	sha, err := wt.Commit("add project", &gogit.CommitOptions{
		Author: &object.Signature{Name: "t", Email: "t@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir, sha.String()
}

func chainRequest(t *testing.T, rapID string, actions ...string) *controller.CreateRequest {
	t.Helper()
	dir, sha := projectRepo(t, chainProject)
	return &controller.CreateRequest{
		ID:               rapID,
		Backend:          "test",
		Workspace:        "testws",
		RepoURL:          dir,
		Commit:           sha,
		RequestedActions: actions,
		CodelistsOK:      true,
		Original:         json.RawMessage(`{"id":"` + rapID + `"}`),
	}
}

func jobByAction(t *testing.T, jobs []*models.Job, action string) *models.Job {
	t.Helper()
	for _, j := range jobs {
		if j.Action == action {
			return j
		}
	}
	t.Fatalf("no job for action %s", action)
	return nil
}

func reload(t *testing.T, db *database.DB, id string) *models.Job {
	t.Helper()
	job, err := database.FindOne[models.Job](context.Background(), db, database.Eq("id", id))
	require.NoError(t, err)
	return job
}

func TestCreateJobsChain(t *testing.T) {
	c, _ := newTestController(t, testConfig())
	ctx := context.Background()

	jobs, err := c.CreateOrUpdateJobs(ctx, chainRequest(t, "rap-1", "analyze"))
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	gen := jobByAction(t, jobs, "gen")
	prep := jobByAction(t, jobs, "prep")
	analyze := jobByAction(t, jobs, "analyze")

	assert.Empty(t, gen.WaitForJobIDs)
	assert.Equal(t, []string{gen.ID}, prep.WaitForJobIDs)
	assert.Equal(t, []string{prep.ID}, analyze.WaitForJobIDs)

	assert.True(t, gen.RequiresDB)
	assert.False(t, analyze.RequiresDB)
	assert.Equal(t, "default", gen.DatabaseName)

	for _, j := range jobs {
		assert.Equal(t, models.StatePending, j.State)
		assert.Equal(t, models.CodeCreated, j.StatusCode)
		assert.NotEmpty(t, j.TraceContext)
		// Deterministic ids
		assert.Equal(t, models.NewJobID("rap-1", j.Action), j.ID)
	}
}

func TestCreateJobsIsIdempotent(t *testing.T) {
	c, _ := newTestController(t, testConfig())
	ctx := context.Background()
	req := chainRequest(t, "rap-1", "analyze")

	first, err := c.CreateOrUpdateJobs(ctx, req)
	require.NoError(t, err)

	second, err := c.CreateOrUpdateJobs(ctx, req)
	assert.ErrorIs(t, err, controller.ErrAlreadyCreated)
	require.Len(t, second, len(first))

	// Same request id with different workspace is rejected
	bad := chainRequest(t, "rap-1", "analyze")
	bad.Workspace = "otherws"
	_, err = c.CreateOrUpdateJobs(ctx, bad)
	assert.True(t, controller.IsValidationError(err))
}

func TestCreateJobsValidation(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedGithubOrgs = []string{"raplab"}
	c, _ := newTestController(t, cfg)
	ctx := context.Background()

	req := chainRequest(t, "rap-v", "analyze")

	bad := *req
	bad.Workspace = "not ok!"
	_, err := c.CreateOrUpdateJobs(ctx, &bad)
	assert.True(t, controller.IsValidationError(err))

	bad = *req
	bad.Backend = "nope"
	_, err = c.CreateOrUpdateJobs(ctx, &bad)
	assert.True(t, controller.IsValidationError(err))

	bad = *req
	bad.DatabaseName = "production"
	_, err = c.CreateOrUpdateJobs(ctx, &bad)
	assert.True(t, controller.IsValidationError(err))

	// Org restriction applies to the local path URL
	_, err = c.CreateOrUpdateJobs(ctx, req)
	assert.True(t, controller.IsValidationError(err))
}

func TestCreateJobsReusesSucceededDependencies(t *testing.T) {
	c, db := newTestController(t, testConfig())
	ctx := context.Background()

	jobs, err := c.CreateOrUpdateJobs(ctx, chainRequest(t, "rap-1", "gen"))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	gen := jobs[0]

	// Mark gen succeeded
	require.NoError(t, database.UpdateWhere(ctx, db, "job",
		map[string]any{"state": "succeeded", "status_code": "succeeded"},
		database.Eq("id", gen.ID)))

	jobs, err = c.CreateOrUpdateJobs(ctx, chainRequest(t, "rap-2", "prep"))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	prep := jobs[0]
	assert.Equal(t, "prep", prep.Action)
	// Completed dependency is reused, nothing to wait for
	assert.Empty(t, prep.WaitForJobIDs)
}

func TestCreateJobsForceRunDependencies(t *testing.T) {
	c, db := newTestController(t, testConfig())
	ctx := context.Background()

	jobs, err := c.CreateOrUpdateJobs(ctx, chainRequest(t, "rap-1", "gen"))
	require.NoError(t, err)
	require.NoError(t, database.UpdateWhere(ctx, db, "job",
		map[string]any{"state": "succeeded", "status_code": "succeeded"},
		database.Eq("id", jobs[0].ID)))

	req := chainRequest(t, "rap-2", "prep")
	req.ForceRunDependencies = true
	jobs, err = c.CreateOrUpdateJobs(ctx, req)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	prep := jobByAction(t, jobs, "prep")
	gen := jobByAction(t, jobs, "gen")
	assert.Equal(t, []string{gen.ID}, prep.WaitForJobIDs)
}

func TestCreateJobsRerunsFailedDependency(t *testing.T) {
	c, db := newTestController(t, testConfig())
	ctx := context.Background()

	jobs, err := c.CreateOrUpdateJobs(ctx, chainRequest(t, "rap-1", "gen"))
	require.NoError(t, err)
	require.NoError(t, database.UpdateWhere(ctx, db, "job",
		map[string]any{"state": "failed", "status_code": "nonzero_exit"},
		database.Eq("id", jobs[0].ID)))

	jobs, err = c.CreateOrUpdateJobs(ctx, chainRequest(t, "rap-2", "prep"))
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}

func TestCreateJobsPendingDependencyNotReadded(t *testing.T) {
	c, _ := newTestController(t, testConfig())
	ctx := context.Background()

	first, err := c.CreateOrUpdateJobs(ctx, chainRequest(t, "rap-1", "gen"))
	require.NoError(t, err)
	gen := first[0]

	jobs, err := c.CreateOrUpdateJobs(ctx, chainRequest(t, "rap-2", "prep"))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	// Downstream waits on the in-flight job from the earlier request
	assert.Equal(t, []string{gen.ID}, jobs[0].WaitForJobIDs)
}

func TestCreateJobsNothingToDo(t *testing.T) {
	c, _ := newTestController(t, testConfig())
	ctx := context.Background()

	_, err := c.CreateOrUpdateJobs(ctx, chainRequest(t, "rap-1", "gen"))
	require.NoError(t, err)

	// All requested actions already in flight: placeholder SUCCEEDED job
	jobs, err := c.CreateOrUpdateJobs(ctx, chainRequest(t, "rap-2", "gen"))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.ErrorAction, jobs[0].Action)
	assert.Equal(t, models.CodeSucceeded, jobs[0].StatusCode)
	assert.Equal(t, models.StateSucceeded, jobs[0].State)
	assert.Equal(t, "All actions have already run", jobs[0].StatusMessage)
}

func TestCreateJobsStaleCodelists(t *testing.T) {
	c, _ := newTestController(t, testConfig())
	ctx := context.Background()

	req := chainRequest(t, "rap-1", "gen")
	req.CodelistsOK = false
	jobs, err := c.CreateOrUpdateJobs(ctx, req)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.ErrorAction, jobs[0].Action)
	assert.Equal(t, models.CodeStaleCodelists, jobs[0].StatusCode)
	assert.Equal(t, models.StateFailed, jobs[0].State)
}

func TestStaleCodelistsOnlyAppliesToDatabaseJobs(t *testing.T) {
	c, db := newTestController(t, testConfig())
	ctx := context.Background()

	first, err := c.CreateOrUpdateJobs(ctx, chainRequest(t, "rap-1", "gen"))
	require.NoError(t, err)
	require.NoError(t, database.UpdateWhere(ctx, db, "job",
		map[string]any{"state": "succeeded", "status_code": "succeeded"},
		database.Eq("id", first[0].ID)))

	req := chainRequest(t, "rap-2", "prep")
	req.CodelistsOK = false
	jobs, err := c.CreateOrUpdateJobs(ctx, req)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "prep", jobs[0].Action)
}

// advanceTick runs one controller tick.
func advanceTick(t *testing.T, c *controller.Controller) {
	t.Helper()
	require.NoError(t, c.HandleJobs(context.Background()))
}

func TestPendingJobStartsWhenCapacityAvailable(t *testing.T) {
	c, db := newTestController(t, testConfig())
	ctx := context.Background()

	jobs, err := c.CreateOrUpdateJobs(ctx, chainRequest(t, "rap-1", "analyze"))
	require.NoError(t, err)
	gen := jobByAction(t, jobs, "gen")
	analyze := jobByAction(t, jobs, "analyze")

	advanceTick(t, c)

	// gen has no dependencies and there is capacity
	got := reload(t, db, gen.ID)
	assert.Equal(t, models.StateRunning, got.State)
	assert.Equal(t, models.CodeInitiated, got.StatusCode)
	assert.NotNil(t, got.StartedAt)

	// A task was created with the zero-padded sequence id
	task, err := controller.CurrentRunJobTask(ctx, db, gen.ID)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, gen.ID+"-001", task.ID)
	assert.True(t, task.Active)

	var def schema.JobDefinition
	require.NoError(t, json.Unmarshal(task.Definition, &def))
	assert.Equal(t, task.ID, def.TaskID)
	assert.Equal(t, "ehrql:v1", def.Image)
	assert.True(t, def.AllowDatabaseAccess)

	// analyze waits on prep
	got = reload(t, db, analyze.ID)
	assert.Equal(t, models.CodeWaitingOnDependencies, got.StatusCode)
}

func TestDependencyFailedPropagates(t *testing.T) {
	c, db := newTestController(t, testConfig())
	ctx := context.Background()

	jobs, err := c.CreateOrUpdateJobs(ctx, chainRequest(t, "rap-1", "analyze"))
	require.NoError(t, err)
	gen := jobByAction(t, jobs, "gen")
	prep := jobByAction(t, jobs, "prep")

	require.NoError(t, database.UpdateWhere(ctx, db, "job",
		map[string]any{"state": "failed", "status_code": "nonzero_exit"},
		database.Eq("id", gen.ID)))

	advanceTick(t, c)

	got := reload(t, db, prep.ID)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, models.CodeDependencyFailed, got.StatusCode)
	assert.Equal(t, "Not starting as dependency failed", got.StatusMessage)
	assert.NotNil(t, got.CompletedAt)
}

func insertPendingJob(t *testing.T, db *database.DB, id, workspace string, requiresDB bool) *models.Job {
	t.Helper()
	now := time.Now()
	job := &models.Job{
		ID:                  id,
		RapID:               "rap-" + id,
		State:               models.StatePending,
		Workspace:           workspace,
		Action:              "action-" + id,
		RunCommand:          "python:v2 python run.py",
		StatusMessage:       "Created",
		StatusCode:          models.CodeCreated,
		CreatedAt:           now.Unix(),
		UpdatedAt:           now.Unix(),
		StatusCodeUpdatedAt: now.UnixNano(),
		RequiresDB:          requiresDB,
		Backend:             "test",
	}
	require.NoError(t, database.Insert(context.Background(), db, job))
	return job
}

func TestFairSchedulingAcrossWorkspaces(t *testing.T) {
	c, db := newTestController(t, testConfig())
	ctx := context.Background()

	for i, ws := range []string{"ws1", "ws1", "ws1", "ws2", "ws2", "ws2"} {
		insertPendingJob(t, db, string(rune('a'+i))+"-job", ws, false)
	}

	advanceTick(t, c)

	running, err := database.FindWhere[models.Job](ctx, db,
		database.Eq("state", models.StateRunning))
	require.NoError(t, err)
	require.Len(t, running, 2)
	workspaces := map[string]int{}
	for _, j := range running {
		workspaces[j.Workspace]++
	}
	// One from each workspace, not two from the first
	assert.Equal(t, map[string]int{"ws1": 1, "ws2": 1}, workspaces)

	waiting, err := database.FindWhere[models.Job](ctx, db,
		database.Eq("status_code", models.CodeWaitingOnWorkers))
	require.NoError(t, err)
	assert.Len(t, waiting, 4)
}

func TestDBWorkerCap(t *testing.T) {
	c, db := newTestController(t, testConfig())
	ctx := context.Background()

	insertPendingJob(t, db, "db1", "ws1", true)
	insertPendingJob(t, db, "db2", "ws2", true)

	advanceTick(t, c)

	states, err := database.SelectValues[string](ctx, db, "job", "status_code",
		database.In("id", "db1", "db2"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"initiated", "waiting_on_db_workers"}, states)
}

func TestPausedBackend(t *testing.T) {
	c, db := newTestController(t, testConfig())
	ctx := context.Background()

	job := insertPendingJob(t, db, "p1", "ws1", false)
	paused := "true"
	_, err := controller.SetFlag(ctx, db, "test", controller.FlagPaused, &paused)
	require.NoError(t, err)

	advanceTick(t, c)
	got := reload(t, db, job.ID)
	assert.Equal(t, models.CodeWaitingPaused, got.StatusCode)
	assert.Equal(t, models.StatePending, got.State)

	// Unpause: the job starts on the next tick
	_, err = controller.SetFlag(ctx, db, "test", controller.FlagPaused, nil)
	require.NoError(t, err)
	advanceTick(t, c)
	got = reload(t, db, job.ID)
	assert.Equal(t, models.CodeInitiated, got.StatusCode)
}

// startJob drives a pending job to RUNNING and returns its task.
func startJob(t *testing.T, c *controller.Controller, db *database.DB, jobID string) *models.Task {
	t.Helper()
	advanceTick(t, c)
	task, err := controller.CurrentRunJobTask(context.Background(), db, jobID)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func postUpdate(t *testing.T, db *database.DB, update *schema.TaskUpdate) {
	t.Helper()
	require.NoError(t, controller.HandleTaskUpdate(context.Background(), db, update))
}

func TestAgentStageMirroring(t *testing.T) {
	c, db := newTestController(t, testConfig())

	job := insertPendingJob(t, db, "m1", "ws1", false)
	task := startJob(t, c, db, job.ID)

	ts := time.Now().UnixNano()
	postUpdate(t, db, &schema.TaskUpdate{
		TaskID: task.ID, Stage: "executing", TimestampNS: &ts,
	})
	advanceTick(t, c)

	got := reload(t, db, job.ID)
	assert.Equal(t, models.CodeExecuting, got.StatusCode)
	assert.Equal(t, models.StateRunning, got.State)
	assert.Equal(t, "Executing job on the backend", got.StatusMessage)

	// Unknown stages leave the code untouched
	postUpdate(t, db, &schema.TaskUpdate{TaskID: task.ID, Stage: "weird"})
	advanceTick(t, c)
	got = reload(t, db, job.ID)
	assert.Equal(t, models.CodeExecuting, got.StatusCode)
}

func TestSuccessfulResults(t *testing.T) {
	c, db := newTestController(t, testConfig())

	job := insertPendingJob(t, db, "s1", "ws1", false)
	task := startJob(t, c, db, job.ID)

	exit := int64(0)
	ts := time.Now().UnixNano()
	results, _ := json.Marshal(schema.JobTaskResults{
		ExitCode: &exit,
		ImageID:  "sha256:abc",
	})
	postUpdate(t, db, &schema.TaskUpdate{
		TaskID: task.ID, Stage: "finalized", Results: results,
		Complete: true, TimestampNS: &ts,
	})
	advanceTick(t, c)

	got := reload(t, db, job.ID)
	assert.Equal(t, models.StateSucceeded, got.State)
	assert.Equal(t, models.CodeSucceeded, got.StatusCode)
	assert.Equal(t, "Completed successfully", got.StatusMessage)
	assert.Equal(t, "sha256:abc", got.ImageID)
	assert.NotNil(t, got.CompletedAt)

	// Task is inactive with finished_at set
	updated, err := controller.CurrentRunJobTask(context.Background(), db, job.ID)
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.NotNil(t, updated.FinishedAt)
}

func TestNonzeroExitWithDBHint(t *testing.T) {
	c, db := newTestController(t, testConfig())

	job := insertPendingJob(t, db, "e1", "ws1", true)
	task := startJob(t, c, db, job.ID)

	exit := int64(4)
	results, _ := json.Marshal(schema.JobTaskResults{ExitCode: &exit})
	postUpdate(t, db, &schema.TaskUpdate{TaskID: task.ID, Results: results, Complete: true})
	advanceTick(t, c)

	got := reload(t, db, job.ID)
	assert.Equal(t, models.CodeNonzeroExit, got.StatusCode)
	assert.Contains(t, got.StatusMessage, "Job exited with an error")
	assert.Contains(t, got.StatusMessage, "New data is being imported")
}

func TestNonzeroExitMessageTakesPrecedenceOverDBHint(t *testing.T) {
	c, db := newTestController(t, testConfig())

	job := insertPendingJob(t, db, "e2", "ws1", true)
	task := startJob(t, c, db, job.ID)

	exit := int64(3)
	results, _ := json.Marshal(schema.JobTaskResults{
		ExitCode:      &exit,
		StatusMessage: "ran out of memory",
	})
	postUpdate(t, db, &schema.TaskUpdate{TaskID: task.ID, Results: results, Complete: true})
	advanceTick(t, c)

	got := reload(t, db, job.ID)
	assert.Equal(t, models.CodeNonzeroExit, got.StatusCode)
	assert.Equal(t, "Job exited with an error: ran out of memory", got.StatusMessage)
	assert.NotContains(t, got.StatusMessage, "transient database error")
}

func TestUnmatchedPatterns(t *testing.T) {
	c, db := newTestController(t, testConfig())

	job := insertPendingJob(t, db, "u1", "ws1", false)
	task := startJob(t, c, db, job.ID)

	exit := int64(0)
	results, _ := json.Marshal(schema.JobTaskResults{
		ExitCode:             &exit,
		HasUnmatchedPatterns: true,
		UnmatchedPatterns:    []string{"results: output/*.csv"},
	})
	postUpdate(t, db, &schema.TaskUpdate{TaskID: task.ID, Results: results, Complete: true})
	advanceTick(t, c)

	got := reload(t, db, job.ID)
	assert.Equal(t, models.CodeUnmatchedPatterns, got.StatusCode)
	assert.Equal(t,
		"Outputs matching expected patterns were not found. See job log for details.",
		got.StatusMessage)
}

func TestTaskErrorRetriesViaNewTask(t *testing.T) {
	c, db := newTestController(t, testConfig())

	job := insertPendingJob(t, db, "r1", "ws1", false)
	task := startJob(t, c, db, job.ID)

	results, _ := json.Marshal(schema.JobTaskResults{Error: "container runtime hiccup"})
	postUpdate(t, db, &schema.TaskUpdate{TaskID: task.ID, Results: results, Complete: true})
	advanceTick(t, c)

	got := reload(t, db, job.ID)
	// Reset to PENDING so the next pass creates a fresh task
	assert.Equal(t, models.StatePending, got.State)
	assert.Equal(t, models.CodeWaitingOnNewTask, got.StatusCode)
	assert.Nil(t, got.StartedAt)

	advanceTick(t, c)
	got = reload(t, db, job.ID)
	assert.Equal(t, models.CodeInitiated, got.StatusCode)
	next, err := controller.CurrentRunJobTask(context.Background(), db, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID+"-002", next.ID)
}

func TestFatalTaskErrorFailsJob(t *testing.T) {
	c, db := newTestController(t, testConfig())

	job := insertPendingJob(t, db, "f1", "ws1", false)
	task := startJob(t, c, db, job.ID)

	results, _ := json.Marshal(schema.JobTaskResults{Error: "test_job_failure: boom"})
	postUpdate(t, db, &schema.TaskUpdate{TaskID: task.ID, Results: results, Complete: true})
	advanceTick(t, c)

	got := reload(t, db, job.ID)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, models.CodeJobError, got.StatusCode)
}

func TestCancelDuringExecute(t *testing.T) {
	c, db := newTestController(t, testConfig())
	ctx := context.Background()

	job := insertPendingJob(t, db, "c1", "ws1", false)
	task := startJob(t, c, db, job.ID)
	ts := time.Now().UnixNano()
	postUpdate(t, db, &schema.TaskUpdate{TaskID: task.ID, Stage: "executing", TimestampNS: &ts})
	advanceTick(t, c)

	// Client cancels
	require.NoError(t, database.UpdateWhere(ctx, db, "job",
		map[string]any{"cancelled": true}, database.Eq("id", job.ID)))

	advanceTick(t, c)

	// RUNJOB deactivated and CANCELJOB issued; job not yet final
	runjob, err := controller.CurrentRunJobTask(ctx, db, job.ID)
	require.NoError(t, err)
	assert.False(t, runjob.Active)
	cancels, err := database.FindWhere[models.Task](ctx, db,
		database.Eq("id", runjob.ID+"-cancel"))
	require.NoError(t, err)
	require.Len(t, cancels, 1)
	assert.True(t, cancels[0].Active)
	got := reload(t, db, job.ID)
	assert.Equal(t, models.StateRunning, got.State)

	// Agent confirms the cancel
	postUpdate(t, db, &schema.TaskUpdate{TaskID: cancels[0].ID, Stage: "finalized", Complete: true})
	advanceTick(t, c)

	got = reload(t, db, job.ID)
	assert.Equal(t, models.StateFailed, got.State)
	assert.Equal(t, models.CodeCancelledByUser, got.StatusCode)
	assert.Equal(t, "Cancelled by user", got.StatusMessage)
}

func TestCancelBeforeTaskIssued(t *testing.T) {
	c, db := newTestController(t, testConfig())
	ctx := context.Background()

	job := insertPendingJob(t, db, "c2", "ws1", false)
	require.NoError(t, database.UpdateWhere(ctx, db, "job",
		map[string]any{"cancelled": true}, database.Eq("id", job.ID)))

	advanceTick(t, c)

	got := reload(t, db, job.ID)
	assert.Equal(t, models.CodeCancelledByUser, got.StatusCode)
	// No cancel task exists: nothing was ever sent to the agent
	n, err := database.CountWhere[models.Task](ctx, db)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDBMaintenanceFlow(t *testing.T) {
	c, db := newTestController(t, testConfig())
	ctx := context.Background()

	dbJob := insertPendingJob(t, db, "mdb", "ws1", true)
	task := startJob(t, c, db, dbJob.ID)
	ts := time.Now().UnixNano()
	postUpdate(t, db, &schema.TaskUpdate{TaskID: task.ID, Stage: "executing", TimestampNS: &ts})
	advanceTick(t, c)

	// A DBSTATUS probe reports maintenance; ingestion writes the mode
	// flag and deactivates the task atomically
	probe := &models.Task{
		ID: "dbstatus-test-1", Backend: "test", Type: models.TaskTypeDBStatus,
		Active: true, CreatedAt: time.Now().Unix(),
	}
	require.NoError(t, database.Insert(ctx, db, probe))
	results, _ := json.Marshal(schema.DBStatusResults{Status: "db-maintenance"})
	postUpdate(t, db, &schema.TaskUpdate{TaskID: probe.ID, Results: results, Complete: true})

	mode, err := controller.GetFlag(ctx, db, "test", controller.FlagMode)
	require.NoError(t, err)
	require.NotNil(t, mode.Value)
	assert.Equal(t, "db-maintenance", *mode.Value)

	advanceTick(t, c)

	// The running db job was cancelled and reset
	got := reload(t, db, dbJob.ID)
	assert.Equal(t, models.StatePending, got.State)
	assert.Equal(t, models.CodeWaitingDBMaintenance, got.StatusCode)
	runjob, err := controller.CurrentRunJobTask(ctx, db, dbJob.ID)
	require.NoError(t, err)
	assert.False(t, runjob.Active)

	// Maintenance ends: next probe reports healthy
	probe2 := &models.Task{
		ID: "dbstatus-test-2", Backend: "test", Type: models.TaskTypeDBStatus,
		Active: true, CreatedAt: time.Now().Unix(),
	}
	require.NoError(t, database.Insert(ctx, db, probe2))
	results, _ = json.Marshal(schema.DBStatusResults{Status: ""})
	postUpdate(t, db, &schema.TaskUpdate{TaskID: probe2.ID, Results: results, Complete: true})

	advanceTick(t, c)
	got = reload(t, db, dbJob.ID)
	assert.Equal(t, models.CodeInitiated, got.StatusCode)
}

func TestScheduledDBStatusTasks(t *testing.T) {
	cfg := testConfig()
	cfg.MaintenanceEnabledBackends = []string{"test"}
	c, db := newTestController(t, cfg)
	ctx := context.Background()

	advanceTick(t, c)

	probes, err := database.FindWhere[models.Task](ctx, db,
		database.Eq("type", models.TaskTypeDBStatus))
	require.NoError(t, err)
	require.Len(t, probes, 1)
	assert.True(t, probes[0].Active)

	// An active probe is not duplicated
	advanceTick(t, c)
	n, err := database.CountWhere[models.Task](ctx, db,
		database.Eq("type", models.TaskTypeDBStatus))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A recently finished probe suppresses the next one
	postUpdate(t, db, &schema.TaskUpdate{TaskID: probes[0].ID, Complete: true})
	advanceTick(t, c)
	n, err = database.CountWhere[models.Task](ctx, db,
		database.Eq("type", models.TaskTypeDBStatus))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestManualMaintenanceWithdrawsProbes(t *testing.T) {
	cfg := testConfig()
	cfg.MaintenanceEnabledBackends = []string{"test"}
	c, db := newTestController(t, cfg)
	ctx := context.Background()

	advanceTick(t, c)
	probes, err := database.FindWhere[models.Task](ctx, db,
		database.Eq("type", models.TaskTypeDBStatus))
	require.NoError(t, err)
	require.Len(t, probes, 1)

	on := "on"
	_, err = controller.SetFlag(ctx, db, "test", controller.FlagManualDBMaint, &on)
	require.NoError(t, err)

	advanceTick(t, c)
	got, err := database.FindOne[models.Task](ctx, db, database.Eq("id", probes[0].ID))
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.NotNil(t, got.FinishedAt)
}

func TestTaskUpdateUnknownTask(t *testing.T) {
	_, db := newTestController(t, testConfig())
	err := controller.HandleTaskUpdate(context.Background(), db,
		&schema.TaskUpdate{TaskID: "nope"})
	assert.ErrorIs(t, err, controller.ErrUnknownTask)
}

func TestTaskUpdateIsIdempotent(t *testing.T) {
	c, db := newTestController(t, testConfig())
	ctx := context.Background()

	job := insertPendingJob(t, db, "i1", "ws1", false)
	task := startJob(t, c, db, job.ID)

	update := &schema.TaskUpdate{TaskID: task.ID, Stage: "prepared"}
	postUpdate(t, db, update)
	first, err := database.FindOne[models.Task](ctx, db, database.Eq("id", task.ID))
	require.NoError(t, err)

	postUpdate(t, db, update)
	second, err := database.FindOne[models.Task](ctx, db, database.Eq("id", task.ID))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStatusCodeUpdatedAtIsMonotonic(t *testing.T) {
	c, db := newTestController(t, testConfig())

	job := insertPendingJob(t, db, "t1", "ws1", false)
	task := startJob(t, c, db, job.ID)
	afterStart := reload(t, db, job.ID).StatusCodeUpdatedAt

	// Agent timestamp far in the past gets clamped forward
	past := time.Now().Add(-time.Hour).UnixNano()
	postUpdate(t, db, &schema.TaskUpdate{TaskID: task.ID, Stage: "executing", TimestampNS: &past})
	advanceTick(t, c)

	got := reload(t, db, job.ID)
	assert.Equal(t, models.CodeExecuting, got.StatusCode)
	assert.Equal(t, afterStart+int64(time.Millisecond), got.StatusCodeUpdatedAt)
}

func TestUpdateCancelledJobs(t *testing.T) {
	c, db := newTestController(t, testConfig())
	ctx := context.Background()

	jobs, err := c.CreateOrUpdateJobs(ctx, chainRequest(t, "rap-1", "analyze"))
	require.NoError(t, err)

	n, err := c.UpdateCancelledJobs(ctx, "rap-1", []string{"gen", "prep"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := reload(t, db, jobByAction(t, jobs, "gen").ID)
	assert.True(t, got.Cancelled)
	got = reload(t, db, jobByAction(t, jobs, "analyze").ID)
	assert.False(t, got.Cancelled)

	// Unknown rap: zero matches
	n, err = c.UpdateCancelledJobs(ctx, "rap-unknown", []string{"gen"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSetFlagPreservesTimestampWhenUnchanged(t *testing.T) {
	_, db := newTestController(t, testConfig())
	ctx := context.Background()

	v := "true"
	first, err := controller.SetFlag(ctx, db, "test", "paused", &v)
	require.NoError(t, err)

	again, err := controller.SetFlag(ctx, db, "test", "paused", &v)
	require.NoError(t, err)
	assert.Equal(t, first.Timestamp, again.Timestamp)
}
