package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/raplab/raprunner/internal/database"
	"github.com/raplab/raprunner/internal/gitfs"
	"github.com/raplab/raprunner/internal/models"
	"github.com/raplab/raprunner/internal/pipeline"
	"github.com/raplab/raprunner/internal/tracing"
)

// CreateRequest is the client-facing contract for scheduling a RAP.
type CreateRequest struct {
	ID                   string         `json:"id"`
	Backend              string         `json:"backend"`
	Workspace            string         `json:"workspace"`
	RepoURL              string         `json:"repo_url"`
	Branch               string         `json:"branch"`
	Commit               string         `json:"commit"`
	DatabaseName         string         `json:"database_name"`
	RequestedActions     []string       `json:"requested_actions"`
	CodelistsOK          bool           `json:"codelists_ok"`
	ForceRunDependencies bool           `json:"force_run_dependencies"`
	CreatedBy            string         `json:"created_by"`
	Project              string         `json:"project"`
	Orgs                 []string       `json:"orgs"`
	AnalysisScope        map[string]any `json:"analysis_scope"`

	// Original is the raw request JSON, archived for telemetry
	Original json.RawMessage `json:"-"`
}

// ErrAlreadyCreated distinguishes a replayed request (whose jobs exist and
// match) from a fresh creation.
var ErrAlreadyCreated = errors.New("jobs already created for this request")

var workspaceRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var allowedDatabases = map[string]bool{
	"default":      true,
	"include_t1oo": true,
}

// CreateOrUpdateJobs resolves the request into jobs, or returns the
// existing ones when the request has been seen before. Request-level
// failures that are not the client's fault produce a single placeholder
// job carrying the outcome back through the status API.
func (c *Controller) CreateOrUpdateJobs(ctx context.Context, req *CreateRequest) ([]*models.Job, error) {
	existing, err := JobsForRap(ctx, c.db, req.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		if existing[0].Workspace != req.Workspace || existing[0].Backend != req.Backend {
			return nil, &ValidationError{Message: fmt.Sprintf(
				"rap %s already exists with different workspace or backend", req.ID)}
		}
		return existing, ErrAlreadyCreated
	}

	jobs, err := c.createJobs(ctx, req)
	if err == nil {
		c.log.Info("created jobs",
			zap.String("rap_id", req.ID), zap.Int("count", len(jobs)))
		return jobs, nil
	}

	switch {
	case IsValidationError(err):
		return nil, err
	case IsNothingToDo(err):
		job, jerr := c.createErrorJob(ctx, req, models.CodeSucceeded,
			"All actions have already run")
		if jerr != nil {
			return nil, jerr
		}
		return []*models.Job{job}, nil
	case IsStaleCodelists(err):
		job, jerr := c.createErrorJob(ctx, req, models.CodeStaleCodelists, err.Error())
		if jerr != nil {
			return nil, jerr
		}
		return []*models.Job{job}, nil
	default:
		c.log.Error("creating jobs failed",
			zap.String("rap_id", req.ID), zap.Error(err))
		job, jerr := c.createErrorJob(ctx, req, models.CodeInternalError,
			"Internal error: this usually means a platform issue rather than a problem with your code")
		if jerr != nil {
			return nil, jerr
		}
		return []*models.Job{job}, nil
	}
}

func (c *Controller) createJobs(ctx context.Context, req *CreateRequest) ([]*models.Job, error) {
	if err := c.validateRequest(ctx, req); err != nil {
		return nil, err
	}

	content, err := c.git.ReadFileAtCommit(ctx, req.RepoURL, req.Commit, "project.yaml")
	if err != nil {
		if errors.Is(err, gitfs.ErrCommitNotFound) || errors.Is(err, gitfs.ErrFileNotFound) {
			return nil, &ValidationError{Message: err.Error()}
		}
		return nil, err
	}
	pipe, err := pipeline.Parse(content)
	if err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}

	current, err := LatestJobsForWorkspace(ctx, c.db, req.Backend, req.Workspace)
	if err != nil {
		return nil, err
	}

	requested, err := pipe.ExpandRequested(req.RequestedActions)
	if err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}

	newJobs, err := c.resolve(req, pipe, current, requested)
	if err != nil {
		return nil, err
	}
	if len(newJobs) == 0 {
		return nil, c.nothingToDo(req, current, requested)
	}

	jobs := make([]*models.Job, 0, len(newJobs))
	requiresDB := false
	for _, action := range orderedActions(newJobs) {
		job := newJobs[action]
		job.WaitForJobIDs = waitIDs(pipe.Actions[action].Needs, newJobs, current)
		if job.RequiresDB {
			requiresDB = true
		}
		jobs = append(jobs, job)
	}
	if requiresDB && !req.CodelistsOK {
		return nil, &StaleCodelistsError{RapID: req.ID}
	}

	for _, job := range jobs {
		tracing.InitialiseJobTrace(ctx, job)
	}

	err = c.db.Transaction(ctx, func(tx *database.Tx) error {
		for _, job := range jobs {
			if err := database.Insert(ctx, tx, job); err != nil {
				return err
			}
		}
		return SaveRequest(ctx, tx, &models.SavedRapRequest{
			ID:       req.ID,
			Original: req.Original,
		})
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *Controller) validateRequest(ctx context.Context, req *CreateRequest) error {
	if req.ID == "" {
		return &ValidationError{Message: "request id is required"}
	}
	if !workspaceRe.MatchString(req.Workspace) {
		return &ValidationError{Message: fmt.Sprintf(
			"invalid workspace %q: letters, numbers, - and _ only", req.Workspace)}
	}
	if !c.cfg.HasBackend(req.Backend) {
		return &ValidationError{Message: fmt.Sprintf("unknown backend %q", req.Backend)}
	}
	if req.DatabaseName == "" {
		req.DatabaseName = "default"
	}
	if !allowedDatabases[req.DatabaseName] {
		return &ValidationError{Message: fmt.Sprintf("unknown database %q", req.DatabaseName)}
	}
	if len(req.RequestedActions) == 0 {
		return &ValidationError{Message: "no actions requested"}
	}
	if err := gitfs.ValidateRepoURL(req.RepoURL, c.cfg.AllowedGithubOrgs); err != nil {
		return &ValidationError{Message: err.Error()}
	}
	if req.Branch != "" {
		onBranch, err := c.git.CommitOnBranch(ctx, req.RepoURL, req.Branch, req.Commit)
		if err != nil {
			return &ValidationError{Message: err.Error()}
		}
		if !onBranch {
			return &ValidationError{Message: fmt.Sprintf(
				"commit %s is not on branch %s", req.Commit, req.Branch)}
		}
	}
	return nil
}

// resolve walks the requested actions and their transitive needs, deciding
// which get a new job.
func (c *Controller) resolve(req *CreateRequest, pipe *pipeline.Pipeline, current map[string]*models.Job, requested []string) (map[string]*models.Job, error) {
	newJobs := map[string]*models.Job{}
	isRequested := map[string]bool{}
	for _, action := range requested {
		isRequested[action] = true
	}

	var ensure func(action string) error
	ensure = func(action string) error {
		if _, done := newJobs[action]; done {
			return nil
		}
		existing := current[action]
		if existing != nil && !existing.State.IsFinal() {
			// Already scheduled; downstream waits on it
			return nil
		}
		if !isRequested[action] && existing != nil &&
			existing.State == models.StateSucceeded && !req.ForceRunDependencies {
			// Completed dependency is reused as-is
			return nil
		}

		act := pipe.Actions[action]
		for _, need := range act.Needs {
			if err := ensure(need); err != nil {
				return err
			}
		}
		job, err := c.buildJob(req, action, act)
		if err != nil {
			return err
		}
		newJobs[action] = job
		return nil
	}

	for _, action := range requested {
		if err := ensure(action); err != nil {
			return nil, err
		}
	}
	return newJobs, nil
}

func (c *Controller) buildJob(req *CreateRequest, action string, act *pipeline.Action) (*models.Job, error) {
	now := time.Now()
	requiresDB := act.IsDatabaseAction()
	job := &models.Job{
		ID:                  models.NewJobID(req.ID, action),
		RapID:               req.ID,
		State:               models.StatePending,
		RepoURL:             req.RepoURL,
		Commit:              req.Commit,
		Workspace:           req.Workspace,
		Action:              action,
		RequiresOutputsFrom: act.Needs,
		RunCommand:          act.Run,
		OutputSpec:          act.Outputs,
		StatusMessage:       "Created",
		StatusCode:          models.CodeCreated,
		CreatedAt:           now.Unix(),
		UpdatedAt:           now.Unix(),
		StatusCodeUpdatedAt: now.UnixNano(),
		RequiresDB:          requiresDB,
		Backend:             req.Backend,
		AnalysisScope:       req.AnalysisScope,
	}
	if requiresDB {
		job.DatabaseName = req.DatabaseName
	}
	if _, err := job.ActionArgs(); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf(
			"action %q has an unparseable run command: %v", action, err)}
	}
	return job, nil
}

// waitIDs collects the job ids this job must wait for: direct dependencies
// that are newly created or still in flight.
func waitIDs(needs []string, newJobs map[string]*models.Job, current map[string]*models.Job) []string {
	var ids []string
	for _, need := range needs {
		if job, ok := newJobs[need]; ok {
			ids = append(ids, job.ID)
			continue
		}
		if existing := current[need]; existing != nil && !existing.State.IsFinal() {
			ids = append(ids, existing.ID)
		}
	}
	return ids
}

// orderedActions returns new job actions dependency-safe: stable order by
// creation is enough since inserts are transactional, so plain sorted order
// keeps output deterministic.
func orderedActions(newJobs map[string]*models.Job) []string {
	actions := make([]string, 0, len(newJobs))
	for action := range newJobs {
		actions = append(actions, action)
	}
	for i := 1; i < len(actions); i++ {
		for j := i; j > 0 && actions[j] < actions[j-1]; j-- {
			actions[j], actions[j-1] = actions[j-1], actions[j]
		}
	}
	return actions
}

// nothingToDo classifies an empty resolution.
func (c *Controller) nothingToDo(req *CreateRequest, current map[string]*models.Job, requested []string) error {
	for _, r := range req.RequestedActions {
		if r == pipeline.RunAll {
			return &NothingToDoError{RapID: req.ID}
		}
	}
	for _, action := range requested {
		existing := current[action]
		if existing == nil || existing.State.IsFinal() {
			return fmt.Errorf("no jobs created for %s but actions are not all in flight", req.ID)
		}
	}
	return &NothingToDoError{RapID: req.ID}
}

// createErrorJob records a request-level outcome as a single placeholder
// job so the client sees it through the normal status API.
func (c *Controller) createErrorJob(ctx context.Context, req *CreateRequest, code models.StatusCode, message string) (*models.Job, error) {
	now := time.Now()
	completed := now.Unix()
	job := &models.Job{
		ID:                  models.NewJobID(req.ID, models.ErrorAction),
		RapID:               req.ID,
		State:               code.StateFor(),
		RepoURL:             req.RepoURL,
		Commit:              req.Commit,
		Workspace:           req.Workspace,
		Action:              models.ErrorAction,
		StatusMessage:       message,
		StatusCode:          code,
		CreatedAt:           now.Unix(),
		UpdatedAt:           now.Unix(),
		CompletedAt:         &completed,
		StatusCodeUpdatedAt: now.UnixNano(),
		Backend:             req.Backend,
	}
	tracing.InitialiseJobTrace(ctx, job)
	err := c.db.Transaction(ctx, func(tx *database.Tx) error {
		if err := database.Insert(ctx, tx, job); err != nil {
			return err
		}
		return SaveRequest(ctx, tx, &models.SavedRapRequest{ID: req.ID, Original: req.Original})
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateCancelledJobs flips cancelled on the named actions of a RAP,
// returning how many jobs matched. Zero with no jobs at all lets the API
// layer distinguish "unknown rap" from "nothing matching".
func (c *Controller) UpdateCancelledJobs(ctx context.Context, rapID string, actions []string) (int, error) {
	jobs, err := JobsForRap(ctx, c.db, rapID)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	matched := 0
	for _, job := range jobs {
		for _, action := range actions {
			if job.Action == action {
				matched++
			}
		}
	}
	if matched == 0 {
		return 0, nil
	}
	err = database.UpdateWhere(ctx, c.db, "job", map[string]any{"cancelled": true},
		database.Eq("rap_id", rapID),
		database.In("action", actions...))
	if err != nil {
		return 0, err
	}
	return matched, nil
}
