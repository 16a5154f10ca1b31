// Package models defines the persisted records (Job, Task, Flag,
// SavedRapRequest) and the job state model. The schema lives alongside the
// records in schema.go.
package models

import (
	"crypto/sha1"
	"encoding/base32"
	"regexp"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/raplab/raprunner/internal/database"
)

// Job is one scheduled execution of one action in one backend/workspace.
//
// The controller owns every field except cancelled, which is written only by
// the external request handler and is append-only (never cleared).
type Job struct {
	ID    string
	RapID string
	State State
	// Git repository URL and full commit sha of the study code
	RepoURL string
	Commit  string
	// Name of workspace (effectively, the output directory)
	Workspace string
	// Only applicable to database actions: the name of the database to query
	DatabaseName string
	// Name of the action (one of the keys in the project pipeline)
	Action string
	// Repo/commit overrides for reusable actions (empty if not reusable)
	ActionRepoURL string
	ActionCommit  string
	// Action names whose outputs are inputs to this action
	RequiresOutputsFrom []string
	// Job IDs which must finish before this job can start (the subset of the
	// above which had not already run when this job was scheduled)
	WaitForJobIDs []string
	// The container run arguments to execute
	RunCommand string
	// The specific image that was actually run
	ImageID string
	// Expected outputs as named glob patterns grouped by privacy level.
	// Produced output file names stay on the agent; only booleans about
	// them come back.
	OutputSpec map[string]map[string]string
	// Human readable detail of what's currently happening with this job
	StatusMessage string
	// Machine readable code for the message above
	StatusCode StatusCode
	// Set by the external cancel handler; the controller never writes it
	Cancelled bool
	// Times as integer UNIX timestamps in seconds
	CreatedAt   int64
	UpdatedAt   int64
	StartedAt   *int64
	CompletedAt *int64
	// Nanosecond precision: sub-second state transitions must not collide
	StatusCodeUpdatedAt int64
	// Serialized root span context for this job's trace
	TraceContext map[string]string
	RequiresDB   bool
	Backend      string
	// Dataset permissions and component access granted to the request
	AnalysisScope map[string]any
}

func (j *Job) TableName() string { return "job" }

func (j *Job) Columns() []string {
	return []string{
		"id", "rap_id", "state", "repo_url", "commit", "workspace",
		"database_name", "action", "action_repo_url", "action_commit",
		"requires_outputs_from", "wait_for_job_ids", "run_command", "image_id",
		"output_spec", "status_message",
		"status_code", "cancelled", "created_at", "updated_at", "started_at",
		"completed_at", "status_code_updated_at", "trace_context",
		"requires_db", "backend", "analysis_scope",
	}
}

func (j *Job) Refs() []any {
	return []any{
		&j.ID, &j.RapID, &j.State, &j.RepoURL, &j.Commit, &j.Workspace,
		&j.DatabaseName, &j.Action, &j.ActionRepoURL, &j.ActionCommit,
		database.JSON(&j.RequiresOutputsFrom), database.JSON(&j.WaitForJobIDs),
		&j.RunCommand, &j.ImageID,
		database.JSON(&j.OutputSpec), &j.StatusMessage,
		&j.StatusCode, &j.Cancelled, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt,
		&j.CompletedAt, &j.StatusCodeUpdatedAt, database.JSON(&j.TraceContext),
		&j.RequiresDB, &j.Backend,
		database.JSON(&j.AnalysisScope),
	}
}

// NewJobID derives a job id from the RAP request id and action name. The
// same request always produces the same set of job ids, so re-creating jobs
// after a database rebuild cannot orphan work. Actions are unique within a
// request, which makes the pair globally unique.
func NewJobID(rapID, action string) string {
	digest := sha1.Sum([]byte(rapID + "\n" + action))
	return strings.ToLower(base32.StdEncoding.EncodeToString(digest[:10]))
}

// ActionArgs splits the job's run command shell-style.
func (j *Job) ActionArgs() ([]string, error) {
	if j.RunCommand == "" {
		return nil, nil
	}
	return shellquote.Split(j.RunCommand)
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// Slug returns a human-readable identifier for the job, used in logs and
// container names to make debugging easier.
func (j *Job) Slug() string {
	s := strings.ToLower(j.Workspace + "-" + j.Action + "-" + j.ID)
	return strings.Trim(slugUnsafe.ReplaceAllString(s, "-"), "-")
}

// ErrorAction is the placeholder action name used when a RAP request fails
// before any real jobs can be created; the resulting failed job carries the
// error message back through the status API.
const ErrorAction = "__error__"
