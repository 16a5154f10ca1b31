// Package schema defines the wire types exchanged between controller and
// agent. These are versioned by care rather than by number: fields are only
// ever added, and both sides tolerate unknown keys.
package schema

import "encoding/json"

// Study identifies the code a job runs.
type Study struct {
	GitRepoURL string `json:"git_repo_url"`
	Commit     string `json:"commit"`
}

// JobDefinition is everything the agent needs to execute one job. It is
// serialised into the task's definition column, so it must stay
// self-contained: the agent never reads the controller's database.
type JobDefinition struct {
	ID        string `json:"id"`
	RapID     string `json:"rap_id"`
	TaskID    string `json:"task_id"`
	Study     Study  `json:"study"`
	Workspace string `json:"workspace"`
	Action    string `json:"action"`
	CreatedAt int64  `json:"created_at"`

	// Image is the fully qualified run image; ImageSHA pins it when known
	Image    string   `json:"image"`
	ImageSHA string   `json:"image_sha,omitempty"`
	Args     []string `json:"args"`

	Env map[string]string `json:"env"`

	// InputJobIDs are the completed dependency jobs whose outputs this job
	// reads. The agent resolves the file names from their stored metadata;
	// the controller never sees output file names.
	InputJobIDs []string `json:"input_job_ids"`

	// OutputSpec maps privacy level -> output name -> glob pattern
	OutputSpec map[string]map[string]string `json:"output_spec"`

	AllowDatabaseAccess bool   `json:"allow_database_access"`
	DatabaseName        string `json:"database_name,omitempty"`

	CPUCount    float64 `json:"cpu_count"`
	MemoryLimit string  `json:"memory_limit"`

	Level4MaxFilesize int64    `json:"level4_max_filesize"`
	Level4MaxCSVRows  int      `json:"level4_max_csv_rows"`
	Level4FileTypes   []string `json:"level4_file_types"`
}

// JobTaskResults is what the agent reports when a RUNJOB task completes.
type JobTaskResults struct {
	ExitCode *int64 `json:"exit_code"`

	// ImageID is the resolved docker image id the job actually ran
	ImageID string `json:"docker_image_id,omitempty"`

	// StatusMessage and Hint carry executor-produced detail for the user
	StatusMessage string `json:"status_message,omitempty"`
	Hint          string `json:"hint,omitempty"`

	Outputs             map[string]string `json:"outputs,omitempty"`
	UnmatchedPatterns   []string          `json:"unmatched_patterns,omitempty"`
	UnmatchedOutputs    []string          `json:"unmatched_outputs,omitempty"`
	Level4ExcludedFiles map[string]string `json:"level4_excluded_files,omitempty"`

	HasUnmatchedPatterns   bool `json:"has_unmatched_patterns,omitempty"`
	HasLevel4ExcludedFiles bool `json:"has_level4_excluded_files,omitempty"`

	// TimestampNS is the agent clock at completion
	TimestampNS *int64 `json:"timestamp_ns,omitempty"`

	// Action image provenance, recorded for reproducibility
	ActionVersion  string `json:"action_version,omitempty"`
	ActionRevision string `json:"action_revision,omitempty"`
	ActionCreated  string `json:"action_created,omitempty"`
	BaseRevision   string `json:"base_revision,omitempty"`
	BaseCreated    string `json:"base_created,omitempty"`

	// Error is set when the task failed outside the job's own control,
	// e.g. an agent-side exception. Its presence routes the controller
	// down the task-error path instead of the results path.
	Error string `json:"error,omitempty"`
}

// AgentTask is the task representation sent to agents. It deliberately
// omits the agent_* reporting columns and the active flag: an agent only
// ever sees tasks that are active for its backend.
type AgentTask struct {
	ID         string            `json:"id"`
	Backend    string            `json:"backend"`
	Type       string            `json:"type"`
	Definition json.RawMessage   `json:"definition"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  int64             `json:"created_at"`
}

// TaskList is the response to the agent's task poll.
type TaskList struct {
	Tasks []AgentTask `json:"tasks"`
}

// TaskUpdate is the payload the agent posts as a task progresses.
type TaskUpdate struct {
	TaskID      string          `json:"task_id"`
	Stage       string          `json:"stage"`
	Results     json.RawMessage `json:"results,omitempty"`
	Complete    bool            `json:"complete"`
	TimestampNS *int64          `json:"timestamp_ns,omitempty"`
}

// DBStatusDefinition is the definition payload of a DBSTATUS task.
type DBStatusDefinition struct {
	DatabaseName string `json:"database_name"`
}

// DBStatusResults is what the agent reports for a DBSTATUS task.
type DBStatusResults struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
