package models

import "github.com/raplab/raprunner/internal/database"

// Migrations is the ordered schema history. EnsureDB applies any entries
// beyond the database's recorded user_version, so append-only edits here are
// picked up on the next controller start.
var Migrations = []database.Migration{
	{
		Version: 1,
		SQL: `
CREATE TABLE job (
	id TEXT PRIMARY KEY,
	rap_id TEXT,
	state TEXT,
	repo_url TEXT,
	"commit" TEXT,
	workspace TEXT,
	database_name TEXT,
	action TEXT,
	action_repo_url TEXT,
	action_commit TEXT,
	requires_outputs_from TEXT,
	wait_for_job_ids TEXT,
	run_command TEXT,
	image_id TEXT,
	output_spec TEXT,
	status_message TEXT,
	status_code TEXT,
	cancelled BOOLEAN,
	created_at INT,
	updated_at INT,
	started_at INT,
	completed_at INT,
	status_code_updated_at INT,
	trace_context TEXT,
	requires_db BOOLEAN,
	backend TEXT,
	analysis_scope TEXT
);

CREATE INDEX idx_job_rap_id ON job (rap_id, id);

-- Once jobs transition into a final state they become immutable, so an index
-- over just the active subset stays small no matter how much history the
-- job table accumulates.
CREATE INDEX idx_job_active ON job (id) WHERE state NOT IN ('failed', 'succeeded');

CREATE TABLE tasks (
	id TEXT PRIMARY KEY,
	backend TEXT,
	type TEXT,
	definition TEXT,
	active BOOLEAN,
	created_at INT,
	finished_at INT,
	attributes TEXT,
	agent_stage TEXT,
	agent_complete BOOLEAN DEFAULT 0,
	agent_results TEXT,
	agent_timestamp_ns INT
);

CREATE INDEX idx_tasks_active ON tasks (backend) WHERE active;

CREATE TABLE flags (
	id TEXT,
	value TEXT,
	backend TEXT,
	timestamp INT,
	PRIMARY KEY (id, backend)
);

CREATE TABLE rap_request (
	id TEXT PRIMARY KEY,
	original TEXT
);
`,
	},
}
