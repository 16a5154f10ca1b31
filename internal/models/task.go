package models

import (
	"encoding/json"

	"github.com/raplab/raprunner/internal/database"
)

// Task is one unit of work handed to an agent. The controller writes the
// creation fields and flips active; the agent writes only the agent_*
// fields, via the task update RPC.
type Task struct {
	ID      string
	Backend string
	Type    TaskType
	// Opaque payload the agent consumes (a JobDefinition for RUNJOB and
	// CANCELJOB, a database name for DBSTATUS)
	Definition json.RawMessage
	Active     bool
	// Timestamps from the controller's point of view, second resolution
	CreatedAt  int64
	FinishedAt *int64
	// Key-value pairs forwarded to the agent for tracing purposes
	Attributes map[string]string
	// Fields reported by the agent
	AgentStage       string
	AgentComplete    bool
	AgentResults     json.RawMessage
	AgentTimestampNS *int64
}

func (t *Task) TableName() string { return "tasks" }

func (t *Task) Columns() []string {
	return []string{
		"id", "backend", "type", "definition", "active", "created_at",
		"finished_at", "attributes", "agent_stage", "agent_complete",
		"agent_results", "agent_timestamp_ns",
	}
}

func (t *Task) Refs() []any {
	return []any{
		&t.ID, &t.Backend, &t.Type, database.JSON(&t.Definition), &t.Active,
		&t.CreatedAt, &t.FinishedAt, database.JSON(&t.Attributes),
		&t.AgentStage, &t.AgentComplete, database.JSON(&t.AgentResults),
		&t.AgentTimestampNS,
	}
}
