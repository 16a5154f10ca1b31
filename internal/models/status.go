package models

import (
	"database/sql/driver"
	"fmt"
)

// State is the coarse lifecycle state the controller uses to decide how to
// handle a job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateFailed    State = "failed"
	StateSucceeded State = "succeeded"
)

// IsFinal reports whether the state is terminal.
func (s State) IsFinal() bool {
	return s == StateFailed || s == StateSucceeded
}

func (s State) Value() (driver.Value, error) { return string(s), nil }

func (s *State) Scan(src any) error {
	v, err := scanString(src)
	if err != nil {
		return fmt.Errorf("scanning State: %w", err)
	}
	*s = State(v)
	return nil
}

// StatusCode is the fine-grained status of a job. In contrast to State these
// play no role in deciding what happens with a job; they are machine readable
// versions of the human readable status message, used for the web UI, CLI and
// telemetry span names.
type StatusCode string

const (
	// PENDING codes
	CodeCreated               StatusCode = "created"
	CodeWaitingPaused         StatusCode = "paused"
	CodeWaitingDBMaintenance  StatusCode = "waiting_db_maintenance"
	CodeWaitingOnDependencies StatusCode = "waiting_on_dependencies"
	CodeWaitingOnWorkers      StatusCode = "waiting_on_workers"
	CodeWaitingOnDBWorkers    StatusCode = "waiting_on_db_workers"
	CodeWaitingOnReboot       StatusCode = "waiting_on_reboot"
	CodeWaitingOnNewTask      StatusCode = "waiting_on_new_task"

	// RUNNING codes. INITIATED means a task has been created and sent to the
	// agent; the rest mirror ExecutorState and are the normal happy path.
	CodeInitiated  StatusCode = "initiated"
	CodePreparing  StatusCode = "preparing"
	CodePrepared   StatusCode = "prepared"
	CodeExecuting  StatusCode = "executing"
	CodeExecuted   StatusCode = "executed"
	CodeFinalizing StatusCode = "finalizing"
	CodeFinalized  StatusCode = "finalized"

	// SUCCEEDED codes. Simples.
	CodeSucceeded StatusCode = "succeeded"

	// FAILED codes
	CodeDependencyFailed  StatusCode = "dependency_failed"
	CodeNonzeroExit       StatusCode = "nonzero_exit"
	CodeCancelledByUser   StatusCode = "cancelled_by_user"
	CodeUnmatchedPatterns StatusCode = "unmatched_patterns"
	CodeInternalError     StatusCode = "internal_error"
	CodeKilledByAdmin     StatusCode = "killed_by_admin"
	CodeStaleCodelists    StatusCode = "stale_codelists"
	CodeJobError          StatusCode = "job_error"
)

var finalStatusCodes = map[StatusCode]bool{
	CodeSucceeded:         true,
	CodeDependencyFailed:  true,
	CodeNonzeroExit:       true,
	CodeCancelledByUser:   true,
	CodeUnmatchedPatterns: true,
	CodeInternalError:     true,
	CodeKilledByAdmin:     true,
	CodeStaleCodelists:    true,
	CodeJobError:          true,
}

// resetStatusCodes are codes which send a previously RUNNING job back to
// PENDING.
var resetStatusCodes = map[StatusCode]bool{
	CodeWaitingOnReboot:      true,
	CodeWaitingDBMaintenance: true,
	CodeWaitingOnNewTask:     true,
}

// runningStatusCodes are the codes permitted while state is RUNNING.
var runningStatusCodes = map[StatusCode]bool{
	CodeInitiated:  true,
	CodePreparing:  true,
	CodePrepared:   true,
	CodeExecuting:  true,
	CodeExecuted:   true,
	CodeFinalizing: true,
	CodeFinalized:  true,
}

// IsFinal reports whether the code belongs to a SUCCEEDED or FAILED state.
func (c StatusCode) IsFinal() bool { return finalStatusCodes[c] }

// IsReset reports whether the code resets a job back to PENDING.
func (c StatusCode) IsReset() bool { return resetStatusCodes[c] }

// IsRunning reports whether the code is permitted while state is RUNNING.
func (c StatusCode) IsRunning() bool { return runningStatusCodes[c] }

// StateFor returns the coarse state this code belongs to.
func (c StatusCode) StateFor() State {
	switch {
	case c == CodeSucceeded:
		return StateSucceeded
	case c.IsFinal():
		return StateFailed
	case c.IsRunning():
		return StateRunning
	default:
		return StatePending
	}
}

// Name returns the upper-cased span-style name for the code, e.g.
// "WAITING_ON_WORKERS". Span names and log fields use this form.
func (c StatusCode) Name() string {
	return upperSnake(string(c))
}

// StatusCodeFromValue looks up a code by its stored value, returning def when
// the value is not a known code. Used to mirror agent-reported stages, which
// may include executor states (e.g. "error") with no status code equivalent.
func StatusCodeFromValue(value string, def StatusCode) StatusCode {
	c := StatusCode(value)
	if finalStatusCodes[c] || resetStatusCodes[c] || runningStatusCodes[c] {
		return c
	}
	switch c {
	case CodeCreated, CodeWaitingPaused, CodeWaitingOnDependencies,
		CodeWaitingOnWorkers, CodeWaitingOnDBWorkers:
		return c
	}
	return def
}

func (c StatusCode) Value() (driver.Value, error) { return string(c), nil }

func (c *StatusCode) Scan(src any) error {
	v, err := scanString(src)
	if err != nil {
		return fmt.Errorf("scanning StatusCode: %w", err)
	}
	*c = StatusCode(v)
	return nil
}

// TaskType identifies the kind of work a task hands to an agent.
type TaskType string

const (
	TaskTypeRunJob    TaskType = "runjob"
	TaskTypeCancelJob TaskType = "canceljob"
	TaskTypeDBStatus  TaskType = "dbstatus"
)

func (t TaskType) Value() (driver.Value, error) { return string(t), nil }

func (t *TaskType) Scan(src any) error {
	v, err := scanString(src)
	if err != nil {
		return fmt.Errorf("scanning TaskType: %w", err)
	}
	*t = TaskType(v)
	return nil
}

func scanString(src any) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("unsupported type %T", src)
	}
}

func upperSnake(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}
