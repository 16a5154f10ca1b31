// Package executor defines the abstract container-runtime interface the
// agent drives jobs through. Implementations own all interaction with the
// runtime and the filesystem; the agent only sequences state transitions.
package executor

import (
	"errors"
	"fmt"

	"github.com/raplab/raprunner/internal/schema"
)

// State is where a job sits in the executor pipeline. The happy path is
// UNKNOWN -> PREPARING -> PREPARED -> EXECUTING -> EXECUTED -> FINALIZING
// -> FINALIZED, with ERROR reachable from anywhere.
type State string

const (
	StateUnknown    State = "unknown"
	StatePreparing  State = "preparing"
	StatePrepared   State = "prepared"
	StateExecuting  State = "executing"
	StateExecuted   State = "executed"
	StateFinalizing State = "finalizing"
	StateFinalized  State = "finalized"
	StateError      State = "error"
)

// Terminal reports whether no further transitions happen without agent
// intervention.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateError
}

// JobStatus is the executor's view of one job.
type JobStatus struct {
	State State

	// TimestampNS is when the state was observed or entered, if known
	TimestampNS *int64

	// Message carries executor detail for ERROR states
	Message string

	// Results is populated once the job is FINALIZED
	Results *schema.JobTaskResults
}

// API is the contract between the agent loop and a container runtime.
// Every method must be idempotent: the agent may call Prepare (or any
// other transition) again after a crash landed it mid-stage.
type API interface {
	// GetStatus reports the job's current executor state. With
	// cancelled set, implementations may skip expensive result
	// collection for EXECUTED jobs.
	GetStatus(definition *schema.JobDefinition, cancelled bool) (JobStatus, error)

	// Prepare creates the job's workspace volume, checks out the study
	// code and copies in dependency outputs.
	Prepare(definition *schema.JobDefinition) (JobStatus, error)

	// Execute starts the job's container.
	Execute(definition *schema.JobDefinition) (JobStatus, error)

	// Finalize collects outputs, logs and metadata. With cancelled or
	// jobError set it records the respective cause instead of matching
	// outputs.
	Finalize(definition *schema.JobDefinition, cancelled bool, jobError string) (JobStatus, error)

	// Terminate kills the job's running container.
	Terminate(definition *schema.JobDefinition) (JobStatus, error)

	// Cleanup removes the container and scratch space. Persisted
	// outputs and logs survive.
	Cleanup(definition *schema.JobDefinition) (JobStatus, error)
}

// RetryableError signals a transient runtime failure: the agent records it
// on the task span and retries on the next tick without changing job state.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("executor retry: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as retryable.
func Retryable(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err signals a transient runtime failure.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
